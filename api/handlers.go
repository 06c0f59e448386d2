/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine. Aggregate reads go
  through cache.Dues; every successful write invalidates what it touched.

ENDPOINTS:
  Classification:
    GET    /api/classify                    Status of a due on a date

  Students:
    GET    /api/students                    List students (?active=true)
    POST   /api/students                    Register or update a student
    GET    /api/students/{id}               Get student
    GET    /api/students/{id}/extract       Statement: dues and totals

  Payments:
    POST   /api/payments                    Create or overwrite a due
    GET    /api/payments/{id}               Get a due
    DELETE /api/payments/{id}               Delete a due (history is kept)
    POST   /api/payments/{id}/paid          Mark paid (optional amount)
    POST   /api/payments/{id}/owed          Mark owed
    POST   /api/payments/{id}/delinquent    Mark delinquent
    POST   /api/payments/{id}/absent        Mark absent
    GET    /api/payments/{id}/history       Event history

  Months:
    GET    /api/months/{ym}/payments        Dues of a month
    GET    /api/months/{ym}/statistics      Per-status totals and rates
    POST   /api/months/{ym}/generate        Create dues for active students
    POST   /api/months/{ym}/reclassify      Move overdue owed dues to delinquent

  Reports:
    GET    /api/revenue                     Paid revenue per month (?end&months)

  Admin:
    POST   /api/admin/cache/clear           Drop every cache entry
    GET    /api/admin/cache/stats           Cache counters

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: billing.ValidationError or a malformed request (with "field")
  - 404: billing.NotFoundError (with "id")
  - 500: anything else; the cause is logged, the client gets a generic message

CACHE INVALIDATION:
  Writes invalidate after they succeed, never before, so a failed write
  leaves the cache alone. Month batches commit per student and invalidate
  whenever anything was committed, even if a later student failed:
  - one due changed      -> Dues.PaymentsChanged(student, month)
  - month batch ran      -> Dues.MonthChanged(month)
  - student saved        -> Dues.StudentsChanged(student)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - validate.go: Request validation
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/cache"
)

// DefaultRevenueMonths is the window of GET /api/revenue without ?months.
const DefaultRevenueMonths = 12

// Resetter wipes all stored data. Only demo scenarios use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Dues   *cache.Dues

	resetter  Resetter
	validator *requestValidator
	log       *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. resetter may be nil, which disables
// scenario loading.
func NewHandler(engine *billing.Engine, dues *cache.Dues, resetter Resetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:    engine,
		Dues:      dues,
		resetter:  resetter,
		validator: newRequestValidator(),
		log:       logger.Named("api"),
	}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify answers what status a due would have on a given date.
// Query: year, month, due_day (required), grace_days, date (default today).
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	year, err := intParam(q.Get("year"), "year", 0)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	month, err := intParam(q.Get("month"), "month", 0)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	dueDay, err := intParam(q.Get("due_day"), "due_day", 0)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	grace, err := intParam(q.Get("grace_days"), "grace_days", h.Engine.DefaultGraceDays())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	ref := h.Engine.Today()
	if s := q.Get("date"); s != "" {
		if ref, err = billing.ParseDate(s); err != nil {
			h.writeFailure(w, r, err)
			return
		}
	}

	sched, err := billing.NewSchedule(billing.YearMonth{Year: year, Month: time.Month(month)}, dueDay, grace)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ClassificationDTO{
		Status:       string(sched.Classify(ref)),
		BillingStart: sched.BillingStart.String(),
		DueDate:      sched.DueDate.String(),
		LateDate:     sched.LateDate.String(),
		Reference:    ref.String(),
	})
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// ListStudents returns the roster. ?active=true hides inactive students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	students, err := h.Dues.Students(r.Context(), activeOnly)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTOs(students))
}

// CreateStudent registers a student, or updates one with the same id.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := h.validator.decodeAndValidate(r, &req, false); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	st := billing.Student{
		ID:         req.ID,
		Name:       req.Name,
		Active:     true,
		DueDay:     billing.DueDay(req.DueDay),
		GraceDays:  h.Engine.DefaultGraceDays(),
		MonthlyFee: req.MonthlyFee,
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if req.DueDay == 0 {
		st.DueDay = billing.DefaultDueDay
	}
	if req.Active != nil {
		st.Active = *req.Active
	}
	if req.GraceDays != nil {
		st.GraceDays = *req.GraceDays
	}

	saved, err := h.Engine.RegisterStudent(r.Context(), st)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.Dues.StudentsChanged(saved.ID)

	writeJSON(w, http.StatusCreated, toStudentDTO(saved))
}

// GetStudent returns one student.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.GetStudent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(st))
}

// GetExtract returns the student's statement.
func (h *Handler) GetExtract(w http.ResponseWriter, r *http.Request) {
	x, err := h.Dues.Extract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExtractDTO(x))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// SavePayment creates or overwrites the due of (student, year, month).
func (h *Handler) SavePayment(w http.ResponseWriter, r *http.Request) {
	var req SaveDueRequest
	if err := h.validator.decodeAndValidate(r, &req, false); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	in := billing.DueInput{
		StudentID:          req.StudentID,
		StudentName:        req.StudentName,
		Year:               req.Year,
		Month:              time.Month(req.Month),
		Amount:             req.Amount,
		DueDay:             req.DueDay,
		GraceDays:          req.GraceDays,
		RequiresCollection: req.RequiresCollection,
	}
	if req.Status != "" {
		st := billing.Status(req.Status)
		in.Status = &st
	}

	rec, err := h.Engine.CreateOrUpdateDue(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.Dues.PaymentsChanged(rec.StudentID, rec.YearMonth())

	writeJSON(w, http.StatusCreated, toPaymentDTO(rec))
}

// GetPayment returns one due.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(rec))
}

// DeletePayment removes a due. Its history stays readable.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := h.Engine.GetPayment(ctx, id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := h.Engine.DeletePayment(ctx, id); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.Dues.PaymentsChanged(rec.StudentID, rec.YearMonth())

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// MarkPaid records a payment. Body is optional: {"amount": "95.00"}.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := h.validator.decodeAndValidate(r, &req, true); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, id string) (billing.PaymentRecord, error) {
		return h.Engine.MarkPaid(ctx, id, req.Amount)
	})
}

// MarkOwed moves a due back to owed.
func (h *Handler) MarkOwed(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.MarkOwed)
}

// MarkDelinquent forces a due to delinquent.
func (h *Handler) MarkDelinquent(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.MarkDelinquent)
}

// MarkAbsent records an absence. Body is optional:
// {"requires_collection": true} keeps the due chargeable.
func (h *Handler) MarkAbsent(w http.ResponseWriter, r *http.Request) {
	var req MarkAbsentRequest
	if err := h.validator.decodeAndValidate(r, &req, true); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.transition(w, r, func(ctx context.Context, id string) (billing.PaymentRecord, error) {
		return h.Engine.MarkAbsent(ctx, id, req.RequiresCollection)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (billing.PaymentRecord, error)) {
	rec, err := apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.Dues.PaymentsChanged(rec.StudentID, rec.YearMonth())
	writeJSON(w, http.StatusOK, toPaymentDTO(rec))
}

// GetPaymentHistory returns every event of a due, oldest first.
func (h *Handler) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.PaymentHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// =============================================================================
// MONTH HANDLERS
// =============================================================================

// ListMonthPayments returns the dues of {ym}, ordered by student name.
func (h *Handler) ListMonthPayments(w http.ResponseWriter, r *http.Request) {
	ym, err := billing.ParseYearMonth(chi.URLParam(r, "ym"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	records, err := h.Engine.ListMonth(r.Context(), ym)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(records))
}

// GetMonthStatistics returns the (cached) statistics of {ym}.
func (h *Handler) GetMonthStatistics(w http.ResponseWriter, r *http.Request) {
	ym, err := billing.ParseYearMonth(chi.URLParam(r, "ym"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	stats, err := h.Dues.MonthlyStatistics(r.Context(), ym)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(stats))
}

// GenerateMonth creates the dues of {ym} for every active student.
func (h *Handler) GenerateMonth(w http.ResponseWriter, r *http.Request) {
	ym, err := billing.ParseYearMonth(chi.URLParam(r, "ym"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	report, err := h.Engine.GenerateMonth(r.Context(), ym)
	// Dues committed before a failure are real and must be visible.
	if len(report.Created) > 0 {
		h.Dues.MonthChanged(ym)
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGenerationDTO(report))
}

// ReclassifyMonth moves owed dues of {ym} past their late date to delinquent.
func (h *Handler) ReclassifyMonth(w http.ResponseWriter, r *http.Request) {
	ym, err := billing.ParseYearMonth(chi.URLParam(r, "ym"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	report, err := h.Engine.Reclassify(r.Context(), ym)
	if len(report.Delinquent) > 0 {
		h.Dues.MonthChanged(ym)
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReclassifyDTO(report))
}

// =============================================================================
// REPORTS
// =============================================================================

// GetRevenue returns paid revenue per month, oldest first.
// Query: end (YYYY-MM, default current month), months (default 12).
func (h *Handler) GetRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	end := h.Engine.Today().YearMonth()
	if s := q.Get("end"); s != "" {
		var err error
		if end, err = billing.ParseYearMonth(s); err != nil {
			h.writeFailure(w, r, err)
			return
		}
	}
	months, err := intParam(q.Get("months"), "months", DefaultRevenueMonths)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	points, err := h.Dues.RevenueSeries(r.Context(), end, months)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevenueDTOs(points))
}

// =============================================================================
// ADMIN
// =============================================================================

// ClearCache drops every cached entry.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	m := h.Dues.Manager()
	n := m.Len()
	m.Clear()
	h.log.Info("cache cleared by request", zap.Int("entries", n), zap.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// GetCacheStats returns hit/miss/eviction counters.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Dues.Manager().Stats())
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure maps an error to its HTTP status. Internal errors are logged
// and never echoed to the client.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		fe *fieldError
		ve *billing.ValidationError
		nf *billing.NotFoundError
	)
	switch {
	case errors.As(err, &fe):
		resp := ErrorResponse{Error: fe.Message, Field: fe.Field}
		if len(fe.Messages) > 1 {
			resp.Details = fe.Messages
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: nf.Error(), ID: nf.ID})
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// intParam parses an optional integer query parameter.
func intParam(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &billing.ValidationError{Field: field, Value: raw, Reason: "must be an integer"}
	}
	return n, nil
}
