/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Students:      StudentDTO, CreateStudentRequest
  Payments:      PaymentDTO, SaveDueRequest, MarkPaidRequest, MarkAbsentRequest
  History:       PaymentEventDTO
  Reports:       StatisticsDTO, RevenuePointDTO, ExtractDTO,
                 GenerationDTO, ReclassifyDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request shapes are checked with validator/v10 struct tags (see
  validate.go). Business rules (due day, positive amounts) stay in the
  billing package and come back as billing.ValidationError.

MONEY:
  Amounts are shopspring decimals and serialize as JSON strings ("120.50").
  Requests accept either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// STUDENTS
// =============================================================================

// StudentDTO represents a student in API responses.
type StudentDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Active     bool            `json:"active"`
	DueDay     int             `json:"due_day"`
	GraceDays  int             `json:"grace_days"`
	MonthlyFee decimal.Decimal `json:"monthly_fee"`
	CreatedAt  string          `json:"created_at,omitempty"`
	UpdatedAt  string          `json:"updated_at,omitempty"`
}

// CreateStudentRequest registers or updates a student. An empty id gets a
// generated one.
type CreateStudentRequest struct {
	ID         string          `json:"id" validate:"omitempty,max=64"`
	Name       string          `json:"name" validate:"required,notblank,max=200"`
	Active     *bool           `json:"active"`
	DueDay     int             `json:"due_day" validate:"omitempty,oneof=10 15 25"`
	GraceDays  *int            `json:"grace_days" validate:"omitempty,min=0,max=28"`
	MonthlyFee decimal.Decimal `json:"monthly_fee"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO represents one monthly due.
type PaymentDTO struct {
	ID                 string          `json:"id"`
	StudentID          string          `json:"student_id"`
	StudentName        string          `json:"student_name"`
	Year               int             `json:"year"`
	Month              int             `json:"month"`
	YearMonth          string          `json:"year_month"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	DueDay             int             `json:"due_day"`
	GraceDays          int             `json:"grace_days"`
	DueDate            string          `json:"due_date"`
	LateDate           string          `json:"late_date"`
	PaidAt             *string         `json:"paid_at,omitempty"`
	RequiresCollection bool            `json:"requires_collection"`
	CreatedAt          string          `json:"created_at,omitempty"`
	UpdatedAt          string          `json:"updated_at,omitempty"`
}

// SaveDueRequest creates or overwrites the due of (student_id, year, month).
// Without status the due is classified against today.
type SaveDueRequest struct {
	StudentID          string          `json:"student_id" validate:"required,max=64"`
	StudentName        string          `json:"student_name" validate:"required,notblank,max=200"`
	Year               int             `json:"year" validate:"required,min=1,max=9999"`
	Month              int             `json:"month" validate:"required,min=1,max=12"`
	Amount             decimal.Decimal `json:"amount"`
	DueDay             int             `json:"due_day"`
	GraceDays          *int            `json:"grace_days" validate:"omitempty,min=0"`
	Status             string          `json:"status" validate:"omitempty,oneof=owed delinquent paid absent"`
	RequiresCollection *bool           `json:"requires_collection"`
}

// MarkPaidRequest optionally overrides the amount collected.
type MarkPaidRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// MarkAbsentRequest controls whether an absence is still charged.
type MarkAbsentRequest struct {
	RequiresCollection bool `json:"requires_collection"`
}

// PaymentEventDTO is one history entry. Record is the state after the
// action; for "deleted" it is the last state before removal.
type PaymentEventDTO struct {
	ID        string     `json:"id"`
	PaymentID string     `json:"payment_id"`
	StudentID string     `json:"student_id"`
	YearMonth string     `json:"year_month"`
	Action    string     `json:"action"`
	Record    PaymentDTO `json:"record"`
	At        string     `json:"at"`
}

// =============================================================================
// REPORTS
// =============================================================================

// BucketDTO is a count and sum of amounts.
type BucketDTO struct {
	Count int             `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

// StatisticsDTO is the per-status breakdown of one month.
type StatisticsDTO struct {
	YearMonth       string    `json:"year_month"`
	Paid            BucketDTO `json:"paid"`
	Owed            BucketDTO `json:"owed"`
	Delinquent      BucketDTO `json:"delinquent"`
	Absent          BucketDTO `json:"absent"`
	Billable        BucketDTO `json:"billable"`
	Total           BucketDTO `json:"total"`
	DelinquencyRate float64   `json:"delinquency_rate"`
	CollectionRate  float64   `json:"collection_rate"`
}

// RevenuePointDTO is collected revenue for one month.
type RevenuePointDTO struct {
	YearMonth string          `json:"year_month"`
	Paid      decimal.Decimal `json:"paid"`
}

// ExtractDTO is a student's statement.
type ExtractDTO struct {
	Student   StudentDTO      `json:"student"`
	Records   []PaymentDTO    `json:"records"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	TotalOpen decimal.Decimal `json:"total_open"`
	Open      int             `json:"open"`
}

// GenerationDTO reports a month generation run.
type GenerationDTO struct {
	YearMonth string   `json:"year_month"`
	Created   []string `json:"created"`
	Skipped   []string `json:"skipped"`
	Deferred  []string `json:"deferred"`
}

// ReclassifyDTO reports a reclassification run.
type ReclassifyDTO struct {
	YearMonth  string   `json:"year_month"`
	Delinquent []string `json:"delinquent"`
	Unchanged  int      `json:"unchanged"`
}

// ClassificationDTO answers GET /classify.
type ClassificationDTO struct {
	Status       string `json:"status"`
	BillingStart string `json:"billing_start"`
	DueDate      string `json:"due_date"`
	LateDate     string `json:"late_date"`
	Reference    string `json:"reference"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	ID      string `json:"id,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStudentDTO(s billing.Student) StudentDTO {
	return StudentDTO{
		ID:         s.ID,
		Name:       s.Name,
		Active:     s.Active,
		DueDay:     int(s.DueDay),
		GraceDays:  s.GraceDays,
		MonthlyFee: s.MonthlyFee,
		CreatedAt:  formatTime(s.CreatedAt),
		UpdatedAt:  formatTime(s.UpdatedAt),
	}
}

func toStudentDTOs(students []billing.Student) []StudentDTO {
	out := make([]StudentDTO, len(students))
	for i, s := range students {
		out[i] = toStudentDTO(s)
	}
	return out
}

func toPaymentDTO(r billing.PaymentRecord) PaymentDTO {
	dto := PaymentDTO{
		ID:                 r.ID,
		StudentID:          r.StudentID,
		StudentName:        r.StudentName,
		Year:               r.Year,
		Month:              int(r.Month),
		YearMonth:          r.YearMonth().String(),
		Amount:             r.Amount,
		Status:             string(r.Status),
		DueDay:             int(r.DueDay),
		GraceDays:          r.GraceDays,
		DueDate:            r.DueDate().String(),
		LateDate:           r.LateDate().String(),
		RequiresCollection: r.RequiresCollection,
		CreatedAt:          formatTime(r.CreatedAt),
		UpdatedAt:          formatTime(r.UpdatedAt),
	}
	if r.PaidAt != nil {
		s := r.PaidAt.UTC().Format(time.RFC3339)
		dto.PaidAt = &s
	}
	return dto
}

func toPaymentDTOs(records []billing.PaymentRecord) []PaymentDTO {
	out := make([]PaymentDTO, len(records))
	for i, r := range records {
		out[i] = toPaymentDTO(r)
	}
	return out
}

func toEventDTOs(events []billing.PaymentEvent) []PaymentEventDTO {
	out := make([]PaymentEventDTO, len(events))
	for i, ev := range events {
		out[i] = PaymentEventDTO{
			ID:        ev.ID,
			PaymentID: ev.PaymentID,
			StudentID: ev.StudentID,
			YearMonth: ev.YearMonth.String(),
			Action:    string(ev.Action),
			Record:    toPaymentDTO(ev.Record),
			At:        ev.At.UTC().Format(time.RFC3339),
		}
	}
	return out
}

func toBucketDTO(b billing.Bucket) BucketDTO {
	return BucketDTO{Count: b.Count, Sum: b.Sum}
}

func toStatisticsDTO(s billing.MonthlyStatistics) StatisticsDTO {
	return StatisticsDTO{
		YearMonth:       s.YearMonth.String(),
		Paid:            toBucketDTO(s.Paid),
		Owed:            toBucketDTO(s.Owed),
		Delinquent:      toBucketDTO(s.Delinquent),
		Absent:          toBucketDTO(s.Absent),
		Billable:        toBucketDTO(s.Billable),
		Total:           toBucketDTO(s.Total),
		DelinquencyRate: s.DelinquencyRate,
		CollectionRate:  s.CollectionRate,
	}
}

func toRevenueDTOs(points []billing.RevenuePoint) []RevenuePointDTO {
	out := make([]RevenuePointDTO, len(points))
	for i, p := range points {
		out[i] = RevenuePointDTO{YearMonth: p.YearMonth.String(), Paid: p.Paid}
	}
	return out
}

func toExtractDTO(x billing.Extract) ExtractDTO {
	return ExtractDTO{
		Student:   toStudentDTO(x.Student),
		Records:   toPaymentDTOs(x.Records),
		TotalPaid: x.TotalPaid,
		TotalOpen: x.TotalOpen,
		Open:      x.Open,
	}
}

func toGenerationDTO(r billing.GenerationReport) GenerationDTO {
	return GenerationDTO{
		YearMonth: r.YearMonth.String(),
		Created:   nonNil(r.Created),
		Skipped:   nonNil(r.Skipped),
		Deferred:  nonNil(r.Deferred),
	}
}

func toReclassifyDTO(r billing.ReclassifyReport) ReclassifyDTO {
	return ReclassifyDTO{
		YearMonth:  r.YearMonth.String(),
		Delinquent: nonNil(r.Delinquent),
		Unchanged:  r.Unchanged,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
