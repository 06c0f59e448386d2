/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Student registration and listing
- Due lifecycle over HTTP (create, mark, delete, history)
- Cache invalidation after writes
- Error mapping (400 with field, 404 with id, 500 without details)
- Scenario loading
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/billing/store"
	"github.com/warp/dues-engine/cache"
)

var testNow = time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router  *chi.Mux
	handler *Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	return newTestServerOn(t, mem, mem)
}

// newTestServerOn runs the engine on st; mem is the memory store behind it.
func newTestServerOn(t *testing.T, st billing.Store, mem *store.Memory) *testServer {
	t.Helper()
	now := func() time.Time { return testNow }

	mem.Now = now
	cfg := billing.DefaultConfig()
	cfg.Now = now
	engine := billing.NewEngine(st, cfg)
	dues := cache.NewDues(engine, cache.New(cache.Options{Now: now}), time.Minute, nil)

	h := NewHandler(engine, dues, mem, nil)
	return &testServer{router: NewRouter(h, nil), handler: h, store: mem}
}

// failingTxStore fails its failAt-th transaction, counted from the last
// reset of calls.
type failingTxStore struct {
	*store.Memory
	calls  int
	failAt int
}

func (s *failingTxStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.calls++
	if s.calls == s.failAt {
		return errors.New("backend down")
	}
	return s.Memory.WithTx(ctx, fn)
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dueBody(studentID string, dueDay int) map[string]any {
	return map[string]any{
		"student_id":   studentID,
		"student_name": "Student " + studentID,
		"year":         2026,
		"month":        1,
		"amount":       "150.00",
		"due_day":      dueDay,
	}
}

// =============================================================================
// STUDENTS
// =============================================================================

func TestStudents_CreateAndList(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/students", map[string]any{
		"id": "s1", "name": "Ana", "due_day": 10, "monthly_fee": "120.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[StudentDTO](t, rec)
	assert.Equal(t, "s1", created.ID)
	assert.True(t, created.Active)
	assert.Equal(t, 3, created.GraceDays)

	rec = s.do(t, http.MethodGet, "/api/students", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]StudentDTO](t, rec), 1)

	// A second student must show up despite the cached roster.
	rec = s.do(t, http.MethodPost, "/api/students", map[string]any{"name": "Bruno", "monthly_fee": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	generated := decode[StudentDTO](t, rec)
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, 15, generated.DueDay)

	rec = s.do(t, http.MethodGet, "/api/students", nil)
	assert.Len(t, decode[[]StudentDTO](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/students/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStudents_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/students", map[string]any{"name": "Ana", "due_day": 20, "monthly_fee": "100"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "due_day", decode[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/students", map[string]any{"due_day": 10, "monthly_fee": "100"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decode[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/students", map[string]any{"name": "   ", "monthly_fee": "100"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	blank := decode[ErrorResponse](t, rec)
	assert.Equal(t, "name", blank.Field)
	assert.Equal(t, "name cannot be blank", blank.Error)

	rec = s.do(t, http.MethodPost, "/api/students", map[string]any{"name": "Ana", "monthly_fee": "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "monthly_fee", decode[ErrorResponse](t, rec).Field)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPayments_LifecycleInvalidatesStatistics(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a January due created on the 20th (day 10 is already late)
	rec := s.do(t, http.MethodPost, "/api/payments", dueBody("s1", 10))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	due := decode[PaymentDTO](t, rec)
	assert.Equal(t, "s1_2026_01", due.ID)
	assert.Equal(t, "delinquent", due.Status)
	assert.Equal(t, "2026-01-13", due.LateDate)
	assert.True(t, due.RequiresCollection)

	// AND: cached statistics for January
	rec = s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatisticsDTO](t, rec)
	assert.Equal(t, 1, stats.Delinquent.Count)
	assert.Equal(t, 0, stats.Paid.Count)

	// WHEN: the due is paid with a discounted amount
	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/paid", map[string]any{"amount": "140"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[PaymentDTO](t, rec)
	assert.Equal(t, "paid", paid.Status)
	assert.False(t, paid.RequiresCollection)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, "140", paid.Amount.String())

	// THEN: the next statistics read sees the payment
	rec = s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	stats = decode[StatisticsDTO](t, rec)
	assert.Equal(t, 1, stats.Paid.Count)
	assert.Equal(t, 0, stats.Delinquent.Count)
	assert.Equal(t, "140", stats.Paid.Sum.String())

	// AND: the revenue series too
	rec = s.do(t, http.MethodGet, "/api/revenue?end=2026-01&months=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	series := decode[[]RevenuePointDTO](t, rec)
	require.Len(t, series, 2)
	assert.Equal(t, "2025-12", series[0].YearMonth)
	assert.True(t, series[0].Paid.IsZero())
	assert.Equal(t, "140", series[1].Paid.String())
}

func TestPayments_TransitionsAndHistory(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/payments", dueBody("s1", 25))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "owed", decode[PaymentDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/delinquent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delinquent", decode[PaymentDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/owed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owed", decode[PaymentDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/absent", map[string]any{"requires_collection": true})
	require.Equal(t, http.StatusOK, rec.Code)
	absent := decode[PaymentDTO](t, rec)
	assert.Equal(t, "absent", absent.Status)
	assert.True(t, absent.RequiresCollection)

	rec = s.do(t, http.MethodDelete, "/api/payments/s1_2026_01", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/payments/s1_2026_01", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "s1_2026_01", decode[ErrorResponse](t, rec).ID)

	rec = s.do(t, http.MethodGet, "/api/payments/s1_2026_01/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]PaymentEventDTO](t, rec)
	var got []string
	for _, ev := range history {
		got = append(got, ev.Action)
	}
	assert.Equal(t, []string{"created", "delinquent", "owed", "absent", "deleted"}, got)
	assert.Equal(t, "absent", history[4].Record.Status, "tombstone carries the last state")
}

func TestPayments_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"due day outside set", dueBody("s1", 20), "due_day"},
		{"missing student name", map[string]any{"student_id": "s1", "year": 2026, "month": 1, "amount": "10", "due_day": 10}, "student_name"},
		{"bad month", map[string]any{"student_id": "s1", "student_name": "A", "year": 2026, "month": 13, "amount": "10", "due_day": 10}, "month"},
		{"zero amount", map[string]any{"student_id": "s1", "student_name": "A", "year": 2026, "month": 1, "amount": "0", "due_day": 10}, "amount"},
		{"pending status", map[string]any{"student_id": "s1", "student_name": "A", "year": 2026, "month": 1, "amount": "10", "due_day": 10, "status": "pending"}, "status"},
		{"unknown field", map[string]any{"student_id": "s1", "colour": "red"}, "body"},
		{"not json", "{", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/payments", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.field, decode[ErrorResponse](t, rec).Field)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/months/2026-01/payments", nil)
	assert.Empty(t, decode[[]PaymentDTO](t, rec), "nothing persisted")
}

func TestPayments_MarkPaidUnknownID(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/payments/ghost_2026_01/paid", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ghost_2026_01", decode[ErrorResponse](t, rec).ID)
}

// =============================================================================
// MONTHS
// =============================================================================

func TestMonths_GenerateAndReclassify(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []map[string]any{
		{"id": "s1", "name": "Ana", "due_day": 10, "monthly_fee": "100"},
		{"id": "s2", "name": "Bruno", "due_day": 25, "monthly_fee": "100"},
	} {
		rec := s.do(t, http.MethodPost, "/api/students", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/api/months/2026-01/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decode[GenerationDTO](t, rec)
	assert.Equal(t, []string{"s1_2026_01", "s2_2026_01"}, gen.Created)

	rec = s.do(t, http.MethodGet, "/api/months/2026-01/payments", nil)
	list := decode[[]PaymentDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "Ana", list[0].StudentName)

	// Day-10 dues generated on the 20th are delinquent already; a
	// manual reset to owed is picked up by reclassification.
	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/owed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/months/2026-01/reclassify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rc := decode[ReclassifyDTO](t, rec)
	assert.Equal(t, []string{"s1_2026_01"}, rc.Delinquent)
	assert.Equal(t, 1, rc.Unchanged)

	rec = s.do(t, http.MethodPost, "/api/months/2026-13/generate", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassifyEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/classify?year=2026&month=1&due_day=25&grace_days=3&date=2026-01-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[ClassificationDTO](t, rec)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "2026-01-15", got.BillingStart)
	assert.Equal(t, "2026-01-28", got.LateDate)

	rec = s.do(t, http.MethodGet, "/api/classify?year=2026&month=1&due_day=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delinquent", decode[ClassificationDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/classify?year=2026&month=1&due_day=11", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "due_day", decode[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodGet, "/api/classify?year=2026&month=x&due_day=10", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "month", decode[ErrorResponse](t, rec).Field)
}

func TestExtractEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/students", map[string]any{"id": "s1", "name": "Ana", "due_day": 10, "monthly_fee": "150"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/students/s1/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ExtractDTO](t, rec).Records)

	rec = s.do(t, http.MethodPost, "/api/payments", dueBody("s1", 10))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/students/s1/extract", nil)
	x := decode[ExtractDTO](t, rec)
	require.Len(t, x.Records, 1, "extract invalidated by the write")
	assert.Equal(t, 1, x.Open)
	assert.Equal(t, "150", x.TotalOpen.String())
}

func TestExtract_DelinquentDuePaidWithoutOverride(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/students", map[string]any{"id": "s1", "name": "Ana", "due_day": 10, "monthly_fee": "150"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/payments", dueBody("s1", 10))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "delinquent", decode[PaymentDTO](t, rec).Status)

	// GIVEN: a cached statement showing the delinquent due
	rec = s.do(t, http.MethodGet, "/api/students/s1/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	before := decode[ExtractDTO](t, rec)
	require.Len(t, before.Records, 1)
	assert.Equal(t, "delinquent", before.Records[0].Status)
	assert.Equal(t, 1, before.Open)

	// WHEN: it is paid with no body
	rec = s.do(t, http.MethodPost, "/api/payments/s1_2026_01/paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the statement shows it paid at the original amount
	rec = s.do(t, http.MethodGet, "/api/students/s1/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	after := decode[ExtractDTO](t, rec)
	require.Len(t, after.Records, 1)
	assert.Equal(t, "paid", after.Records[0].Status)
	assert.Equal(t, "150", after.Records[0].Amount.String())
	assert.NotNil(t, after.Records[0].PaidAt)
	assert.Equal(t, "150", after.TotalPaid.String())
	assert.True(t, after.TotalOpen.IsZero())
	assert.Equal(t, 0, after.Open)
}

func TestMonths_PartialBatchStillInvalidates(t *testing.T) {
	mem := store.NewMemory()
	fs := &failingTxStore{Memory: mem}
	s := newTestServerOn(t, fs, mem)
	for _, id := range []string{"a", "b"} {
		rec := s.do(t, http.MethodPost, "/api/students", map[string]any{"id": id, "name": "Student " + id, "due_day": 10, "monthly_fee": "100"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	// GIVEN: cached January statistics with no dues
	rec := s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	require.Equal(t, 0, decode[StatisticsDTO](t, rec).Total.Count)

	// WHEN: generation commits the first student, then the backend fails
	fs.calls, fs.failAt = 0, 2
	rec = s.do(t, http.MethodPost, "/api/months/2026-01/generate", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// THEN: the committed due is visible right away
	rec = s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	stats := decode[StatisticsDTO](t, rec)
	assert.Equal(t, 1, stats.Total.Count)
	assert.Equal(t, 1, stats.Delinquent.Count)

	// AND: the same holds for reclassification
	fs.failAt = 0
	rec = s.do(t, http.MethodPost, "/api/months/2026-01/generate", nil)
	require.Equal(t, []string{"b_2026_01"}, decode[GenerationDTO](t, rec).Created)
	for _, id := range []string{"a_2026_01", "b_2026_01"} {
		rec = s.do(t, http.MethodPost, "/api/payments/"+id+"/owed", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	require.Equal(t, 2, decode[StatisticsDTO](t, rec).Owed.Count)

	fs.calls, fs.failAt = 0, 2
	rec = s.do(t, http.MethodPost, "/api/months/2026-01/reclassify", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	stats = decode[StatisticsDTO](t, rec)
	assert.Equal(t, 1, stats.Owed.Count)
	assert.Equal(t, 1, stats.Delinquent.Count)
}

// =============================================================================
// ERRORS / ADMIN / SCENARIOS
// =============================================================================

type failingStore struct {
	*store.Memory
}

func (failingStore) ListPayments(context.Context, billing.Filter) ([]billing.PaymentRecord, error) {
	return nil, errors.New("disk I/O error at /var/lib/dues.db")
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	engine := billing.NewEngine(failingStore{store.NewMemory()}, billing.DefaultConfig())
	h := NewHandler(engine, cache.NewDues(engine, cache.New(cache.Options{}), time.Minute, nil), nil, nil)
	router := NewRouter(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/months/2026-01/payments", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	assert.Equal(t, "internal error", decode[ErrorResponse](t, rec).Error)
}

func TestCacheAdmin(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)
	s.do(t, http.MethodGet, "/api/months/2026-01/statistics", nil)

	rec := s.do(t, http.MethodGet, "/api/admin/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[cache.Stats](t, rec)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Hits)

	rec = s.do(t, http.MethodPost, "/api/admin/cache/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[map[string]int](t, rec)["removed"])
	assert.Equal(t, 0, s.handler.Dues.Manager().Len())
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": sc.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
			assert.Equal(t, sc.ID, decode[ScenarioDTO](t, rec).ID)

			rec = s.do(t, http.MethodGet, "/api/students", nil)
			assert.NotEmpty(t, decode[[]StudentDTO](t, rec))
		})
	}

	// Loading replaces the previous data set.
	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "small-academy"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/students", nil)
	assert.Len(t, decode[[]StudentDTO](t, rec), 5)

	rec = s.do(t, http.MethodGet, "/api/months/2025-12/statistics", nil)
	stats := decode[StatisticsDTO](t, rec)
	assert.Equal(t, 4, stats.Paid.Count)
	assert.Equal(t, 1, stats.Delinquent.Count)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", map[string]any{"scenario_id": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "scenario_id", decode[ErrorResponse](t, rec).Field)
}
