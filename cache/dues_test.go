package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/billing/store"
)

var (
	jan = billing.YearMonth{Year: 2026, Month: time.January}
	feb = billing.YearMonth{Year: 2026, Month: time.February}
)

func newTestDues(t *testing.T) (*Dues, *billing.Engine) {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC) }
	mem := store.NewMemory()
	mem.Now = now
	cfg := billing.DefaultConfig()
	cfg.Now = now
	engine := billing.NewEngine(mem, cfg)

	m := New(Options{DefaultTTL: time.Minute, Now: now})
	return NewDues(engine, m, time.Minute, nil), engine
}

func writeDue(t *testing.T, e *billing.Engine, studentID string, ym billing.YearMonth, status billing.Status) billing.PaymentRecord {
	t.Helper()
	rec, err := e.CreateOrUpdateDue(context.Background(), billing.DueInput{
		StudentID:   studentID,
		StudentName: "Student " + studentID,
		Year:        ym.Year,
		Month:       ym.Month,
		Amount:      decimal.NewFromInt(100),
		DueDay:      10,
		Status:      &status,
	})
	require.NoError(t, err)
	return rec
}

func TestDues_StatisticsAreCachedUntilInvalidated(t *testing.T) {
	// GIVEN: cached January statistics
	d, e := newTestDues(t)
	ctx := context.Background()
	writeDue(t, e, "s1", jan, billing.StatusOwed)

	st, err := d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	require.Equal(t, 1, st.Owed.Count)

	// WHEN: a due changes without invalidation
	writeDue(t, e, "s2", jan, billing.StatusPaid)

	// THEN: the cached value is served
	st, err = d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Paid.Count)

	// AND: after invalidation the read recomputes
	d.PaymentsChanged("s2", jan)
	st, err = d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Paid.Count)
}

func TestDues_PaymentsChangedIsScoped(t *testing.T) {
	d, e := newTestDues(t)
	ctx := context.Background()
	_, err := e.RegisterStudent(ctx, billing.Student{ID: "s1", Name: "Ana", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100)})
	require.NoError(t, err)
	_, err = e.RegisterStudent(ctx, billing.Student{ID: "s2", Name: "Bruno", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100)})
	require.NoError(t, err)
	writeDue(t, e, "s1", jan, billing.StatusOwed)
	writeDue(t, e, "s2", feb, billing.StatusOwed)

	// Warm every read.
	_, err = d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	_, err = d.MonthlyStatistics(ctx, feb)
	require.NoError(t, err)
	_, err = d.RevenueSeries(ctx, feb, 2) // 2026-01..2026-02
	require.NoError(t, err)
	_, err = d.Extract(ctx, "s1")
	require.NoError(t, err)
	_, err = d.Extract(ctx, "s2")
	require.NoError(t, err)
	_, err = d.Students(ctx, true)
	require.NoError(t, err)

	janKey, _ := Key(PrefixMonthlyStatistics, Params{"ym": "2026-01"})
	febKey, _ := Key(PrefixMonthlyStatistics, Params{"ym": "2026-02"})
	seriesKey, _ := Key(PrefixRevenueSeries, Params{"from": "2026-01", "to": "2026-02", "months": 2})
	s1Key, _ := Key(PrefixExtract, Params{"student_id": "s1"})
	s2Key, _ := Key(PrefixExtract, Params{"student_id": "s2"})
	rosterKey, _ := Key(PrefixStudents, Params{"active_only": true})
	require.True(t, cached(d.Manager(), seriesKey))

	n := d.PaymentsChanged("s1", jan)

	assert.Equal(t, 3, n)
	assert.False(t, cached(d.Manager(), janKey))
	assert.False(t, cached(d.Manager(), seriesKey))
	assert.False(t, cached(d.Manager(), s1Key))
	assert.True(t, cached(d.Manager(), febKey))
	assert.True(t, cached(d.Manager(), s2Key))
	assert.True(t, cached(d.Manager(), rosterKey))
}

func TestDues_MonthChangedDropsExtracts(t *testing.T) {
	d, e := newTestDues(t)
	ctx := context.Background()
	_, err := e.RegisterStudent(ctx, billing.Student{ID: "s1", Name: "Ana", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100)})
	require.NoError(t, err)

	_, err = d.MonthlyStatistics(ctx, feb)
	require.NoError(t, err)
	_, err = d.Extract(ctx, "s1")
	require.NoError(t, err)
	_, err = d.Students(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 2, d.MonthChanged(feb))
	assert.Equal(t, 1, d.Manager().Len(), "roster survives")
}

func TestDues_StudentsChanged(t *testing.T) {
	d, e := newTestDues(t)
	ctx := context.Background()
	_, err := e.RegisterStudent(ctx, billing.Student{ID: "s1", Name: "Ana", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100)})
	require.NoError(t, err)

	students, err := d.Students(ctx, false)
	require.NoError(t, err)
	require.Len(t, students, 1)
	_, err = d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)

	_, err = e.RegisterStudent(ctx, billing.Student{ID: "s2", Name: "Bruno", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100)})
	require.NoError(t, err)
	d.StudentsChanged("s2")

	students, err = d.Students(ctx, false)
	require.NoError(t, err)
	assert.Len(t, students, 2)
	assert.Equal(t, 2, d.Manager().Len(), "statistics entry kept")
}

func TestDues_ErrorsPassThrough(t *testing.T) {
	d, _ := newTestDues(t)
	ctx := context.Background()

	_, err := d.RevenueSeries(ctx, feb, 0)
	assert.True(t, billing.IsClientError(err))

	_, err = d.Extract(ctx, "missing")
	assert.True(t, billing.IsNotFound(err))
	assert.Equal(t, 0, d.Manager().Len())
}

func TestDues_AttendanceAndAllPayments(t *testing.T) {
	d, _ := newTestDues(t)
	ctx := context.Background()
	_, err := d.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	_, err = Cached(d.Manager(), "attendance.summary", 0, Params{"ym": "2026-01"}, func() (int, error) { return 3, nil })
	require.NoError(t, err)

	assert.Equal(t, 1, d.AttendanceChanged())
	assert.Equal(t, 1, d.AllPayments())
	assert.Equal(t, 0, d.Manager().Len())
}
