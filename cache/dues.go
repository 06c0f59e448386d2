package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
)

// Domains group prefixes for invalidation.
const (
	DomainPayments   = "payments"
	DomainStudents   = "students"
	DomainAttendance = "attendance"
)

const (
	PrefixMonthlyStatistics = "payments.monthly_statistics"
	PrefixRevenueSeries     = "payments.revenue_series"
	PrefixExtract           = "payments.extract"
	PrefixStudents          = "students.list"
)

// Dues wraps the engine's reads with the cache and owns the invalidation
// rules that go with each kind of mutation.
//
// Cached values are shared between callers and must not be modified.
//
// Monthly statistics and revenue series live for statsTTL; extracts and
// roster lists use the manager's default TTL.
type Dues struct {
	engine   *billing.Engine
	cache    *Manager
	statsTTL time.Duration
	log      *zap.Logger
}

func NewDues(engine *billing.Engine, m *Manager, statsTTL time.Duration, logger *zap.Logger) *Dues {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dues{engine: engine, cache: m, statsTTL: statsTTL, log: logger.Named("cache.dues")}
}

func (d *Dues) Manager() *Manager { return d.cache }

// =============================================================================
// READ-THROUGH HELPERS
// =============================================================================

func (d *Dues) MonthlyStatistics(ctx context.Context, ym billing.YearMonth) (billing.MonthlyStatistics, error) {
	return Cached(d.cache, PrefixMonthlyStatistics, d.statsTTL, Params{"ym": ym.String()},
		func() (billing.MonthlyStatistics, error) { return d.engine.MonthlyStatistics(ctx, ym) })
}

func (d *Dues) RevenueSeries(ctx context.Context, end billing.YearMonth, months int) ([]billing.RevenuePoint, error) {
	if months < 1 {
		return d.engine.RevenueSeries(ctx, end, months)
	}
	params := Params{
		"from":   end.AddMonths(-(months - 1)).String(),
		"to":     end.String(),
		"months": months,
	}
	return Cached(d.cache, PrefixRevenueSeries, d.statsTTL, params,
		func() ([]billing.RevenuePoint, error) { return d.engine.RevenueSeries(ctx, end, months) })
}

func (d *Dues) Extract(ctx context.Context, studentID string) (billing.Extract, error) {
	return Cached(d.cache, PrefixExtract, 0, Params{"student_id": studentID},
		func() (billing.Extract, error) { return d.engine.GetExtract(ctx, studentID) })
}

func (d *Dues) Students(ctx context.Context, activeOnly bool) ([]billing.Student, error) {
	return Cached(d.cache, PrefixStudents, 0, Params{"active_only": activeOnly},
		func() ([]billing.Student, error) { return d.engine.ListStudents(ctx, activeOnly) })
}

// =============================================================================
// INVALIDATION - call right after the matching mutation succeeds
// =============================================================================

// PaymentsChanged drops what a write to one student's due in ym affects:
// the month's statistics, every revenue window containing ym, and the
// student's extract.
func (d *Dues) PaymentsChanged(studentID string, ym billing.YearMonth) int {
	n := d.cache.InvalidateMonth(DomainPayments, ym.String())
	if studentID != "" {
		n += d.cache.InvalidateWhere(DomainPayments, matchStudent(studentID))
	}
	d.log.Debug("payments invalidated", zap.String("student_id", studentID), zap.Stringer("year_month", ym), zap.Int("removed", n))
	return n
}

// MonthChanged drops the month's payment entries after a batch operation
// touched many students. Extracts are student scoped, so they go too.
func (d *Dues) MonthChanged(ym billing.YearMonth) int {
	n := d.cache.InvalidateMonth(DomainPayments, ym.String())
	n += d.cache.InvalidatePrefix(PrefixExtract)
	return n
}

// AllPayments drops the whole payments domain and nothing else.
func (d *Dues) AllPayments() int {
	return d.cache.InvalidateDomain(DomainPayments)
}

// StudentsChanged drops roster lists and the student's extract, which
// embeds the profile.
func (d *Dues) StudentsChanged(studentID string) int {
	n := d.cache.InvalidateDomain(DomainStudents)
	if studentID != "" {
		n += d.cache.InvalidateWhere(DomainPayments, matchStudent(studentID))
	}
	return n
}

// AttendanceChanged drops attendance aggregates. Attendance itself lives
// outside this module; the hook keeps its entries from going stale.
func (d *Dues) AttendanceChanged() int {
	return d.cache.InvalidateDomain(DomainAttendance)
}

func matchStudent(studentID string) func(Entry) bool {
	return func(e Entry) bool {
		v, ok := e.Params.lookup("student_id")
		return ok && v == studentID
	}
}
