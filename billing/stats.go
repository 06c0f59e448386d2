package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONTHLY STATISTICS
// =============================================================================

// Bucket is a count and a sum of amounts.
type Bucket struct {
	Count int
	Sum   decimal.Decimal
}

func (b Bucket) add(amount decimal.Decimal) Bucket {
	return Bucket{Count: b.Count + 1, Sum: b.Sum.Add(amount)}
}

func (b Bucket) plus(o Bucket) Bucket {
	return Bucket{Count: b.Count + o.Count, Sum: b.Sum.Add(o.Sum)}
}

// MonthlyStatistics aggregates one billing period.
//
// Rates are count based and use (total - absent) as denominator. A zero
// denominator yields a rate of 0.
type MonthlyStatistics struct {
	YearMonth       YearMonth
	Paid            Bucket
	Owed            Bucket
	Delinquent      Bucket
	Absent          Bucket
	Billable        Bucket // owed + delinquent
	Total           Bucket
	DelinquencyRate float64
	CollectionRate  float64
}

// Summarize aggregates records of one period. Records of other periods
// are ignored.
func Summarize(ym YearMonth, records []PaymentRecord) MonthlyStatistics {
	st := MonthlyStatistics{YearMonth: ym}
	for _, r := range records {
		if !r.YearMonth().Equal(ym) {
			continue
		}
		switch r.Status {
		case StatusPaid:
			st.Paid = st.Paid.add(r.Amount)
		case StatusOwed:
			st.Owed = st.Owed.add(r.Amount)
		case StatusDelinquent:
			st.Delinquent = st.Delinquent.add(r.Amount)
		case StatusAbsent:
			st.Absent = st.Absent.add(r.Amount)
		default:
			continue
		}
		st.Total = st.Total.add(r.Amount)
	}
	st.Billable = st.Owed.plus(st.Delinquent)

	denom := st.Total.Count - st.Absent.Count
	st.DelinquencyRate = rate(st.Delinquent.Count, denom)
	st.CollectionRate = rate(st.Billable.Count, denom)
	return st
}

func rate(n, denom int) float64 {
	if denom <= 0 {
		return 0
	}
	return float64(n) / float64(denom)
}

// MonthlyStatistics loads and aggregates one period. An empty month
// returns zeros, not an error.
func (e *Engine) MonthlyStatistics(ctx context.Context, ym YearMonth) (MonthlyStatistics, error) {
	if err := ym.Validate(); err != nil {
		return MonthlyStatistics{}, err
	}
	recs, err := e.store.ListPayments(ctx, ByYearMonth(ym))
	if err != nil {
		return MonthlyStatistics{}, e.fail("monthly statistics", err)
	}
	return Summarize(ym, recs), nil
}

// =============================================================================
// REVENUE SERIES
// =============================================================================

type RevenuePoint struct {
	YearMonth YearMonth
	Paid      decimal.Decimal
}

// RevenueSeries returns the paid sum of each of the trailing `months`
// periods ending at end, oldest first. Months without records are 0.
func (e *Engine) RevenueSeries(ctx context.Context, end YearMonth, months int) ([]RevenuePoint, error) {
	if err := end.Validate(); err != nil {
		return nil, err
	}
	if months < 1 {
		return nil, &ValidationError{Field: "months", Value: months, Reason: "must be at least 1"}
	}

	series := make([]RevenuePoint, 0, months)
	for i := months - 1; i >= 0; i-- {
		ym := end.AddMonths(-i)
		recs, err := e.store.ListPayments(ctx, ByYearMonth(ym))
		if err != nil {
			return nil, e.fail("revenue series", err)
		}
		paid := decimal.Zero
		for _, r := range recs {
			if r.Status == StatusPaid {
				paid = paid.Add(r.Amount)
			}
		}
		series = append(series, RevenuePoint{YearMonth: ym, Paid: paid})
	}
	return series, nil
}

// =============================================================================
// EXTRACT - Per-student statement
// =============================================================================

type Extract struct {
	Student   Student
	Records   []PaymentRecord // newest period first
	TotalPaid decimal.Decimal
	TotalOpen decimal.Decimal // owed + delinquent
	Open      int
}

// GetExtract returns the statement of one student.
func (e *Engine) GetExtract(ctx context.Context, studentID string) (Extract, error) {
	s, err := e.GetStudent(ctx, studentID)
	if err != nil {
		return Extract{}, err
	}
	recs, err := e.store.ListPayments(ctx, ByStudent(studentID))
	if err != nil {
		return Extract{}, e.fail("extract", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].YearMonth().After(recs[j].YearMonth())
	})

	ex := Extract{Student: s, Records: recs, TotalPaid: decimal.Zero, TotalOpen: decimal.Zero}
	for _, r := range recs {
		switch {
		case r.Status == StatusPaid:
			ex.TotalPaid = ex.TotalPaid.Add(r.Amount)
		case r.Status.Billable():
			ex.TotalOpen = ex.TotalOpen.Add(r.Amount)
			ex.Open++
		}
	}
	return ex, nil
}
