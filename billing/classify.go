package billing

import "time"

// =============================================================================
// SCHEDULE - The three dates that drive a due through its states
// =============================================================================

// Schedule holds the billing window of one due.
//
//	BillingStart ........ DueDate ........ LateDate
//	   pending  |        owed             | delinquent
//
// All three dates are built from the same (year, month) pair.
type Schedule struct {
	Period       YearMonth
	DueDay       DueDay
	GraceDays    int
	BillingStart Date
	DueDate      Date
	LateDate     Date
}

// NewSchedule validates its inputs and builds the billing window.
func NewSchedule(ym YearMonth, dueDay int, graceDays int) (Schedule, error) {
	if err := ym.Validate(); err != nil {
		return Schedule{}, err
	}
	d, err := ParseDueDay(dueDay)
	if err != nil {
		return Schedule{}, err
	}
	if graceDays < 0 {
		return Schedule{}, &ValidationError{Field: "grace_days", Value: graceDays, Reason: "must not be negative"}
	}
	due := ym.Day(int(d))
	return Schedule{
		Period:       ym,
		DueDay:       d,
		GraceDays:    graceDays,
		BillingStart: ym.Day(d.BillingStartDay()),
		DueDate:      due,
		LateDate:     due.AddDays(graceDays),
	}, nil
}

// Classify places ref in the window. Monotonic: as ref advances the result
// only moves pending -> owed -> delinquent.
func (s Schedule) Classify(ref Date) Status {
	switch {
	case ref.AfterOrEqual(s.LateDate):
		return StatusDelinquent
	case ref.AfterOrEqual(s.BillingStart):
		return StatusOwed
	default:
		return StatusPending
	}
}

// Classify maps a due to pending, owed or delinquent as of ref.
// Due days outside {10, 15, 25} are rejected, not coerced.
func Classify(year int, month time.Month, dueDay, graceDays int, ref Date) (Status, error) {
	s, err := NewSchedule(YearMonth{Year: year, Month: month}, dueDay, graceDays)
	if err != nil {
		return "", err
	}
	return s.Classify(ref), nil
}
