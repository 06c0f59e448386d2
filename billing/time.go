package billing

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// DATE - Calendar day (this engine never reasons below day granularity)
// =============================================================================

// Date is a calendar day in UTC.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t as seen in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, &ValidationError{Field: "date", Value: s, Reason: "expected YYYY-MM-DD"}
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(other Date) bool        { return d.t.Before(other.t) }
func (d Date) After(other Date) bool         { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool         { return d.t.Equal(other.t) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.t.After(other.t) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.t.Before(other.t) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Date) Year() int            { return d.t.Year() }
func (d Date) Month() time.Month    { return d.t.Month() }
func (d Date) Day() int             { return d.t.Day() }
func (d Date) IsZero() bool         { return d.t.IsZero() }
func (d Date) Time() time.Time      { return d.t }
func (d Date) YearMonth() YearMonth { return YearMonth{Year: d.t.Year(), Month: d.t.Month()} }
func (d Date) String() string       { return d.t.Format("2006-01-02") }

// =============================================================================
// YEAR MONTH - The billing period ("ym")
// =============================================================================

// YearMonth identifies one billing period. Its canonical form is "YYYY-MM".
type YearMonth struct {
	Year  int
	Month time.Month
}

// ParseYearMonth parses the canonical "YYYY-MM" form.
func ParseYearMonth(s string) (YearMonth, error) {
	bad := &ValidationError{Field: "year_month", Value: s, Reason: "expected YYYY-MM"}
	if len(s) != 7 || s[4] != '-' {
		return YearMonth{}, bad
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return YearMonth{}, bad
	}
	m, err := strconv.Atoi(s[5:])
	if err != nil {
		return YearMonth{}, bad
	}
	ym := YearMonth{Year: y, Month: time.Month(m)}
	if err := ym.Validate(); err != nil {
		return YearMonth{}, err
	}
	return ym, nil
}

// Validate rejects months outside 1-12 and years that do not fit "YYYY".
func (ym YearMonth) Validate() error {
	if ym.Month < time.January || ym.Month > time.December {
		return &ValidationError{Field: "month", Value: int(ym.Month), Reason: "must be between 1 and 12"}
	}
	if ym.Year < 1 || ym.Year > 9999 {
		return &ValidationError{Field: "year", Value: ym.Year, Reason: "must be between 1 and 9999"}
	}
	return nil
}

func (ym YearMonth) String() string { return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month)) }

// AddMonths moves the period by n months (negative goes back).
func (ym YearMonth) AddMonths(n int) YearMonth {
	t := time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

func (ym YearMonth) index() int { return ym.Year*12 + int(ym.Month) - 1 }

func (ym YearMonth) Before(other YearMonth) bool { return ym.index() < other.index() }
func (ym YearMonth) After(other YearMonth) bool  { return ym.index() > other.index() }
func (ym YearMonth) Equal(other YearMonth) bool  { return ym.index() == other.index() }

// Day builds a date inside this period. Callers only pass days that exist
// in every month (the due-day set tops out at 25).
func (ym YearMonth) Day(day int) Date { return NewDate(ym.Year, ym.Month, day) }

func (ym YearMonth) MarshalText() ([]byte, error) { return []byte(ym.String()), nil }

func (ym *YearMonth) UnmarshalText(b []byte) error {
	parsed, err := ParseYearMonth(string(b))
	if err != nil {
		return err
	}
	*ym = parsed
	return nil
}
