/*
Package billing provides the academy dues engine.

PURPOSE:
  Classifies monthly dues (mensalidades) against a due day and a grace
  period, persists one payment record per student and month, drives the
  manual status transitions (paid, absent, owed, delinquent) and computes
  the monthly statistics shown on the dashboard.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status:        pending | owed | delinquent | paid | absent
  - DueDay:        closed set {10, 15, 25}, each with a billing start day
  - PaymentRecord: one per (student, year, month), keyed deterministically
  - Student:       the roster fields batch generation needs
  - PaymentEvent:  append-only audit entry, including delete tombstones

DESIGN PRINCIPLES:
  1. Precision: amounts use decimal.Decimal
  2. Determinism: the record id is derived from (student, year, month),
     so generating a month twice never duplicates records
  3. Validation before write: invalid input never reaches the store

SEE ALSO:
  - classify.go: Status classification
  - engine.go:   Record lifecycle
  - stats.go:    Aggregation
  - store.go:    Persistence interface
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	// StatusPending is a classification result only. It is never persisted.
	StatusPending    Status = "pending"
	StatusOwed       Status = "owed"
	StatusDelinquent Status = "delinquent"
	StatusPaid       Status = "paid"
	StatusAbsent     Status = "absent"
)

// ParseStatus accepts any persisted status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOwed, StatusDelinquent, StatusPaid, StatusAbsent:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Value: s, Reason: "must be one of paid, owed, delinquent, absent"}
}

// Billable reports whether the status still needs collection.
func (s Status) Billable() bool { return s == StatusOwed || s == StatusDelinquent }

// =============================================================================
// DUE DAY
// =============================================================================

type DueDay int

const (
	DueDay10 DueDay = 10
	DueDay15 DueDay = 15
	DueDay25 DueDay = 25

	DefaultDueDay    = DueDay15
	DefaultGraceDays = 3
)

// DueDays lists the accepted due days in calendar order.
var DueDays = []DueDay{DueDay10, DueDay15, DueDay25}

// ParseDueDay validates a due day supplied by a caller.
func ParseDueDay(day int) (DueDay, error) {
	switch d := DueDay(day); d {
	case DueDay10, DueDay15, DueDay25:
		return d, nil
	}
	return 0, &ValidationError{Field: "due_day", Value: day, Reason: "must be one of 10, 15, 25"}
}

// NormalizeLegacyDueDay maps a stored legacy value to the nearest accepted
// due day. Ties go to the earlier day; out-of-range values fall back to 15.
// Only persistence adapters reading old rows call this.
func NormalizeLegacyDueDay(day int) DueDay {
	if day <= 0 || day > 31 {
		return DefaultDueDay
	}
	best := DueDays[0]
	for _, d := range DueDays[1:] {
		if abs(day-int(d)) < abs(day-int(best)) {
			best = d
		}
	}
	return best
}

// BillingStartDay is the day of the month a due becomes collectible.
func (d DueDay) BillingStartDay() int {
	switch d {
	case DueDay10:
		return 1
	case DueDay15:
		return 5
	case DueDay25:
		return 15
	}
	return 0
}

func (d DueDay) Valid() bool { return d.BillingStartDay() != 0 }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// =============================================================================
// PAYMENT RECORD
// =============================================================================

// PaymentID derives the idempotency key of a (student, year, month) due.
func PaymentID(studentID string, year int, month time.Month) string {
	return fmt.Sprintf("%s_%04d_%02d", studentID, year, int(month))
}

type PaymentRecord struct {
	ID                 string
	StudentID          string
	StudentName        string // denormalized for display
	Year               int
	Month              time.Month
	Amount             decimal.Decimal
	Status             Status
	DueDay             DueDay
	GraceDays          int
	PaidAt             *time.Time
	RequiresCollection bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r PaymentRecord) YearMonth() YearMonth { return YearMonth{Year: r.Year, Month: r.Month} }
func (r PaymentRecord) BillingStartDay() int { return r.DueDay.BillingStartDay() }
func (r PaymentRecord) DueDate() Date        { return r.YearMonth().Day(int(r.DueDay)) }
func (r PaymentRecord) LateDate() Date       { return r.DueDate().AddDays(r.GraceDays) }

// Validate checks every field a store would accept.
func (r PaymentRecord) Validate() error {
	if r.StudentID == "" {
		return &ValidationError{Field: "student_id", Value: r.StudentID, Reason: "is required"}
	}
	if err := r.YearMonth().Validate(); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Value: r.Amount.String(), Reason: "must be greater than zero"}
	}
	if !r.DueDay.Valid() {
		return &ValidationError{Field: "due_day", Value: int(r.DueDay), Reason: "must be one of 10, 15, 25"}
	}
	if r.GraceDays < 0 {
		return &ValidationError{Field: "grace_days", Value: r.GraceDays, Reason: "must not be negative"}
	}
	if _, err := ParseStatus(string(r.Status)); err != nil {
		return err
	}
	if r.ID != PaymentID(r.StudentID, r.Year, r.Month) {
		return &ValidationError{Field: "id", Value: r.ID, Reason: "does not match student, year and month"}
	}
	return nil
}

// withStatus applies a status and keeps the collection flag consistent.
// Absent records keep whatever flag the caller sets afterwards.
func (r PaymentRecord) withStatus(s Status) PaymentRecord {
	r.Status = s
	r.RequiresCollection = s.Billable()
	return r
}

// =============================================================================
// STUDENT
// =============================================================================

type Student struct {
	ID         string
	Name       string
	Active     bool
	DueDay     DueDay
	GraceDays  int
	MonthlyFee decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (s Student) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Value: s.ID, Reason: "is required"}
	}
	if s.Name == "" {
		return &ValidationError{Field: "name", Value: s.Name, Reason: "is required"}
	}
	if !s.DueDay.Valid() {
		return &ValidationError{Field: "due_day", Value: int(s.DueDay), Reason: "must be one of 10, 15, 25"}
	}
	if s.GraceDays < 0 {
		return &ValidationError{Field: "grace_days", Value: s.GraceDays, Reason: "must not be negative"}
	}
	if !s.MonthlyFee.IsPositive() {
		return &ValidationError{Field: "monthly_fee", Value: s.MonthlyFee.String(), Reason: "must be greater than zero"}
	}
	return nil
}

// =============================================================================
// PAYMENT EVENT - Append-only history, survives deletes
// =============================================================================

type EventAction string

const (
	EventCreated      EventAction = "created"
	EventUpdated      EventAction = "updated"
	EventPaid         EventAction = "paid"
	EventOwed         EventAction = "owed"
	EventDelinquent   EventAction = "delinquent"
	EventAbsent       EventAction = "absent"
	EventReclassified EventAction = "reclassified"
	EventDeleted      EventAction = "deleted" // tombstone
)

// PaymentEvent records one mutation with the record state after it.
// For EventDeleted the record is the last state before removal.
type PaymentEvent struct {
	ID        string
	PaymentID string
	StudentID string
	YearMonth YearMonth
	Action    EventAction
	Record    PaymentRecord
	At        time.Time
}
