/*
store.go - Persistence interface for payment records, students and events

PURPOSE:
  Defines the contract the engine needs from a document-style backend:
  get-by-id, upsert-by-id (merge), delete-by-id and scans filtered on a
  single equality predicate. Anything more (compound filters, ordering)
  is done by the engine on the client side, so any backend that can do
  these four things can serve the engine.

KEY INTERFACES:
  Store: payment records, students, payment events, transactions

NOT-FOUND CONVENTION:
  Getters return (nil, nil) for a missing id. DeletePayment reports
  whether a record was removed. The engine turns both into *NotFoundError.

TIMESTAMPS:
  CreatedAt and UpdatedAt are server timestamps set by the store.
  An upsert over an existing id keeps the stored CreatedAt.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:  SQLite

SEE ALSO:
  - engine.go: The only caller
*/
package billing

import "context"

// Field names one of the equality predicates a scan accepts.
type Field string

const (
	FieldStudentID Field = "student_id"
	FieldYearMonth Field = "year_month"
	FieldStatus    Field = "status"
)

// Filter is a single equality predicate: Field == Value.
type Filter struct {
	Field Field
	Value string
}

func ByStudent(studentID string) Filter { return Filter{Field: FieldStudentID, Value: studentID} }
func ByYearMonth(ym YearMonth) Filter   { return Filter{Field: FieldYearMonth, Value: ym.String()} }
func ByStatus(s Status) Filter          { return Filter{Field: FieldStatus, Value: string(s)} }

// Store handles persistence. Results of scans are unordered.
type Store interface {
	GetPayment(ctx context.Context, id string) (*PaymentRecord, error)

	// UpsertPayment writes the record under rec.ID, merging over any
	// existing one. Returns the stored state.
	UpsertPayment(ctx context.Context, rec PaymentRecord) (PaymentRecord, error)

	// DeletePayment hard-removes the record. Returns false if it did not exist.
	DeletePayment(ctx context.Context, id string) (bool, error)

	ListPayments(ctx context.Context, f Filter) ([]PaymentRecord, error)

	GetStudent(ctx context.Context, id string) (*Student, error)
	UpsertStudent(ctx context.Context, s Student) (Student, error)
	ListStudents(ctx context.Context) ([]Student, error)

	// AppendEvent adds to the payment history. Events are never updated.
	AppendEvent(ctx context.Context, ev PaymentEvent) error

	// ListEvents returns the history of one payment id, oldest first.
	ListEvents(ctx context.Context, paymentID string) ([]PaymentEvent, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
