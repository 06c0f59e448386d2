/*
errors.go - Error taxonomy for the dues engine

ERROR CATEGORIES:
  1. Validation errors - bad due day, non-positive amount, bad month.
     Caller-recoverable, always carry the offending field.
  2. Not-found errors  - payment or student id that does not exist.
     Caller-recoverable, always carry the kind and id.
  3. Persistence errors - anything the backend returned. Logged by the
     engine and surfaced generically. No retry happens here.

USAGE:
  rec, err := engine.MarkPaid(ctx, id, nil)
  var nf *billing.NotFoundError
  if errors.As(err, &nf) {
      // nf.Kind == "payment", nf.ID == id
  }

Cache failures never show up here: the cache layer swallows them.
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is wrapped by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrPersistence is wrapped by every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports an input rejected before any write.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Kind string // "payment" or "student"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
