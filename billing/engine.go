/*
engine.go - Payment record lifecycle

STATE MACHINE:

	pending (never persisted) --> owed --> delinquent
	        any state --> paid    (manual)
	        any state --> absent  (manual, may still require collection)

	Classification only moves a due forward in time. Manual overrides
	(MarkPaid, MarkAbsent, MarkOwed, MarkDelinquent) may move it anywhere.

IDEMPOTENCY:
  Records are keyed by PaymentID(student, year, month). Writing the same
  key again overwrites the record instead of creating a second one, so
  GenerateMonth can be re-run for a month safely.

AUDIT:
  Every mutation appends a PaymentEvent in the same store transaction.
  Deletes are hard deletes of the record; the "deleted" event is the
  tombstone that keeps the last state.

FAILURES:
  Validation happens before any write. Not-found and validation errors are
  returned as-is; every other error is wrapped in *PersistenceError and
  logged. Nothing is retried.

CACHE:
  The engine knows nothing about the cache. Callers invalidate after a
  successful mutation (see cache/dues.go).
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the engine's tunables. Build one with DefaultConfig.
type Config struct {
	// DefaultGraceDays applies when a DueInput carries no grace period.
	DefaultGraceDays int

	// CoercePendingToOwed makes CreateOrUpdateDue and GenerateMonth write
	// "owed" for dues whose billing window has not opened yet. When false
	// such dues are rejected (CreateOrUpdateDue) or deferred (GenerateMonth).
	CoercePendingToOwed bool

	Now        func() time.Time
	NewEventID func() string
	Logger     *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		DefaultGraceDays:    DefaultGraceDays,
		CoercePendingToOwed: true,
		Now:                 time.Now,
		NewEventID:          uuid.NewString,
		Logger:              zap.NewNop(),
	}
}

// Engine validates, classifies and persists dues. Safe for concurrent use
// as far as the Store is.
type Engine struct {
	store Store
	cfg   Config
	log   *zap.Logger
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewEventID == nil {
		cfg.NewEventID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultGraceDays < 0 {
		cfg.DefaultGraceDays = DefaultGraceDays
	}
	return &Engine{store: store, cfg: cfg, log: cfg.Logger.Named("billing")}
}

// Today is the reference date for classification.
func (e *Engine) Today() Date { return DateOf(e.cfg.Now()) }

func (e *Engine) DefaultGraceDays() int { return e.cfg.DefaultGraceDays }

// =============================================================================
// CREATE / UPDATE
// =============================================================================

// DueInput describes a due to create or overwrite.
type DueInput struct {
	StudentID   string
	StudentName string
	Year        int
	Month       time.Month
	Amount      decimal.Decimal
	DueDay      int

	// GraceDays nil means Config.DefaultGraceDays.
	GraceDays *int

	// Status nil means "classify against today".
	Status *Status

	// RequiresCollection only applies to StatusAbsent.
	RequiresCollection *bool
}

// CreateOrUpdateDue upserts the due keyed by (student, year, month).
//
// Without an explicit status the due is classified against today. An
// existing paid or absent record keeps its manual status in that case.
func (e *Engine) CreateOrUpdateDue(ctx context.Context, in DueInput) (PaymentRecord, error) {
	grace := e.cfg.DefaultGraceDays
	if in.GraceDays != nil {
		grace = *in.GraceDays
	}
	sched, err := NewSchedule(YearMonth{Year: in.Year, Month: in.Month}, in.DueDay, grace)
	if err != nil {
		return PaymentRecord{}, err
	}

	status, err := e.initialStatus(sched, in.Status)
	if err != nil {
		return PaymentRecord{}, err
	}

	rec := PaymentRecord{
		ID:          PaymentID(in.StudentID, in.Year, in.Month),
		StudentID:   in.StudentID,
		StudentName: in.StudentName,
		Year:        in.Year,
		Month:       in.Month,
		Amount:      in.Amount,
		DueDay:      sched.DueDay,
		GraceDays:   grace,
	}.withStatus(status)
	if status == StatusAbsent && in.RequiresCollection != nil {
		rec.RequiresCollection = *in.RequiresCollection
	}
	if status == StatusPaid {
		now := e.cfg.Now().UTC()
		rec.PaidAt = &now
	}
	if err := rec.Validate(); err != nil {
		return PaymentRecord{}, err
	}

	var stored PaymentRecord
	err = e.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.GetPayment(ctx, rec.ID)
		if err != nil {
			return err
		}
		action := EventCreated
		if existing != nil {
			action = EventUpdated
			if in.Status == nil && (existing.Status == StatusPaid || existing.Status == StatusAbsent) {
				rec.Status = existing.Status
				rec.RequiresCollection = existing.RequiresCollection
				rec.PaidAt = existing.PaidAt
			}
		}
		stored, err = tx.UpsertPayment(ctx, rec)
		if err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, action, stored)
	})
	if err != nil {
		return PaymentRecord{}, e.fail("create or update due", err)
	}

	e.log.Info("due saved",
		zap.String("payment_id", stored.ID),
		zap.String("status", string(stored.Status)),
		zap.String("amount", stored.Amount.String()))
	return stored, nil
}

func (e *Engine) initialStatus(sched Schedule, explicit *Status) (Status, error) {
	if explicit != nil {
		return ParseStatus(string(*explicit))
	}
	st := sched.Classify(e.Today())
	if st != StatusPending {
		return st, nil
	}
	if !e.cfg.CoercePendingToOwed {
		return "", &ValidationError{
			Field:  "status",
			Value:  StatusPending,
			Reason: fmt.Sprintf("not billable before %s", sched.BillingStart),
		}
	}
	return StatusOwed, nil
}

// =============================================================================
// MANUAL TRANSITIONS
// =============================================================================

// MarkPaid sets status paid and paidAt=now. The amount is kept unless
// override is given.
func (e *Engine) MarkPaid(ctx context.Context, id string, override *decimal.Decimal) (PaymentRecord, error) {
	if override != nil && !override.IsPositive() {
		return PaymentRecord{}, &ValidationError{Field: "amount", Value: override.String(), Reason: "must be greater than zero"}
	}
	return e.transition(ctx, "mark paid", id, EventPaid, func(r *PaymentRecord) {
		*r = r.withStatus(StatusPaid)
		now := e.cfg.Now().UTC()
		r.PaidAt = &now
		if override != nil {
			r.Amount = *override
		}
	})
}

// MarkOwed overrides the status. PaidAt is left untouched.
func (e *Engine) MarkOwed(ctx context.Context, id string) (PaymentRecord, error) {
	return e.transition(ctx, "mark owed", id, EventOwed, func(r *PaymentRecord) {
		*r = r.withStatus(StatusOwed)
	})
}

// MarkDelinquent overrides the status. PaidAt is left untouched.
func (e *Engine) MarkDelinquent(ctx context.Context, id string) (PaymentRecord, error) {
	return e.transition(ctx, "mark delinquent", id, EventDelinquent, func(r *PaymentRecord) {
		*r = r.withStatus(StatusDelinquent)
	})
}

// MarkAbsent sets status absent. requiresCollection says whether the
// academy still wants to collect the due.
func (e *Engine) MarkAbsent(ctx context.Context, id string, requiresCollection bool) (PaymentRecord, error) {
	return e.transition(ctx, "mark absent", id, EventAbsent, func(r *PaymentRecord) {
		*r = r.withStatus(StatusAbsent)
		r.RequiresCollection = requiresCollection
	})
}

func (e *Engine) transition(ctx context.Context, op, id string, action EventAction, apply func(*PaymentRecord)) (PaymentRecord, error) {
	if id == "" {
		return PaymentRecord{}, &ValidationError{Field: "id", Value: id, Reason: "is required"}
	}

	var stored PaymentRecord
	err := e.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &NotFoundError{Kind: "payment", ID: id}
		}
		next := *cur
		apply(&next)
		stored, err = tx.UpsertPayment(ctx, next)
		if err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, action, stored)
	})
	if err != nil {
		return PaymentRecord{}, e.fail(op, err)
	}

	e.log.Info("payment status changed",
		zap.String("payment_id", id),
		zap.String("status", string(stored.Status)))
	return stored, nil
}

// DeletePayment removes the record. The history keeps a tombstone.
func (e *Engine) DeletePayment(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Value: id, Reason: "is required"}
	}
	err := e.store.WithTx(ctx, func(tx Store) error {
		cur, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &NotFoundError{Kind: "payment", ID: id}
		}
		removed, err := tx.DeletePayment(ctx, id)
		if err != nil {
			return err
		}
		if !removed {
			return &NotFoundError{Kind: "payment", ID: id}
		}
		return e.appendEvent(ctx, tx, EventDeleted, *cur)
	})
	if err != nil {
		return e.fail("delete payment", err)
	}
	e.log.Info("payment deleted", zap.String("payment_id", id))
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetPayment(ctx context.Context, id string) (PaymentRecord, error) {
	rec, err := e.store.GetPayment(ctx, id)
	if err != nil {
		return PaymentRecord{}, e.fail("get payment", err)
	}
	if rec == nil {
		return PaymentRecord{}, &NotFoundError{Kind: "payment", ID: id}
	}
	return *rec, nil
}

// ListMonth returns the month's records ordered by student name.
func (e *Engine) ListMonth(ctx context.Context, ym YearMonth) ([]PaymentRecord, error) {
	if err := ym.Validate(); err != nil {
		return nil, err
	}
	recs, err := e.store.ListPayments(ctx, ByYearMonth(ym))
	if err != nil {
		return nil, e.fail("list month", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StudentName != recs[j].StudentName {
			return recs[i].StudentName < recs[j].StudentName
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// PaymentHistory returns every event of a payment id, including the
// tombstone of a deleted record.
func (e *Engine) PaymentHistory(ctx context.Context, id string) ([]PaymentEvent, error) {
	evs, err := e.store.ListEvents(ctx, id)
	if err != nil {
		return nil, e.fail("payment history", err)
	}
	if len(evs) == 0 {
		return nil, &NotFoundError{Kind: "payment", ID: id}
	}
	return evs, nil
}

// =============================================================================
// BATCH OPERATIONS
// =============================================================================

// GenerationReport lists what GenerateMonth did per student.
type GenerationReport struct {
	YearMonth YearMonth
	Created   []string // payment ids written
	Skipped   []string // payment ids that already existed
	Deferred  []string // student ids whose billing window is not open yet
}

// GenerateMonth writes the month's due for every active student that does
// not have one yet. Re-running it never duplicates records.
func (e *Engine) GenerateMonth(ctx context.Context, ym YearMonth) (GenerationReport, error) {
	report := GenerationReport{YearMonth: ym}
	if err := ym.Validate(); err != nil {
		return report, err
	}

	students, err := e.store.ListStudents(ctx)
	if err != nil {
		return report, e.fail("generate month", err)
	}
	existing, err := e.store.ListPayments(ctx, ByYearMonth(ym))
	if err != nil {
		return report, e.fail("generate month", err)
	}
	billed := make(map[string]bool, len(existing))
	for _, r := range existing {
		billed[r.StudentID] = true
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })

	today := e.Today()
	for _, s := range students {
		if !s.Active {
			continue
		}
		id := PaymentID(s.ID, ym.Year, ym.Month)
		if billed[s.ID] {
			report.Skipped = append(report.Skipped, id)
			continue
		}

		sched, err := NewSchedule(ym, int(s.DueDay), s.GraceDays)
		if err != nil {
			return report, err
		}
		status := sched.Classify(today)
		if status == StatusPending {
			if !e.cfg.CoercePendingToOwed {
				report.Deferred = append(report.Deferred, s.ID)
				continue
			}
			status = StatusOwed
		}

		rec := PaymentRecord{
			ID:          id,
			StudentID:   s.ID,
			StudentName: s.Name,
			Year:        ym.Year,
			Month:       ym.Month,
			Amount:      s.MonthlyFee,
			DueDay:      s.DueDay,
			GraceDays:   s.GraceDays,
		}.withStatus(status)
		if err := rec.Validate(); err != nil {
			return report, err
		}

		// A due written since the scan above wins over the generated one.
		exists := false
		err = e.store.WithTx(ctx, func(tx Store) error {
			cur, err := tx.GetPayment(ctx, id)
			if err != nil {
				return err
			}
			if cur != nil {
				exists = true
				return nil
			}
			stored, err := tx.UpsertPayment(ctx, rec)
			if err != nil {
				return err
			}
			return e.appendEvent(ctx, tx, EventCreated, stored)
		})
		if err != nil {
			return report, e.fail("generate month", err)
		}
		if exists {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		report.Created = append(report.Created, id)
	}

	e.log.Info("month generated",
		zap.Stringer("year_month", ym),
		zap.Int("created", len(report.Created)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("deferred", len(report.Deferred)))
	return report, nil
}

// ReclassifyReport lists what Reclassify did.
type ReclassifyReport struct {
	YearMonth  YearMonth
	Delinquent []string // payment ids moved from owed to delinquent
	Unchanged  int
}

// Reclassify moves the month's owed records whose grace period has run
// out to delinquent. It never moves a record backward and never touches
// paid or absent records.
func (e *Engine) Reclassify(ctx context.Context, ym YearMonth) (ReclassifyReport, error) {
	report := ReclassifyReport{YearMonth: ym}
	if err := ym.Validate(); err != nil {
		return report, err
	}
	recs, err := e.store.ListPayments(ctx, ByYearMonth(ym))
	if err != nil {
		return report, e.fail("reclassify", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	today := e.Today()
	for _, rec := range recs {
		if rec.Status != StatusOwed {
			report.Unchanged++
			continue
		}
		sched, err := NewSchedule(ym, int(rec.DueDay), rec.GraceDays)
		if err != nil {
			e.log.Warn("skipping record with invalid schedule", zap.String("payment_id", rec.ID), zap.Error(err))
			report.Unchanged++
			continue
		}
		if sched.Classify(today) != StatusDelinquent {
			report.Unchanged++
			continue
		}

		moved := false
		err = e.store.WithTx(ctx, func(tx Store) error {
			cur, err := tx.GetPayment(ctx, rec.ID)
			if err != nil || cur == nil || cur.Status != StatusOwed {
				return err
			}
			stored, err := tx.UpsertPayment(ctx, cur.withStatus(StatusDelinquent))
			if err != nil {
				return err
			}
			moved = true
			return e.appendEvent(ctx, tx, EventReclassified, stored)
		})
		if err != nil {
			return report, e.fail("reclassify", err)
		}
		if moved {
			report.Delinquent = append(report.Delinquent, rec.ID)
		} else {
			report.Unchanged++
		}
	}

	e.log.Info("month reclassified",
		zap.Stringer("year_month", ym),
		zap.Int("delinquent", len(report.Delinquent)),
		zap.Int("unchanged", report.Unchanged))
	return report, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

// RegisterStudent creates or overwrites the billing profile of a student.
func (e *Engine) RegisterStudent(ctx context.Context, s Student) (Student, error) {
	if err := s.Validate(); err != nil {
		return Student{}, err
	}
	stored, err := e.store.UpsertStudent(ctx, s)
	if err != nil {
		return Student{}, e.fail("register student", err)
	}
	e.log.Info("student saved", zap.String("student_id", s.ID), zap.Bool("active", s.Active))
	return stored, nil
}

func (e *Engine) GetStudent(ctx context.Context, id string) (Student, error) {
	s, err := e.store.GetStudent(ctx, id)
	if err != nil {
		return Student{}, e.fail("get student", err)
	}
	if s == nil {
		return Student{}, &NotFoundError{Kind: "student", ID: id}
	}
	return *s, nil
}

// ListStudents returns the roster ordered by name.
func (e *Engine) ListStudents(ctx context.Context, activeOnly bool) ([]Student, error) {
	all, err := e.store.ListStudents(ctx)
	if err != nil {
		return nil, e.fail("list students", err)
	}
	out := all[:0]
	for _, s := range all {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) appendEvent(ctx context.Context, tx Store, action EventAction, rec PaymentRecord) error {
	return tx.AppendEvent(ctx, PaymentEvent{
		ID:        e.cfg.NewEventID(),
		PaymentID: rec.ID,
		StudentID: rec.StudentID,
		YearMonth: rec.YearMonth(),
		Action:    action,
		Record:    rec,
		At:        e.cfg.Now().UTC(),
	})
}

// fail passes caller-recoverable errors through and wraps the rest.
func (e *Engine) fail(op string, err error) error {
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
		return err
	}
	e.log.Error("persistence failure", zap.String("op", op), zap.Error(err))
	return persistenceErr(op, err)
}
