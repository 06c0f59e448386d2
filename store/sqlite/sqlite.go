/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists payment records, the student billing profiles and the payment
  event history. The engine only needs document-store primitives from it:
  get-by-id, upsert-by-id, delete-by-id and single-equality scans.

KEY TABLES:
  students:       Billing profile per student (due day, grace, fee)
  payments:       One row per (student, year, month), id is the natural key
  payment_events: Append-only history, includes delete tombstones

INDEXES:
  Single-column indexes only (student_id, year_month, status, payment_id).
  Compound filtering and ordering are done by the engine on the client
  side, which keeps the same access pattern portable to document stores
  that need a composite index for every filter+sort pair.

LEGACY DATA:
  Rows written by older versions may carry arbitrary due days. They are
  normalized to the nearest of {10, 15, 25} on read.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. SQLite has one writer at a
  time anyway, and ":memory:" databases only exist per connection.

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, billing.DefaultConfig())

SEE ALSO:
  - billing/store.go: Interface definition
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

var _ billing.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db, now: time.Now}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the clock used for server timestamps (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.now = now
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		due_day INTEGER NOT NULL,
		grace_days INTEGER NOT NULL DEFAULT 3,
		monthly_fee TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_students_active
		ON students(active);

	-- id = {student_id}_{year:04d}_{month:02d}
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		student_name TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		year_month TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		due_day INTEGER NOT NULL,
		grace_days INTEGER NOT NULL DEFAULT 3,
		paid_at TEXT,
		requires_collection BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student
		ON payments(student_id);
	CREATE INDEX IF NOT EXISTS idx_payments_year_month
		ON payments(year_month);
	CREATE INDEX IF NOT EXISTS idx_payments_status
		ON payments(status);

	-- Append-only. Only Reset (dev scenarios) deletes from it.
	CREATE TABLE IF NOT EXISTS payment_events (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		year_month TEXT NOT NULL,
		action TEXT NOT NULL,
		record_json TEXT NOT NULL,
		at TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_events_payment
		ON payment_events(payment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// billing.Store
// =============================================================================

func (s *Store) GetPayment(ctx context.Context, id string) (*billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getPayment(ctx, id)
}

func (s *Store) UpsertPayment(ctx context.Context, rec billing.PaymentRecord) (billing.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.upsertPayment(ctx, rec)
}

func (s *Store) DeletePayment(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.deletePayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, f billing.Filter) ([]billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listPayments(ctx, f)
}

func (s *Store) GetStudent(ctx context.Context, id string) (*billing.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.getStudent(ctx, id)
}

func (s *Store) UpsertStudent(ctx context.Context, st billing.Student) (billing.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.upsertStudent(ctx, st)
}

func (s *Store) ListStudents(ctx context.Context) ([]billing.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listStudents(ctx)
}

func (s *Store) AppendEvent(ctx context.Context, ev billing.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.appendEvent(ctx, ev)
}

func (s *Store) ListEvents(ctx context.Context, paymentID string) ([]billing.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.listEvents(ctx, paymentID)
}

// WithTx executes fn within a transaction.
// If fn returns error, transaction is rolled back.
// If fn returns nil, transaction is committed.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{db: sqlTx, now: s.q.now}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset deletes all data (dev scenarios only).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"payment_events", "payments", "students"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type txStore struct {
	q queries
}

func (ts *txStore) GetPayment(ctx context.Context, id string) (*billing.PaymentRecord, error) {
	return ts.q.getPayment(ctx, id)
}

func (ts *txStore) UpsertPayment(ctx context.Context, rec billing.PaymentRecord) (billing.PaymentRecord, error) {
	return ts.q.upsertPayment(ctx, rec)
}

func (ts *txStore) DeletePayment(ctx context.Context, id string) (bool, error) {
	return ts.q.deletePayment(ctx, id)
}

func (ts *txStore) ListPayments(ctx context.Context, f billing.Filter) ([]billing.PaymentRecord, error) {
	return ts.q.listPayments(ctx, f)
}

func (ts *txStore) GetStudent(ctx context.Context, id string) (*billing.Student, error) {
	return ts.q.getStudent(ctx, id)
}

func (ts *txStore) UpsertStudent(ctx context.Context, st billing.Student) (billing.Student, error) {
	return ts.q.upsertStudent(ctx, st)
}

func (ts *txStore) ListStudents(ctx context.Context) ([]billing.Student, error) {
	return ts.q.listStudents(ctx)
}

func (ts *txStore) AppendEvent(ctx context.Context, ev billing.PaymentEvent) error {
	return ts.q.appendEvent(ctx, ev)
}

func (ts *txStore) ListEvents(ctx context.Context, paymentID string) ([]billing.PaymentEvent, error) {
	return ts.q.listEvents(ctx, paymentID)
}

// WithTx joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(ts)
}

// =============================================================================
// QUERIES - Shared by the store and its transactional view
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db  dbtx
	now func() time.Time
}

const paymentColumns = `id, student_id, student_name, year, month, amount, status,
	due_day, grace_days, paid_at, requires_collection, created_at, updated_at`

// filterColumns maps scan predicates to columns. Never interpolate anything else.
var filterColumns = map[billing.Field]string{
	billing.FieldStudentID: "student_id",
	billing.FieldYearMonth: "year_month",
	billing.FieldStatus:    "status",
}

func (q queries) getPayment(ctx context.Context, id string) (*billing.PaymentRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	rec, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &rec, nil
}

func (q queries) upsertPayment(ctx context.Context, rec billing.PaymentRecord) (billing.PaymentRecord, error) {
	now := q.now().UTC().Format(time.RFC3339Nano)

	query := `
		INSERT INTO payments
		(id, student_id, student_name, year, month, year_month, amount, status,
		 due_day, grace_days, paid_at, requires_collection, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			student_name = excluded.student_name,
			year = excluded.year,
			month = excluded.month,
			year_month = excluded.year_month,
			amount = excluded.amount,
			status = excluded.status,
			due_day = excluded.due_day,
			grace_days = excluded.grace_days,
			paid_at = excluded.paid_at,
			requires_collection = excluded.requires_collection,
			updated_at = excluded.updated_at
	`

	_, err := q.db.ExecContext(ctx, query,
		rec.ID,
		rec.StudentID,
		rec.StudentName,
		rec.Year,
		int(rec.Month),
		rec.YearMonth().String(),
		rec.Amount.String(),
		string(rec.Status),
		int(rec.DueDay),
		rec.GraceDays,
		nullTime(rec.PaidAt),
		rec.RequiresCollection,
		now,
		now,
	)
	if err != nil {
		return billing.PaymentRecord{}, fmt.Errorf("failed to upsert payment: %w", err)
	}

	stored, err := q.getPayment(ctx, rec.ID)
	if err != nil {
		return billing.PaymentRecord{}, err
	}
	if stored == nil {
		return billing.PaymentRecord{}, fmt.Errorf("payment %s vanished after upsert", rec.ID)
	}
	return *stored, nil
}

func (q queries) deletePayment(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete payment: %w", err)
	}
	return n > 0, nil
}

func (q queries) listPayments(ctx context.Context, f billing.Filter) ([]billing.PaymentRecord, error) {
	col, ok := filterColumns[f.Field]
	if !ok {
		return nil, fmt.Errorf("unsupported filter field %q", f.Field)
	}

	rows, err := q.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+col+` = ?`, f.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []billing.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (q queries) getStudent(ctx context.Context, id string) (*billing.Student, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, active, due_day, grace_days, monthly_fee, created_at, updated_at
		FROM students WHERE id = ?`, id)
	st, err := scanStudent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	return &st, nil
}

func (q queries) upsertStudent(ctx context.Context, st billing.Student) (billing.Student, error) {
	now := q.now().UTC().Format(time.RFC3339Nano)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO students (id, name, active, due_day, grace_days, monthly_fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			due_day = excluded.due_day,
			grace_days = excluded.grace_days,
			monthly_fee = excluded.monthly_fee,
			updated_at = excluded.updated_at
	`, st.ID, st.Name, st.Active, int(st.DueDay), st.GraceDays, st.MonthlyFee.String(), now, now)
	if err != nil {
		return billing.Student{}, fmt.Errorf("failed to upsert student: %w", err)
	}

	stored, err := q.getStudent(ctx, st.ID)
	if err != nil {
		return billing.Student{}, err
	}
	if stored == nil {
		return billing.Student{}, fmt.Errorf("student %s vanished after upsert", st.ID)
	}
	return *stored, nil
}

func (q queries) listStudents(ctx context.Context) ([]billing.Student, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, active, due_day, grace_days, monthly_fee, created_at, updated_at
		FROM students`)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var out []billing.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (q queries) appendEvent(ctx context.Context, ev billing.PaymentEvent) error {
	recordJSON, err := json.Marshal(ev.Record)
	if err != nil {
		return fmt.Errorf("failed to encode event record: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO payment_events (id, payment_id, student_id, year_month, action, record_json, at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM payment_events))
	`, ev.ID, ev.PaymentID, ev.StudentID, ev.YearMonth.String(), string(ev.Action),
		string(recordJSON), ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (q queries) listEvents(ctx context.Context, paymentID string) ([]billing.PaymentEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payment_id, student_id, year_month, action, record_json, at
		FROM payment_events WHERE payment_id = ?
		ORDER BY seq ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []billing.PaymentEvent
	for rows.Next() {
		var (
			ev                         billing.PaymentEvent
			ym, action, recordJSON, at string
		)
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.StudentID, &ym, &action, &recordJSON, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.YearMonth, err = billing.ParseYearMonth(ym); err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		if err := json.Unmarshal([]byte(recordJSON), &ev.Record); err != nil {
			return nil, fmt.Errorf("event %s: failed to decode record: %w", ev.ID, err)
		}
		ev.Action = billing.EventAction(action)
		if ev.At, err = parseTimestamp("event", ev.ID, "at", at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(sc scanner) (billing.PaymentRecord, error) {
	var (
		rec                  billing.PaymentRecord
		month, dueDay        int
		amount, status       string
		paidAt               sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&rec.ID, &rec.StudentID, &rec.StudentName, &rec.Year, &month, &amount, &status,
		&dueDay, &rec.GraceDays, &paidAt, &rec.RequiresCollection, &createdAt, &updatedAt)
	if err != nil {
		return billing.PaymentRecord{}, err
	}

	rec.Month = time.Month(month)
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return billing.PaymentRecord{}, fmt.Errorf("payment %s: bad amount %q: %w", rec.ID, amount, err)
	}
	if rec.Status, err = billing.ParseStatus(status); err != nil {
		return billing.PaymentRecord{}, fmt.Errorf("payment %s: %w", rec.ID, err)
	}
	rec.DueDay = billing.DueDay(dueDay)
	if !rec.DueDay.Valid() {
		rec.DueDay = billing.NormalizeLegacyDueDay(dueDay)
	}
	if paidAt.Valid {
		t, err := parseTimestamp("payment", rec.ID, "paid_at", paidAt.String)
		if err != nil {
			return billing.PaymentRecord{}, err
		}
		rec.PaidAt = &t
	}
	if rec.CreatedAt, err = parseTimestamp("payment", rec.ID, "created_at", createdAt); err != nil {
		return billing.PaymentRecord{}, err
	}
	if rec.UpdatedAt, err = parseTimestamp("payment", rec.ID, "updated_at", updatedAt); err != nil {
		return billing.PaymentRecord{}, err
	}
	return rec, nil
}

func scanStudent(sc scanner) (billing.Student, error) {
	var (
		st                   billing.Student
		dueDay               int
		fee                  string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&st.ID, &st.Name, &st.Active, &dueDay, &st.GraceDays, &fee, &createdAt, &updatedAt); err != nil {
		return billing.Student{}, err
	}

	var err error
	if st.MonthlyFee, err = decimal.NewFromString(fee); err != nil {
		return billing.Student{}, fmt.Errorf("student %s: bad monthly fee %q: %w", st.ID, fee, err)
	}
	st.DueDay = billing.DueDay(dueDay)
	if !st.DueDay.Valid() {
		st.DueDay = billing.NormalizeLegacyDueDay(dueDay)
	}
	if st.CreatedAt, err = parseTimestamp("student", st.ID, "created_at", createdAt); err != nil {
		return billing.Student{}, err
	}
	if st.UpdatedAt, err = parseTimestamp("student", st.ID, "updated_at", updatedAt); err != nil {
		return billing.Student{}, err
	}
	return st, nil
}

// parseTimestamp reads a column written by nullTime or the upserts.
func parseTimestamp(kind, id, column, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s %s: bad %s %q: %w", kind, id, column, raw, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
