// Package store provides Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/dues-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.Mutex
	payments map[string]billing.PaymentRecord
	students map[string]billing.Student
	events   map[string][]billing.PaymentEvent

	// Now stamps CreatedAt/UpdatedAt. Defaults to time.Now.
	Now func() time.Time
}

var _ billing.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		payments: make(map[string]billing.PaymentRecord),
		students: make(map[string]billing.Student),
		events:   make(map[string][]billing.PaymentEvent),
		Now:      time.Now,
	}
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*billing.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetPayment(ctx, id)
}

func (m *Memory) UpsertPayment(ctx context.Context, rec billing.PaymentRecord) (billing.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpsertPayment(ctx, rec)
}

func (m *Memory) DeletePayment(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().DeletePayment(ctx, id)
}

func (m *Memory) ListPayments(ctx context.Context, f billing.Filter) ([]billing.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListPayments(ctx, f)
}

func (m *Memory) GetStudent(ctx context.Context, id string) (*billing.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GetStudent(ctx, id)
}

func (m *Memory) UpsertStudent(ctx context.Context, s billing.Student) (billing.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().UpsertStudent(ctx, s)
}

func (m *Memory) ListStudents(ctx context.Context) ([]billing.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListStudents(ctx)
}

func (m *Memory) AppendEvent(ctx context.Context, ev billing.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AppendEvent(ctx, ev)
}

func (m *Memory) ListEvents(ctx context.Context, paymentID string) ([]billing.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ListEvents(ctx, paymentID)
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(m.view()); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

func (m *Memory) view() *memoryView { return &memoryView{parent: m} }

type memorySnapshot struct {
	payments map[string]billing.PaymentRecord
	students map[string]billing.Student
	events   map[string][]billing.PaymentEvent
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		payments: make(map[string]billing.PaymentRecord, len(m.payments)),
		students: make(map[string]billing.Student, len(m.students)),
		events:   make(map[string][]billing.PaymentEvent, len(m.events)),
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	for k, v := range m.students {
		s.students[k] = v
	}
	for k, v := range m.events {
		s.events[k] = append([]billing.PaymentEvent{}, v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.payments = s.payments
	m.students = s.students
	m.events = s.events
}

// =============================================================================
// MEMORY VIEW - Lock-free operations, caller holds parent.mu
// =============================================================================

type memoryView struct {
	parent *Memory
}

func (v *memoryView) GetPayment(_ context.Context, id string) (*billing.PaymentRecord, error) {
	rec, ok := v.parent.payments[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (v *memoryView) UpsertPayment(_ context.Context, rec billing.PaymentRecord) (billing.PaymentRecord, error) {
	now := v.parent.Now().UTC()
	if old, ok := v.parent.payments[rec.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	v.parent.payments[rec.ID] = rec
	return rec, nil
}

func (v *memoryView) DeletePayment(_ context.Context, id string) (bool, error) {
	if _, ok := v.parent.payments[id]; !ok {
		return false, nil
	}
	delete(v.parent.payments, id)
	return true, nil
}

func (v *memoryView) ListPayments(_ context.Context, f billing.Filter) ([]billing.PaymentRecord, error) {
	var out []billing.PaymentRecord
	for _, rec := range v.parent.payments {
		if matches(rec, f) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matches(rec billing.PaymentRecord, f billing.Filter) bool {
	switch f.Field {
	case billing.FieldStudentID:
		return rec.StudentID == f.Value
	case billing.FieldYearMonth:
		return rec.YearMonth().String() == f.Value
	case billing.FieldStatus:
		return string(rec.Status) == f.Value
	}
	return false
}

func (v *memoryView) GetStudent(_ context.Context, id string) (*billing.Student, error) {
	s, ok := v.parent.students[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (v *memoryView) UpsertStudent(_ context.Context, s billing.Student) (billing.Student, error) {
	now := v.parent.Now().UTC()
	if old, ok := v.parent.students[s.ID]; ok {
		s.CreatedAt = old.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	v.parent.students[s.ID] = s
	return s, nil
}

func (v *memoryView) ListStudents(_ context.Context) ([]billing.Student, error) {
	out := make([]billing.Student, 0, len(v.parent.students))
	for _, s := range v.parent.students {
		out = append(out, s)
	}
	return out, nil
}

func (v *memoryView) AppendEvent(_ context.Context, ev billing.PaymentEvent) error {
	v.parent.events[ev.PaymentID] = append(v.parent.events[ev.PaymentID], ev)
	return nil
}

func (v *memoryView) ListEvents(_ context.Context, paymentID string) ([]billing.PaymentEvent, error) {
	return append([]billing.PaymentEvent{}, v.parent.events[paymentID]...), nil
}

// WithTx on a view joins the enclosing transaction.
func (v *memoryView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(v)
}

// Reset deletes all data (dev scenarios only).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore(memorySnapshot{
		payments: make(map[string]billing.PaymentRecord),
		students: make(map[string]billing.Student),
		events:   make(map[string][]billing.PaymentEvent),
	})
	return nil
}
