package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/billing/store"
)

func TestScheduler_RunGenerateThenReclassify(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	engine := s.handler.Engine
	sched := NewDuesScheduler(engine, s.handler.Dues, nil)

	_, err := engine.RegisterStudent(ctx, billing.Student{
		ID: "s1", Name: "Ana", Active: true, DueDay: billing.DueDay10, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	// GIVEN: a December due left owed past its late date
	owed := billing.StatusOwed
	_, err = engine.CreateOrUpdateDue(ctx, billing.DueInput{
		StudentID: "s1", StudentName: "Ana", Year: 2025, Month: time.December,
		Amount: decimal.NewFromInt(100), DueDay: 10, Status: &owed,
	})
	require.NoError(t, err)

	dec := billing.YearMonth{Year: 2025, Month: time.December}
	before, err := s.handler.Dues.MonthlyStatistics(ctx, dec)
	require.NoError(t, err)
	require.Equal(t, 1, before.Owed.Count)

	// WHEN: the jobs run
	require.NoError(t, sched.RunGenerate(ctx))
	require.NoError(t, sched.RunReclassify(ctx))

	// THEN: January was generated and December moved to delinquent
	jan, err := engine.GetPayment(ctx, "s1_2026_01")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusDelinquent, jan.Status)

	after, err := s.handler.Dues.MonthlyStatistics(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Owed.Count, "cached statistics were invalidated")
	assert.Equal(t, 1, after.Delinquent.Count)

	// Running again changes nothing.
	require.NoError(t, sched.RunGenerate(ctx))
	require.NoError(t, sched.RunReclassify(ctx))
	recs, err := engine.ListMonth(ctx, billing.YearMonth{Year: 2026, Month: time.January})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sched := NewDuesScheduler(s.handler.Engine, s.handler.Dues, nil)

	assert.Error(t, sched.Start("not a cron spec", ""))

	require.NoError(t, sched.Start("0 6 * * *", "0 5 1 * *"))
	assert.Error(t, sched.Start("0 6 * * *", ""), "already started")
	sched.Stop()
	sched.Stop()

	require.NoError(t, sched.Start("", ""))
	sched.Stop()
}

func TestScheduler_FailedGenerateStillInvalidates(t *testing.T) {
	mem := store.NewMemory()
	fs := &failingTxStore{Memory: mem}
	s := newTestServerOn(t, fs, mem)
	ctx := context.Background()
	engine := s.handler.Engine
	sched := NewDuesScheduler(engine, s.handler.Dues, nil)
	for _, id := range []string{"a", "b"} {
		_, err := engine.RegisterStudent(ctx, billing.Student{
			ID: id, Name: "Student " + id, Active: true, DueDay: billing.DueDay25, GraceDays: 3, MonthlyFee: decimal.NewFromInt(100),
		})
		require.NoError(t, err)
	}

	jan := billing.YearMonth{Year: 2026, Month: time.January}
	before, err := s.handler.Dues.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	require.Equal(t, 0, before.Total.Count)

	fs.calls, fs.failAt = 0, 2
	require.Error(t, sched.RunGenerate(ctx))

	after, err := s.handler.Dues.MonthlyStatistics(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Owed.Count)
}
