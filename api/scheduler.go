/*
scheduler.go - Automated dues jobs

PURPOSE:
  Runs the two recurring billing jobs on cron schedules so the dashboard
  does not depend on someone pressing a button:
  - reclassify: daily, moves overdue owed dues of the current and the
    previous month to delinquent
  - generate:   monthly, creates the new month's dues for active students

DESIGN:
  - robfig/cron with SkipIfStillRunning, so a slow run is never stacked
  - Each run gets its own timeout context
  - Each run invalidates the cached aggregates of the months it changed,
    including a run that failed after committing some students
  - Reclassification only moves dues forward; running it twice is harmless

CONFIGURATION:
  scheduler.enabled          default false
  scheduler.reclassify_cron  default "0 6 * * *"
  scheduler.generate_cron    default "0 5 1 * *"

USAGE:
  s := NewDuesScheduler(engine, dues, logger)
  if err := s.Start(reclassifySpec, generateSpec); err != nil { ... }
  defer s.Stop()

SEE ALSO:
  - handlers.go: GenerateMonth, ReclassifyMonth (manual triggers)
  - billing/engine.go: GenerateMonth, Reclassify
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/cache"
)

// JobTimeout bounds a single scheduled run.
const JobTimeout = 4 * time.Minute

// DuesScheduler runs generation and reclassification on cron schedules.
type DuesScheduler struct {
	Engine *billing.Engine
	Dues   *cache.Dues

	log  *zap.Logger
	cron *cron.Cron
	mu   sync.Mutex
}

// NewDuesScheduler creates a stopped scheduler.
func NewDuesScheduler(engine *billing.Engine, dues *cache.Dues, logger *zap.Logger) *DuesScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuesScheduler{Engine: engine, Dues: dues, log: logger.Named("scheduler")}
}

// Start registers both jobs and starts the cron loop. An empty spec skips
// that job.
func (s *DuesScheduler) Start(reclassifySpec, generateSpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if reclassifySpec != "" {
		if _, err := c.AddFunc(reclassifySpec, s.timed(s.RunReclassify)); err != nil {
			return fmt.Errorf("scheduler: reclassify spec %q: %w", reclassifySpec, err)
		}
	}
	if generateSpec != "" {
		if _, err := c.AddFunc(generateSpec, s.timed(s.RunGenerate)); err != nil {
			return fmt.Errorf("scheduler: generate spec %q: %w", generateSpec, err)
		}
	}
	c.Start()
	s.cron = c

	s.log.Info("scheduler started",
		zap.String("reclassify", reclassifySpec),
		zap.String("generate", generateSpec))
	return nil
}

// Stop stops the cron loop and waits for a running job to finish.
func (s *DuesScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.log.Info("scheduler stopped")
}

func (s *DuesScheduler) timed(job func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
		defer cancel()
		if err := job(ctx); err != nil {
			s.log.Error("scheduled job failed", zap.Error(err))
		}
	}
}

// RunReclassify reclassifies the current and the previous month. The
// previous month matters in the first days of a month, when its dues
// pass their late date.
func (s *DuesScheduler) RunReclassify(ctx context.Context) error {
	current := s.Engine.Today().YearMonth()
	for _, ym := range []billing.YearMonth{current.AddMonths(-1), current} {
		report, err := s.Engine.Reclassify(ctx, ym)
		if len(report.Delinquent) > 0 {
			s.Dues.MonthChanged(ym)
		}
		if err != nil {
			return fmt.Errorf("reclassify %s: %w", ym, err)
		}
		s.log.Info("month reclassified",
			zap.Stringer("year_month", ym),
			zap.Int("delinquent", len(report.Delinquent)),
			zap.Int("unchanged", report.Unchanged))
	}
	return nil
}

// RunGenerate creates the current month's dues.
func (s *DuesScheduler) RunGenerate(ctx context.Context) error {
	ym := s.Engine.Today().YearMonth()
	report, err := s.Engine.GenerateMonth(ctx, ym)
	if len(report.Created) > 0 {
		s.Dues.MonthChanged(ym)
	}
	if err != nil {
		return fmt.Errorf("generate %s: %w", ym, err)
	}
	s.log.Info("month generated",
		zap.Stringer("year_month", ym),
		zap.Int("created", len(report.Created)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("deferred", len(report.Deferred)))
	return nil
}
