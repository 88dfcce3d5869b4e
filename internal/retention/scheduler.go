// Package retention prunes idempotency markers on a cron schedule. The audit
// ledger is never pruned, so dedup survives marker removal.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/policyd/internal/persistence"
)

// DefaultSchedule runs once a day at 03:17.
const DefaultSchedule = "17 3 * * *"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Store is the persistence surface retention needs.
type Store interface {
	RunRetention(ctx context.Context, markerDays int, now time.Time) (persistence.RetentionResult, error)
}

type Config struct {
	Store      Store
	Logger     *slog.Logger
	Schedule   string
	MarkerDays int
	Now        func() time.Time
}

// Scheduler fires RunRetention whenever the cron expression comes due.
type Scheduler struct {
	store      Store
	logger     *slog.Logger
	schedule   cronlib.Schedule
	expr       string
	markerDays int
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lastRun time.Time
	last    persistence.RetentionResult
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:      cfg.Store,
		logger:     logger,
		schedule:   sched,
		expr:       expr,
		markerDays: cfg.MarkerDays,
		now:        now,
	}, nil
}

// Start runs the schedule in a background goroutine until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "schedule", s.expr, "marker_days", s.markerDays)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retention run failed", "error", err)
			}
		}
	}
}

// RunOnce prunes immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (persistence.RetentionResult, error) {
	now := s.now()
	res, err := s.store.RunRetention(ctx, s.markerDays, now)
	if err != nil {
		return res, fmt.Errorf("run retention: %w", err)
	}
	s.mu.Lock()
	s.lastRun, s.last = now, res
	s.mu.Unlock()
	s.logger.Info("retention run complete",
		"purged_markers", res.PurgedMarkers,
		"purged_leases", res.PurgedLeases,
	)
	return res, nil
}

// Last returns the time and result of the most recent successful run.
func (s *Scheduler) Last() (time.Time, persistence.RetentionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
