// Package cron runs the retention job: closed investigations older than
// the configured window are pruned on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule prunes nightly at 03:00 local time.
const DefaultSchedule = "0 3 * * *"

// DefaultRetentionDays keeps closed investigations for 90 days.
const DefaultRetentionDays = 90

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Pruner deletes terminal investigations older than the cutoff.
// *persistence.Store satisfies it.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store         Pruner
	Logger        *slog.Logger
	Schedule      string // cron expression; defaults to DefaultSchedule
	RetentionDays int    // defaults to DefaultRetentionDays
}

// Scheduler fires the retention job at the configured cron schedule.
// Running investigations are never pruned regardless of age.
type Scheduler struct {
	store    Pruner
	logger   *slog.Logger
	schedule cronlib.Schedule
	days     int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The cron expression is validated here
// so a bad config fails at startup, not at 3 AM.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		days:     days,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "retention_days", s.days)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// loop sleeps until the next scheduled run, prunes, and repeats.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one retention pass immediately.
func (s *Scheduler) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.days)
	pruned, err := s.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention prune failed", "error", err)
		return
	}
	s.logger.Info("retention prune complete",
		"pruned", pruned,
		"cutoff", cutoff.Format(time.RFC3339),
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
