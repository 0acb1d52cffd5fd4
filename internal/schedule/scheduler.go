// Package schedule starts runs from cron schedules: a poll loop checks
// enabled schedules, starts a run for each one that is due, and records the
// next fire time.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/store"
)

// RunStarter is the interface the scheduler uses to start and drive runs.
// Satisfied by the engine; a narrow interface keeps tests simple.
type RunStarter interface {
	StartRun(ctx context.Context, definitionID string, input map[string]any) (*store.Run, error)
	AdvanceRun(ctx context.Context, runID string) (engine.Outcome, error)
}

// Scheduler polls the store for due schedules and starts their runs.
type Scheduler struct {
	store   store.Store
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger
	tick    time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently starting (dedup)
}

// NewScheduler creates a Scheduler with a standard five-field cron parser.
func NewScheduler(s store.Store, starter RunStarter, logger *slog.Logger, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		tick:     tickInterval,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled schedules and starts those that are due. A
// schedule with no recorded next_run_at is treated as due, which also
// bootstraps newly created schedules.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already starting (dedup)
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// fire starts one run for the schedule and records last/next run times.
// The next run time advances even when the start fails, so a broken
// definition cannot wedge the scheduler into a hot loop.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.InfoContext(ctx, "firing schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("definition_id", sched.DefinitionID),
	)

	run, startErr := s.starter.StartRun(ctx, sched.DefinitionID, sched.Input)
	if startErr != nil {
		s.logger.ErrorContext(ctx, "scheduled run start failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", startErr.Error()),
		)
	} else if _, err := s.starter.AdvanceRun(ctx, run.ID); err != nil {
		s.logger.ErrorContext(ctx, "scheduled run advance failed",
			slog.String("schedule_id", sched.ID),
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, err := s.NextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("compute next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// RecoverMissed fires enabled schedules whose next_run_at is in the past,
// once each. Called at startup to catch up after downtime.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list schedules for recovery: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			s.release(sched.ID)
			continue
		}
		s.release(sched.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
