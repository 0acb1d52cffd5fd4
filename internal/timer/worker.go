// Package timer polls durable timers and resumes the owning runs when they
// fire. Claims are compare-and-set: a timer fires at most once per claim,
// and a failed resume is retried a bounded number of times before this tick
// gives up on it.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
)

const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 20
	defaultResumeRetries = 3
	defaultResumeBackoff = 200 * time.Millisecond
)

// Config tunes the timer worker.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	ResumeRetries int
	ResumeBackoff time.Duration
}

// Worker drives Wait-state resumption off the timer store.
type Worker struct {
	store  store.Store
	engine *engine.Engine
	logger *slog.Logger
	cfg    Config

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a timer worker.
func NewWorker(st store.Store, eng *engine.Engine, logger *slog.Logger, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ResumeRetries <= 0 {
		cfg.ResumeRetries = defaultResumeRetries
	}
	if cfg.ResumeBackoff <= 0 {
		cfg.ResumeBackoff = defaultResumeBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   st,
		engine:  eng,
		logger:  logger,
		cfg:     cfg,
		stopped: make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or the context ends.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopped:
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop halts the poll loop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	w.wg.Wait()
}

// Tick claims every due timer and resumes its run. Exported so tests and
// embedders can drive the worker without the loop.
func (w *Worker) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := w.store.ListDueTimers(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to list due timers", slog.String("error", err.Error()))
		return
	}

	for _, timer := range due {
		claimed, err := w.store.ClaimDueTimer(ctx, timer.ID, now)
		if err != nil {
			w.logger.ErrorContext(ctx, "failed to claim timer",
				slog.String("timer_id", timer.ID), slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			// Another worker got there first, or the timer was cancelled.
			continue
		}
		w.resume(ctx, timer)
	}
}

// resume drives the run past its wait with bounded retry. When the retries
// are exhausted the claim is spent: the failure is logged and a later
// advance (from any caller) picks the run up again.
func (w *Worker) resume(ctx context.Context, timer *store.Timer) {
	ctx = logging.WithIDs(ctx, timer.RunID, timer.StateName, "")

	var lastErr error
	for attempt := 0; attempt <= w.cfg.ResumeRetries; attempt++ {
		if attempt > 0 {
			if err := engine.WaitForBackoff(ctx, time.Duration(attempt)*w.cfg.ResumeBackoff); err != nil {
				return
			}
		}
		_, err := w.engine.OnTimerFired(ctx, timer.RunID, timer.StateName)
		if err == nil {
			return
		}
		lastErr = err
		if !engine.IsRetryableError(err) {
			break
		}
	}

	w.logger.ErrorContext(ctx, "giving up on timer resume",
		slog.String("timer_id", timer.ID), slog.String("error", lastErr.Error()))
}
