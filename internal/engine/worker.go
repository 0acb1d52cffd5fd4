package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/tools"
	"github.com/rendis/stateflow/pkg/schema"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 10
	defaultConcurrency  = 4
	defaultTaskTimeout  = 30 * time.Second
)

// WorkerConfig tunes the activity worker.
type WorkerConfig struct {
	PollInterval       time.Duration
	BatchSize          int
	Concurrency        int
	DefaultTaskTimeout time.Duration
}

// ActivityWorker polls for scheduled activity tasks, executes them against
// the tool registry under a per-task timeout, and resumes the owning run on
// both outcomes. A failed attempt with retry budget left re-schedules a new
// attempt with backoff instead of surfacing the failure to the run.
type ActivityWorker struct {
	store  store.Store
	events *store.EventLog
	tools  *tools.Registry
	engine *Engine
	pool   *WorkerPool
	logger *slog.Logger
	cfg    WorkerConfig

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewActivityWorker creates a worker over the store, registry and engine.
func NewActivityWorker(st store.Store, registry *tools.Registry, eng *Engine, logger *slog.Logger, cfg WorkerConfig) *ActivityWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = defaultTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityWorker{
		store:   st,
		events:  store.NewEventLog(st),
		tools:   registry,
		engine:  eng,
		pool:    NewWorkerPool(cfg.Concurrency),
		logger:  logger,
		cfg:     cfg,
		stopped: make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or the context ends.
func (w *ActivityWorker) Start(ctx context.Context) {
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

// Stop halts the poll loop and waits for in-flight tasks to finish.
func (w *ActivityWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	w.wg.Wait()
	w.pool.Shutdown()
}

// Tick claims up to BatchSize due tasks and executes them concurrently. It
// is exported so tests and embedders can drive the worker without the loop.
func (w *ActivityWorker) Tick(ctx context.Context) {
	tasks, err := w.store.ClaimScheduledTasks(ctx, w.cfg.BatchSize, time.Now().UTC())
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to claim tasks", slog.String("error", err.Error()))
		return
	}

	for _, task := range tasks {
		task := task
		if err := w.pool.Submit(ctx, func(ctx context.Context) error {
			w.executeTask(ctx, task)
			return nil
		}); err != nil {
			w.logger.ErrorContext(ctx, "failed to submit task",
				slog.String("task_token", task.TaskToken), slog.String("error", err.Error()))
		}
	}
}

// Wait blocks until all in-flight task executions finish.
func (w *ActivityWorker) Wait() {
	w.pool.Wait()
}

func (w *ActivityWorker) executeTask(ctx context.Context, task *store.ActivityTask) {
	ctx = logging.WithIDs(ctx, task.RunID, task.StateName, task.TaskToken)

	tool, err := w.tools.Get(task.ActivityType)
	if err != nil {
		w.failTask(ctx, task, asFlowError(err))
		return
	}

	timeout := w.cfg.DefaultTaskTimeout
	if task.TimeoutSeconds > 0 {
		timeout = time.Duration(task.TimeoutSeconds) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, execErr := tool.Execute(tctx, task.Input)
	switch {
	case tctx.Err() == context.DeadlineExceeded:
		w.appendEvent(ctx, task, schema.EventTaskTimedOut, map[string]any{"timeout": timeout.String()})
		w.failTask(ctx, task, schema.NewErrorf(schema.ErrCodeTimeout,
			"tool %q timed out after %s", task.ActivityType, timeout).WithCause(execErr))

	case execErr != nil:
		w.failTask(ctx, task, asFlowError(execErr))

	default:
		// An error key in the result tree is an application-level failure.
		if msg, ok := result["error"]; ok {
			w.failTask(ctx, task, schema.NewErrorf(schema.ErrCodeTaskFailed,
				"tool %q reported: %v", task.ActivityType, msg).
				WithDetails(map[string]any{"result": result}))
			return
		}
		w.completeTask(ctx, task, result)
	}
}

func (w *ActivityWorker) completeTask(ctx context.Context, task *store.ActivityTask, result map[string]any) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.failTask(ctx, task, schema.NewError(schema.ErrCodeExecution,
			"task result is not serializable").WithCause(err))
		return
	}

	status := schema.TaskStatusCompleted
	now := time.Now().UTC()
	if err := w.store.UpdateTask(ctx, task.TaskToken, store.TaskUpdate{
		Status:      &status,
		Result:      raw,
		CompletedAt: &now,
	}); err != nil {
		w.logger.ErrorContext(ctx, "failed to complete task", slog.String("error", err.Error()))
		return
	}
	w.appendEvent(ctx, task, schema.EventTaskCompleted, map[string]any{"attempt": task.Attempt})

	w.advance(ctx, task.RunID)
}

// failTask records the failure, then either re-schedules a fresh attempt
// under the state's retry policy or resumes the run to surface the failure.
func (w *ActivityWorker) failTask(ctx context.Context, task *store.ActivityTask, fe *schema.FlowError) {
	status := schema.TaskStatusFailed
	now := time.Now().UTC()
	code := fe.Code
	var details json.RawMessage
	if b, err := json.Marshal(map[string]any{"message": fe.Message, "details": fe.Details}); err == nil {
		details = b
	}
	if err := w.store.UpdateTask(ctx, task.TaskToken, store.TaskUpdate{
		Status:       &status,
		Error:        &code,
		ErrorDetails: details,
		CompletedAt:  &now,
	}); err != nil {
		w.logger.ErrorContext(ctx, "failed to record task failure", slog.String("error", err.Error()))
		return
	}

	policy, perr := w.retryPolicyFor(ctx, task, code)
	if perr != nil {
		w.logger.ErrorContext(ctx, "failed to resolve retry policy", slog.String("error", perr.Error()))
	}
	if policy != nil && task.Attempt < policy.MaxAttempts {
		w.scheduleRetry(ctx, task, policy, code)
		return
	}

	attrs := map[string]any{
		"attempt": task.Attempt,
		"error":   code,
	}
	if policy != nil {
		attrs["retries_exhausted"] = true
	}
	w.appendEvent(ctx, task, schema.EventTaskFailed, attrs)

	w.advance(ctx, task.RunID)
}

// scheduleRetry creates the next attempt with its backoff delay encoded as
// not_before, so the claim query holds it back until the delay elapses. The
// run stays paused on the same state meanwhile.
func (w *ActivityWorker) scheduleRetry(ctx context.Context, task *store.ActivityTask, policy *schema.RetryPolicy, code string) {
	delay := ComputeBackoff(policy, task.Attempt-1)
	now := time.Now().UTC()
	next := &store.ActivityTask{
		TaskToken:      uuid.NewString(),
		RunID:          task.RunID,
		StateName:      task.StateName,
		ActivityType:   task.ActivityType,
		Status:         schema.TaskStatusScheduled,
		Input:          task.Input,
		Attempt:        task.Attempt + 1,
		TimeoutSeconds: task.TimeoutSeconds,
		ScheduledAt:    now,
		NotBefore:      now.Add(delay),
	}
	if err := w.store.CreateTask(ctx, next); err != nil {
		w.logger.ErrorContext(ctx, "failed to schedule retry", slog.String("error", err.Error()))
		w.advance(ctx, task.RunID)
		return
	}
	w.appendEvent(ctx, task, schema.EventTaskRetrying, map[string]any{
		"attempt":      task.Attempt,
		"next_attempt": next.Attempt,
		"error":        code,
		"delay":        delay.String(),
	})
}

// retryPolicyFor looks up the matching retry policy declared on the task's
// state, or nil when the state declares none for this error code.
func (w *ActivityWorker) retryPolicyFor(ctx context.Context, task *store.ActivityTask, code string) (*schema.RetryPolicy, error) {
	run, err := w.store.GetRun(ctx, task.RunID)
	if err != nil {
		return nil, err
	}
	defRec, err := w.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return nil, err
	}
	state, ok := defRec.Definition.States[task.StateName]
	if !ok {
		return nil, nil
	}
	return selectRetryPolicy(state.Retry, code), nil
}

func (w *ActivityWorker) advance(ctx context.Context, runID string) {
	if _, err := w.engine.AdvanceRun(ctx, runID); err != nil {
		w.logger.ErrorContext(ctx, "failed to advance run after task",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func (w *ActivityWorker) appendEvent(ctx context.Context, task *store.ActivityTask, eventType string, attributes map[string]any) {
	if attributes == nil {
		attributes = map[string]any{}
	}
	attributes["task_token"] = task.TaskToken
	if err := w.events.Append(ctx, task.RunID, eventType, task.StateName, attributes); err != nil {
		w.logger.ErrorContext(ctx, "failed to append task event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}
