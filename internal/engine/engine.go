// Package engine implements the durable advance loop: it drives runs one
// state at a time, persisting every mutation through the run's version-CAS
// before acting on it. The loop is re-entrant and caller-driven; suspensions
// (deferred tasks, timers) return paused instead of blocking.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/path"
	"github.com/rendis/stateflow/internal/stepper"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/tools"
	"github.com/rendis/stateflow/pkg/schema"
)

// Mode selects how Task states execute.
type Mode string

const (
	// ModeInline invokes the tool synchronously inside the advance loop.
	ModeInline Mode = "inline"
	// ModeDeferred suspends the run until an activity worker completes the
	// task out-of-band.
	ModeDeferred Mode = "deferred"
)

// Outcome is the result of driving a run forward.
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomePaused   Outcome = "paused"
	OutcomeFinished Outcome = "finished"
	OutcomeError    Outcome = "error"
)

const (
	defaultMaxCASRetries     = 5
	defaultBranchConcurrency = 4
	defaultInlineTaskTimeout = 30 * time.Second
	maxInlineSteps           = 10000
)

// errVersionConflict signals a rejected CAS; the advance loop reloads the
// run and retries.
var errVersionConflict = errors.New("run version conflict")

// Config tunes the engine.
type Config struct {
	Mode              Mode
	BranchConcurrency int
	MaxCASRetries     int
	InlineTaskTimeout time.Duration
}

// Engine drives workflow runs. All run mutations go through the store's
// version-CAS; the in-process keyed lock only serializes advance loops for
// the same run within this process.
type Engine struct {
	store   store.Store
	events  *store.EventLog
	stepper *stepper.Stepper
	shaper  *stepper.Shaper
	tools   *tools.Registry
	hooks   *Dispatcher
	locks   *KeyedLocks
	logger  *slog.Logger
	cfg     Config
}

// New creates an Engine. The hooks dispatcher may be nil.
func New(st store.Store, stp *stepper.Stepper, sh *stepper.Shaper, registry *tools.Registry, hooks *Dispatcher, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeDeferred
	}
	if cfg.BranchConcurrency <= 0 {
		cfg.BranchConcurrency = defaultBranchConcurrency
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = defaultMaxCASRetries
	}
	if cfg.InlineTaskTimeout <= 0 {
		cfg.InlineTaskTimeout = defaultInlineTaskTimeout
	}
	if hooks == nil {
		hooks = NewDispatcher(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		events:  store.NewEventLog(st),
		stepper: stp,
		shaper:  sh,
		tools:   registry,
		hooks:   hooks,
		locks:   NewKeyedLocks(),
		logger:  logger,
		cfg:     cfg,
	}
}

// StartRun creates a new run for the stored definition. The run starts at
// the definition's start_at in status running; the caller drives it with
// AdvanceRun.
func (e *Engine) StartRun(ctx context.Context, definitionID string, input map[string]any) (*store.Run, error) {
	defRec, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		CurrentState: defRec.Definition.StartAt,
		Status:       schema.RunStatusRunning,
		Context:      path.DeepCopy(input),
		Input:        path.DeepCopy(input),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	run.Version = 1

	ctx = logging.WithRunID(ctx, run.ID)
	e.appendEvent(ctx, run.ID, schema.EventRunStarted, run.CurrentState, map[string]any{"input": input})
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventRunStarted, Run: run, StateName: run.CurrentState})
	return run, nil
}

// Status returns the run's current persisted record.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// AdvanceRun drives the run until it suspends, finishes or fails. It is
// always safe to call redundantly: every iteration re-reads persisted state,
// and a CAS conflict forces a reload-and-retry of the whole step.
func (e *Engine) AdvanceRun(ctx context.Context, runID string) (Outcome, error) {
	release := e.locks.Acquire(runID)
	defer release()
	ctx = logging.WithRunID(ctx, runID)

	conflicts := 0
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return OutcomeError, err
		}
		if run.Status.Terminal() {
			return terminalOutcome(run.Status), nil
		}

		defRec, err := e.store.GetDefinition(ctx, run.DefinitionID)
		if err != nil {
			return OutcomeError, err
		}

		outcome, err := e.advanceOnce(ctx, &defRec.Definition, run)
		if errors.Is(err, errVersionConflict) {
			conflicts++
			if conflicts > e.cfg.MaxCASRetries {
				return OutcomeError, schema.NewErrorf(schema.ErrCodeConflict,
					"run %s: version conflicts exhausted after %d retries", runID, conflicts-1)
			}
			continue
		}
		if err != nil {
			return OutcomeError, err
		}
		conflicts = 0
		if outcome != OutcomeContinue {
			return outcome, nil
		}
	}
}

// Cancel marks the run, its live tasks and its live timers cancelled. It is
// idempotent on an already-cancelled run and rejects other terminal states.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	release := e.locks.Acquire(runID)
	defer release()
	ctx = logging.WithRunID(ctx, runID)

	for attempt := 0; attempt <= e.cfg.MaxCASRetries; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == schema.RunStatusCancelled {
			return nil
		}
		if run.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"run %s is already %s", runID, run.Status)
		}

		status := schema.RunStatusCancelled
		now := time.Now().UTC()
		ok, err := e.store.UpdateRunIfVersion(ctx, runID, store.RunUpdate{
			Status:      &status,
			CompletedAt: &now,
		}, run.Version)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if err := e.store.CancelLiveTasks(ctx, runID); err != nil {
			e.logger.ErrorContext(ctx, "failed to cancel live tasks", slog.String("error", err.Error()))
		}
		if err := e.store.CancelLiveTimers(ctx, runID); err != nil {
			e.logger.ErrorContext(ctx, "failed to cancel live timers", slog.String("error", err.Error()))
		}
		e.appendEvent(ctx, runID, schema.EventRunCancelled, run.CurrentState, nil)
		run.Status = status
		e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventRunCancelled, Run: run, StateName: run.CurrentState})
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s: cancel lost every version race", runID)
}

// OnTimerFired resumes a run whose Wait state's timer was claimed: it moves
// the run past the wait, then drives the advance loop.
func (e *Engine) OnTimerFired(ctx context.Context, runID, stateName string) (Outcome, error) {
	if err := e.resumeAfterWait(ctx, runID, stateName); err != nil {
		return OutcomeError, err
	}
	return e.AdvanceRun(ctx, runID)
}

func (e *Engine) resumeAfterWait(ctx context.Context, runID, stateName string) error {
	release := e.locks.Acquire(runID)
	defer release()
	ctx = logging.WithIDs(ctx, runID, stateName, "")

	for attempt := 0; attempt <= e.cfg.MaxCASRetries; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		// A stale timer (run already moved on, or cancelled) is a no-op.
		if run.Status.Terminal() || run.CurrentState != stateName {
			return nil
		}
		defRec, err := e.store.GetDefinition(ctx, run.DefinitionID)
		if err != nil {
			return err
		}
		state, ok := defRec.Definition.States[stateName]
		if !ok || state.Type != schema.StateWait {
			return nil
		}

		e.appendEvent(ctx, runID, schema.EventTimerFired, stateName, nil)
		cmd := &stepper.Command{Type: stepper.CommandWait, State: stateName, Next: state.Next, End: state.End}
		_, err = e.completeState(ctx, run, cmd, run.Context, nil)
		if errors.Is(err, errVersionConflict) {
			continue
		}
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %s: wait resume lost every version race", runID)
}

// --- advance loop ---

func (e *Engine) advanceOnce(ctx context.Context, def *schema.WorkflowDefinition, run *store.Run) (Outcome, error) {
	ctx = logging.WithState(ctx, run.CurrentState)

	cmd, err := e.stepper.StepOnce(ctx, def, run.CurrentState, run.Context)
	if err != nil {
		return e.failRun(ctx, run, asFlowError(err))
	}
	state := def.States[run.CurrentState]

	switch cmd.Type {
	case stepper.CommandPass:
		return e.completeState(ctx, run, cmd, normalizeTree(cmd.Output, run.Context), cmd.Output)

	case stepper.CommandTransition:
		return e.completeState(ctx, run, cmd, run.Context, nil)

	case stepper.CommandExecuteTask:
		return e.stepTask(ctx, run, state, cmd)

	case stepper.CommandWait:
		return e.stepWaitState(ctx, run, cmd)

	case stepper.CommandParallel:
		results, err := e.runBranches(ctx, cmd.Branches, run.Context)
		if err != nil {
			return e.failRun(ctx, run, asFlowError(err))
		}
		return e.collectBranchResults(ctx, run, state, cmd, results)

	case stepper.CommandMap:
		results, err := e.runMapItems(ctx, cmd.Iterator, cmd.Items, run.Context)
		if err != nil {
			return e.failRun(ctx, run, asFlowError(err))
		}
		return e.collectBranchResults(ctx, run, state, cmd, results)

	case stepper.CommandSucceed:
		return e.finishRun(ctx, run, normalizeTree(cmd.Output, run.Context))

	case stepper.CommandFail:
		code := cmd.Error
		if code == "" {
			code = schema.ErrCodeExecution
		}
		return e.failRun(ctx, run, schema.NewError(code, cmd.Cause).WithState(cmd.State))

	default:
		return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeUnsupportedState,
			"unsupported command %q", cmd.Type).WithState(cmd.State))
	}
}

// completeState persists the transition out of the current state: the new
// context plus either the next state or the run's terminal output.
func (e *Engine) completeState(ctx context.Context, run *store.Run, cmd *stepper.Command, newCtx map[string]any, result any) (Outcome, error) {
	if cmd.End || cmd.Next == "" {
		return e.finishRun(ctx, run, newCtx)
	}

	next := cmd.Next
	if err := e.casUpdate(ctx, run, store.RunUpdate{CurrentState: &next, Context: newCtx}); err != nil {
		return OutcomeError, err
	}
	e.appendEvent(ctx, run.ID, schema.EventStateFinished, cmd.State, map[string]any{
		"result": result,
		"next":   next,
	})
	run.CurrentState = next
	run.Context = newCtx
	run.Version++
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventStateFinished, Run: run, StateName: cmd.State, Payload: result})
	return OutcomeContinue, nil
}

func (e *Engine) finishRun(ctx context.Context, run *store.Run, output map[string]any) (Outcome, error) {
	status := schema.RunStatusCompleted
	now := time.Now().UTC()
	outJSON, err := json.Marshal(output)
	if err != nil {
		return e.failRun(ctx, run, schema.NewError(schema.ErrCodeExecution,
			"run output is not serializable").WithCause(err))
	}

	if err := e.casUpdate(ctx, run, store.RunUpdate{
		Status:      &status,
		Context:     output,
		Output:      outJSON,
		CompletedAt: &now,
	}); err != nil {
		return OutcomeError, err
	}

	e.appendBatch(ctx, run.ID,
		mustEvent(run.ID, schema.EventStateFinished, run.CurrentState, map[string]any{"result": output}),
		mustEvent(run.ID, schema.EventRunSucceeded, "", map[string]any{"output": output}),
	)
	run.Status = status
	run.Context = output
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventRunSucceeded, Run: run, StateName: run.CurrentState, Payload: output})
	return OutcomeFinished, nil
}

func (e *Engine) failRun(ctx context.Context, run *store.Run, fe *schema.FlowError) (Outcome, error) {
	status := schema.RunStatusFailed
	now := time.Now().UTC()
	errJSON, marshalErr := json.Marshal(schema.NewErrorOutput(fe))
	if marshalErr != nil {
		errJSON = []byte(`{"error":"` + schema.ErrCodeExecution + `"}`)
	}

	if err := e.casUpdate(ctx, run, store.RunUpdate{
		Status:      &status,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return OutcomeError, err
	}

	e.appendBatch(ctx, run.ID,
		mustEvent(run.ID, schema.EventStateFailed, run.CurrentState, map[string]any{
			"error":   fe.Code,
			"message": fe.Message,
		}),
		mustEvent(run.ID, schema.EventRunFailed, "", map[string]any{"error": fe.Code}),
	)
	run.Status = status
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventRunFailed, Run: run, StateName: run.CurrentState, Payload: fe.Code})
	e.logger.WarnContext(ctx, "run failed",
		slog.String("code", fe.Code), slog.String("message", fe.Message))
	return OutcomeError, nil
}

// --- task states ---

func (e *Engine) stepTask(ctx context.Context, run *store.Run, state *schema.State, cmd *stepper.Command) (Outcome, error) {
	if e.cfg.Mode == ModeInline {
		return e.runTaskInline(ctx, run, state, cmd)
	}
	return e.runTaskDeferred(ctx, run, state, cmd)
}

// runTaskDeferred is the suspension point of deferred mode: with no prior
// task it schedules one and pauses; with a live task it pauses again; with a
// terminal task it folds the outcome into the run.
func (e *Engine) runTaskDeferred(ctx context.Context, run *store.Run, state *schema.State, cmd *stepper.Command) (Outcome, error) {
	task, err := e.latestTask(ctx, run.ID, cmd.State)
	if err != nil {
		return OutcomeError, err
	}

	if task == nil {
		input, err := e.shaper.TaskInput(state, run.Context)
		if err != nil {
			return e.failRun(ctx, run, asFlowError(err))
		}
		now := time.Now().UTC()
		task = &store.ActivityTask{
			TaskToken:      uuid.NewString(),
			RunID:          run.ID,
			StateName:      cmd.State,
			ActivityType:   cmd.Resource,
			Status:         schema.TaskStatusScheduled,
			Input:          input,
			Attempt:        1,
			TimeoutSeconds: cmd.TimeoutSeconds,
			ScheduledAt:    now,
			NotBefore:      now,
		}
		if err := e.store.CreateTask(ctx, task); err != nil {
			return OutcomeError, err
		}
		e.appendEvent(ctx, run.ID, schema.EventTaskScheduled, cmd.State, map[string]any{
			"task_token": task.TaskToken,
			"resource":   cmd.Resource,
			"attempt":    task.Attempt,
		})
		e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventTaskScheduled, Run: run, StateName: cmd.State, Payload: task.TaskToken})
		return OutcomePaused, nil
	}

	switch task.Status {
	case schema.TaskStatusScheduled, schema.TaskStatusRunning:
		return OutcomePaused, nil

	case schema.TaskStatusCancelled:
		return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeCancelled,
			"activity task %s was cancelled", task.TaskToken).WithState(cmd.State))

	case schema.TaskStatusCompleted:
		var result any
		if len(task.Result) > 0 {
			if err := json.Unmarshal(task.Result, &result); err != nil {
				return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeStore,
					"task %s result is malformed: %s", task.TaskToken, err.Error()).WithState(cmd.State))
			}
		}
		newCtx, err := e.shaper.TaskResult(ctx, state, run.Context, result)
		if err != nil {
			return e.failRun(ctx, run, asFlowError(err))
		}
		return e.completeState(ctx, run, cmd, newCtx, result)

	default: // failed; the worker has already exhausted any retry policy
		code := task.Error
		if code == "" {
			code = schema.ErrCodeTaskFailed
		}
		return e.handleTaskFailure(ctx, run, state, cmd, code, task.ErrorDetails)
	}
}

func (e *Engine) runTaskInline(ctx context.Context, run *store.Run, state *schema.State, cmd *stepper.Command) (Outcome, error) {
	input, err := e.shaper.TaskInput(state, run.Context)
	if err != nil {
		return e.failRun(ctx, run, asFlowError(err))
	}

	result, ferr := e.executeToolWithRetry(ctx, state, cmd.Resource, input, cmd.TimeoutSeconds)
	if ferr != nil {
		e.appendEvent(ctx, run.ID, schema.EventTaskFailed, cmd.State, map[string]any{
			"resource": cmd.Resource,
			"error":    ferr.Code,
		})
		return e.handleTaskFailure(ctx, run, state, cmd, ferr.Code, nil)
	}
	e.appendEvent(ctx, run.ID, schema.EventTaskCompleted, cmd.State, map[string]any{"resource": cmd.Resource})

	newCtx, err := e.shaper.TaskResult(ctx, state, run.Context, anyTree(result))
	if err != nil {
		return e.failRun(ctx, run, asFlowError(err))
	}
	return e.completeState(ctx, run, cmd, newCtx, anyTree(result))
}

// handleTaskFailure routes the failure through the state's catch policies,
// or fails the run when none matches.
func (e *Engine) handleTaskFailure(ctx context.Context, run *store.Run, state *schema.State, cmd *stepper.Command, code string, details json.RawMessage) (Outcome, error) {
	c := selectCatchPolicy(state.Catch, code)
	if c == nil {
		fe := schema.NewErrorf(code, "task %q failed", cmd.State).WithState(cmd.State)
		if len(details) > 0 {
			var d map[string]any
			if json.Unmarshal(details, &d) == nil {
				fe = fe.WithDetails(d)
			}
		}
		return e.failRun(ctx, run, fe)
	}

	errTree := map[string]any{"error": code}
	if len(details) > 0 {
		var d any
		if json.Unmarshal(details, &d) == nil {
			errTree["cause"] = d
		}
	}
	resultPath := c.ResultPath
	if resultPath == "" {
		resultPath = "$.error"
	}
	newCtx, err := path.Set(run.Context, resultPath, errTree)
	if err != nil {
		return e.failRun(ctx, run, asFlowError(err))
	}

	next := c.Next
	if err := e.casUpdate(ctx, run, store.RunUpdate{CurrentState: &next, Context: newCtx}); err != nil {
		return OutcomeError, err
	}
	e.appendEvent(ctx, run.ID, schema.EventStateFailed, cmd.State, map[string]any{
		"error":  code,
		"caught": true,
		"next":   next,
	})
	run.CurrentState = next
	run.Context = newCtx
	run.Version++
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventStateFailed, Run: run, StateName: cmd.State, Payload: code})
	return OutcomeContinue, nil
}

// executeToolWithRetry invokes the tool, honoring the state's declared retry
// policies with backoff. It returns the final result or the last failure.
func (e *Engine) executeToolWithRetry(ctx context.Context, state *schema.State, resource string, input map[string]any, timeoutSeconds int) (map[string]any, *schema.FlowError) {
	tool, err := e.tools.Get(resource)
	if err != nil {
		return nil, asFlowError(err)
	}

	attempt := 0
	for {
		result, ferr := e.invokeTool(ctx, tool, input, timeoutSeconds)
		if ferr == nil {
			return result, nil
		}

		policy := selectRetryPolicy(state.Retry, ferr.Code)
		if policy == nil || attempt+1 >= policy.MaxAttempts {
			return nil, ferr
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").WithCause(err)
		}
		attempt++
	}
}

func (e *Engine) invokeTool(ctx context.Context, tool tools.Tool, input map[string]any, timeoutSeconds int) (map[string]any, *schema.FlowError) {
	timeout := e.cfg.InlineTaskTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := tool.Execute(tctx, input)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"tool %q timed out after %s", tool.Name(), timeout).WithCause(err)
		}
		return nil, asFlowError(err)
	}
	if msg, ok := result["error"]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed, "tool %q reported: %v", tool.Name(), msg).
			WithDetails(map[string]any{"result": result})
	}
	return result, nil
}

// latestTask returns the most recent task attempt for (run, state), or nil.
func (e *Engine) latestTask(ctx context.Context, runID, stateName string) (*store.ActivityTask, error) {
	all, err := e.store.ListTasksByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var latest *store.ActivityTask
	for _, t := range all {
		if t.StateName != stateName {
			continue
		}
		if latest == nil || t.Attempt > latest.Attempt ||
			(t.Attempt == latest.Attempt && t.ScheduledAt.After(latest.ScheduledAt)) {
			latest = t
		}
	}
	return latest, nil
}

// --- wait states ---

func (e *Engine) stepWaitState(ctx context.Context, run *store.Run, cmd *stepper.Command) (Outcome, error) {
	now := time.Now().UTC()
	fireAt := now.Add(time.Duration(cmd.WaitSeconds) * time.Second)
	if cmd.WaitUntil != nil {
		fireAt = cmd.WaitUntil.UTC()
	}

	// A wait that is already due transitions without a durable timer.
	if !fireAt.After(now) {
		return e.completeState(ctx, run, cmd, run.Context, nil)
	}

	// Idempotent per (run, state): re-entering the wait never duplicates a
	// live timer.
	existing, err := e.store.FindLiveTimer(ctx, run.ID, cmd.State)
	if err != nil {
		return OutcomeError, err
	}
	if existing != nil {
		return OutcomePaused, nil
	}

	timer := &store.Timer{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		StateName: cmd.State,
		FireAt:    fireAt,
		Status:    schema.TimerStatusScheduled,
		CreatedAt: now,
	}
	if err := e.store.CreateTimer(ctx, timer); err != nil {
		return OutcomeError, err
	}
	e.appendEvent(ctx, run.ID, schema.EventTimerScheduled, cmd.State, map[string]any{
		"timer_id": timer.ID,
		"fire_at":  fireAt.Format(time.RFC3339),
	})
	e.hooks.Dispatch(ctx, HookEvent{Type: schema.EventTimerScheduled, Run: run, StateName: cmd.State, Payload: timer.ID})
	return OutcomePaused, nil
}

// --- parallel and map states ---

// runBranches executes each branch sub-machine inline over an isolated copy
// of the context, bounded by the branch concurrency, and returns the branch
// outputs in declaration order.
func (e *Engine) runBranches(ctx context.Context, branches []*schema.WorkflowDefinition, tree map[string]any) ([]any, error) {
	results := make([]any, len(branches))
	errs := make([]error, len(branches))

	pool := NewWorkerPool(e.cfg.BranchConcurrency)
	for i, branch := range branches {
		i, branch := i, branch
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			out, err := e.runInline(ctx, branch, path.DeepCopy(tree))
			results[i] = out
			errs[i] = err
			return err
		}); err != nil {
			errs[i] = err
		}
	}
	pool.Wait()
	pool.Shutdown()

	for i, err := range errs {
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"branch %d: %s", i, err.Error()).WithCause(err)
		}
	}
	return results, nil
}

// runMapItems executes the iterator once per item. Each iteration sees a
// copy of the parent context with item and index set.
func (e *Engine) runMapItems(ctx context.Context, iterator *schema.WorkflowDefinition, items []any, tree map[string]any) ([]any, error) {
	if iterator == nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "map state has no iterator")
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	pool := NewWorkerPool(e.cfg.BranchConcurrency)
	for i, item := range items {
		i, item := i, item
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			iterTree := path.DeepCopy(tree)
			if iterTree == nil {
				iterTree = map[string]any{}
			}
			iterTree["item"] = item
			iterTree["index"] = i
			out, err := e.runInline(ctx, iterator, iterTree)
			results[i] = out
			errs[i] = err
			return err
		}); err != nil {
			errs[i] = err
		}
	}
	pool.Wait()
	pool.Shutdown()

	for i, err := range errs {
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"item %d: %s", i, err.Error()).WithCause(err)
		}
	}
	return results, nil
}

// collectBranchResults places the collected outputs at the state's
// result_path ($.result by default) and transitions out of the state.
func (e *Engine) collectBranchResults(ctx context.Context, run *store.Run, state *schema.State, cmd *stepper.Command, results []any) (Outcome, error) {
	resultPath := state.ResultPath
	if resultPath == "" {
		resultPath = "$.result"
	}
	newCtx, err := path.Set(run.Context, resultPath, results)
	if err != nil {
		return e.failRun(ctx, run, asFlowError(err))
	}
	return e.completeState(ctx, run, cmd, newCtx, results)
}

// runInline interprets a whole sub-machine in memory: branches never touch
// the store, and their task states always execute inline.
func (e *Engine) runInline(ctx context.Context, def *schema.WorkflowDefinition, tree map[string]any) (any, error) {
	if tree == nil {
		tree = map[string]any{}
	}
	current := def.StartAt

	for steps := 0; steps < maxInlineSteps; steps++ {
		cmd, err := e.stepper.StepOnce(ctx, def, current, tree)
		if err != nil {
			return nil, err
		}
		state := def.States[current]

		switch cmd.Type {
		case stepper.CommandSucceed:
			return normalizeTree(cmd.Output, tree), nil

		case stepper.CommandFail:
			code := cmd.Error
			if code == "" {
				code = schema.ErrCodeExecution
			}
			return nil, schema.NewError(code, cmd.Cause).WithState(cmd.State)

		case stepper.CommandPass:
			tree = normalizeTree(cmd.Output, tree)
			current = cmd.Next

		case stepper.CommandTransition:
			current = cmd.Next

		case stepper.CommandWait:
			d := time.Duration(cmd.WaitSeconds) * time.Second
			if cmd.WaitUntil != nil {
				d = time.Until(*cmd.WaitUntil)
			}
			if err := WaitForBackoff(ctx, d); err != nil {
				return nil, err
			}
			if cmd.End {
				return tree, nil
			}
			current = cmd.Next

		case stepper.CommandExecuteTask:
			input, err := e.shaper.TaskInput(state, tree)
			if err != nil {
				return nil, err
			}
			result, ferr := e.executeToolWithRetry(ctx, state, cmd.Resource, input, cmd.TimeoutSeconds)
			if ferr != nil {
				c := selectCatchPolicy(state.Catch, ferr.Code)
				if c == nil {
					return nil, ferr
				}
				resultPath := c.ResultPath
				if resultPath == "" {
					resultPath = "$.error"
				}
				tree, err = path.Set(tree, resultPath, map[string]any{"error": ferr.Code})
				if err != nil {
					return nil, err
				}
				current = c.Next
				continue
			}
			tree, err = e.shaper.TaskResult(ctx, state, tree, anyTree(result))
			if err != nil {
				return nil, err
			}
			if cmd.End {
				return tree, nil
			}
			current = cmd.Next

		case stepper.CommandParallel:
			results, err := e.runBranches(ctx, cmd.Branches, tree)
			if err != nil {
				return nil, err
			}
			tree, err = setBranchResults(tree, state, results)
			if err != nil {
				return nil, err
			}
			if cmd.End {
				return tree, nil
			}
			current = cmd.Next

		case stepper.CommandMap:
			results, err := e.runMapItems(ctx, cmd.Iterator, cmd.Items, tree)
			if err != nil {
				return nil, err
			}
			tree, err = setBranchResults(tree, state, results)
			if err != nil {
				return nil, err
			}
			if cmd.End {
				return tree, nil
			}
			current = cmd.Next

		default:
			return nil, schema.NewErrorf(schema.ErrCodeUnsupportedState,
				"unsupported command %q", cmd.Type).WithState(cmd.State)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"sub-machine exceeded %d steps", maxInlineSteps)
}

func setBranchResults(tree map[string]any, state *schema.State, results []any) (map[string]any, error) {
	resultPath := state.ResultPath
	if resultPath == "" {
		resultPath = "$.result"
	}
	return path.Set(tree, resultPath, results)
}

// --- helpers ---

func (e *Engine) casUpdate(ctx context.Context, run *store.Run, update store.RunUpdate) error {
	ok, err := e.store.UpdateRunIfVersion(ctx, run.ID, update, run.Version)
	if err != nil {
		return err
	}
	if !ok {
		return errVersionConflict
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, runID, eventType, stateName string, attributes map[string]any) {
	if err := e.events.Append(ctx, runID, eventType, stateName, attributes); err != nil {
		e.logger.ErrorContext(ctx, "failed to append event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

func (e *Engine) appendBatch(ctx context.Context, runID string, events ...*store.Event) {
	if err := e.events.AppendBatch(ctx, events); err != nil {
		e.logger.ErrorContext(ctx, "failed to append events",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

func mustEvent(runID, eventType, stateName string, attributes map[string]any) *store.Event {
	event, err := store.NewEvent(runID, eventType, stateName, attributes)
	if err != nil {
		event, _ = store.NewEvent(runID, eventType, stateName, nil)
	}
	return event
}

func terminalOutcome(status schema.RunStatus) Outcome {
	if status == schema.RunStatusCompleted {
		return OutcomeFinished
	}
	return OutcomeError
}

// normalizeTree coerces a step output into a context tree: a mapping is used
// as-is, nil keeps the previous tree, and a scalar lands under result.
func normalizeTree(v any, fallback map[string]any) map[string]any {
	switch m := v.(type) {
	case nil:
		return fallback
	case map[string]any:
		return m
	default:
		return map[string]any{"result": m}
	}
}

func anyTree(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func asFlowError(err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
