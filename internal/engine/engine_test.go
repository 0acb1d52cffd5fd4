package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/expressions"
	"github.com/rendis/stateflow/internal/stepper"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/tools"
	"github.com/rendis/stateflow/pkg/schema"
)

type harness struct {
	engine   *Engine
	store    *store.MemoryStore
	registry *tools.Registry
	events   *store.EventLog
}

func newHarness(t *testing.T, mode Mode, extraHooks ...Hook) *harness {
	t.Helper()

	st := store.NewMemoryStore()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	stp := stepper.New(cel, expressions.NewExprEngine())
	sh := stepper.NewShaper(expressions.NewGoJQEngine())

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.NewEchoTool()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := NewDispatcher(logger, extraHooks...)
	eng := New(st, stp, sh, registry, dispatcher, logger, Config{Mode: mode})

	return &harness{
		engine:   eng,
		store:    st,
		registry: registry,
		events:   store.NewEventLog(st),
	}
}

func (h *harness) mustDefine(t *testing.T, id, definitionJSON string) {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(definitionJSON))
	require.NoError(t, err)
	require.NoError(t, h.store.CreateDefinition(context.Background(), &store.DefinitionRecord{
		ID:         id,
		Name:       id,
		Version:    1,
		Definition: *def,
	}))
}

func (h *harness) mustStart(t *testing.T, definitionID string, input map[string]any) *store.Run {
	t.Helper()
	run, err := h.engine.StartRun(context.Background(), definitionID, input)
	require.NoError(t, err)
	return run
}

type stubTool struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (s *stubTool) Name() string { return s.name }
func (s *stubTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return s.fn(ctx, params)
}

func TestAdvanceRun_TerminalPass(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "pass", "result": {"msg": "done"}, "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"msg": "done"}, got.Context)
	require.NotNil(t, got.CompletedAt)
}

func TestAdvanceRun_DeferredTaskPausesWithOneTask(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "echo", "end": true}}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"n": 1.0})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.TaskStatusScheduled, tasks[0].Status)
	assert.Equal(t, "S1", tasks[0].StateName)
	assert.Equal(t, "echo", tasks[0].ActivityType)
	assert.Equal(t, map[string]any{"n": 1.0}, tasks[0].Input)
}

func TestAdvanceRun_IdempotentResume(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "echo", "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	// Redundant advances never schedule a second task.
	for i := 0; i < 3; i++ {
		outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomePaused, outcome)
	}

	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestAdvanceRun_ChoiceFallsBackToDefault(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "route",
		"states": {
			"route": {
				"type": "choice",
				"choices": [{"variable": "$.n", "string_equals": "x", "next": "A"}],
				"default": "B"
			},
			"A": {"type": "pass", "result": {"took": "A"}, "end": true},
			"B": {"type": "pass", "result": {"took": "B"}, "end": true}
		}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"n": "y"})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"took": "B"}, got.Context)
}

func TestAdvanceRun_NoMatchingChoiceFailsRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "route",
		"states": {
			"route": {
				"type": "choice",
				"choices": [{"variable": "$.n", "string_equals": "x", "next": "A"}]
			},
			"A": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"n": "y"})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), schema.ErrCodeNoMatchingChoice)
}

func TestAdvanceRun_InlineTask(t *testing.T) {
	h := newHarness(t, ModeInline)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {
			"S1": {"type": "task", "resource": "echo", "parameters": {"greeting": "hi"}, "next": "done"},
			"done": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"n": 1.0})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, "hi", got.Context["greeting"])

	// Inline mode never creates durable tasks.
	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAdvanceRun_InlineTaskFailureWithCatch(t *testing.T) {
	h := newHarness(t, ModeInline)
	require.NoError(t, h.registry.Register(&stubTool{
		name: "boom",
		fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"error": "boom"}, nil
		},
	}))
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {
			"S1": {
				"type": "task", "resource": "boom", "next": "unreached",
				"catch": [{"error_equals": ["TASK_FAILED"], "next": "cleanup"}]
			},
			"unreached": {"type": "succeed"},
			"cleanup": {"type": "pass", "result": {"recovered": true}, "end": true}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"recovered": true}, got.Context)
}

func TestAdvanceRun_InlineTaskFailureWithoutCatch(t *testing.T) {
	h := newHarness(t, ModeInline)
	require.NoError(t, h.registry.Register(&stubTool{
		name: "boom",
		fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"error": "boom"}, nil
		},
	}))
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "boom", "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), schema.ErrCodeTaskFailed)
}

func TestAdvanceRun_FailState(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "fail", "error": "BUSINESS_ERROR", "cause": "out of stock"}}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), "BUSINESS_ERROR")
}

func TestAdvanceRun_WaitZeroSecondsTransitionsImmediately(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "W",
		"states": {
			"W": {"type": "wait", "seconds": 0, "next": "done"},
			"done": {"type": "pass", "result": {"ok": true}, "end": true}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
}

func TestAdvanceRun_WaitSchedulesDurableTimer(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "W",
		"states": {
			"W": {"type": "wait", "seconds": 3600, "next": "done"},
			"done": {"type": "pass", "result": {"ok": true}, "end": true}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)

	timer, err := h.store.FindLiveTimer(context.Background(), run.ID, "W")
	require.NoError(t, err)
	require.NotNil(t, timer)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), timer.FireAt, 5*time.Second)

	// Re-entering the wait never duplicates the timer.
	outcome, err = h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	again, err := h.store.FindLiveTimer(context.Background(), run.ID, "W")
	require.NoError(t, err)
	assert.Equal(t, timer.ID, again.ID)
}

func TestOnTimerFired_ResumesPastWait(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "W",
		"states": {
			"W": {"type": "wait", "seconds": 3600, "next": "done"},
			"done": {"type": "pass", "result": {"ok": true}, "end": true}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)

	outcome, err = h.engine.OnTimerFired(context.Background(), run.ID, "W")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"ok": true}, got.Context)
}

func TestOnTimerFired_StaleTimerIsNoOp(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "pass", "result": {"msg": "done"}, "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	outcome, err := h.engine.OnTimerFired(context.Background(), run.ID, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
}

func TestAdvanceRun_ParallelCollectsBranchResults(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "par",
		"states": {
			"par": {
				"type": "parallel",
				"branches": [
					{"start_at": "a", "states": {"a": {"type": "pass", "result": {"branch": "a"}, "end": true}}},
					{"start_at": "b", "states": {"b": {"type": "pass", "result": {"branch": "b"}, "end": true}}}
				],
				"result_path": "$.branches",
				"next": "done"
			},
			"done": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	branches, ok := got.Context["branches"].([]any)
	require.True(t, ok, "context: %+v", got.Context)
	require.Len(t, branches, 2)
	assert.Equal(t, map[string]any{"branch": "a"}, branches[0])
	assert.Equal(t, map[string]any{"branch": "b"}, branches[1])
}

func TestAdvanceRun_ParallelBranchFailureFailsRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "par",
		"states": {
			"par": {
				"type": "parallel",
				"branches": [
					{"start_at": "a", "states": {"a": {"type": "fail", "error": "BOOM"}}}
				],
				"end": true
			}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
}

func TestAdvanceRun_MapIteratesItems(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "each",
		"states": {
			"each": {
				"type": "map",
				"items_path": "$.items",
				"iterator": {
					"start_at": "tag",
					"states": {"tag": {"type": "pass", "result": {"tagged": "$.item"}, "end": true}}
				},
				"result_path": "$.out",
				"next": "done"
			},
			"done": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"items": []any{"x", "y"}})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	out, ok := got.Context["out"].([]any)
	require.True(t, ok, "context: %+v", got.Context)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"tagged": "x"}, out[0])
	assert.Equal(t, map[string]any{"tagged": "y"}, out[1])
}

func TestCancel_MarksRunTasksAndTimers(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "echo", "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(context.Background(), run.ID))

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, got.Status)

	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.TaskStatusCancelled, tasks[0].Status)

	// Idempotent on an already-cancelled run.
	require.NoError(t, h.engine.Cancel(context.Background(), run.ID))
}

func TestCancel_RejectsCompletedRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "pass", "result": {"msg": "done"}, "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	err = h.engine.Cancel(context.Background(), run.ID)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestAdvanceRun_EventOrdering(t *testing.T) {
	h := newHarness(t, ModeInline)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {
			"S1": {"type": "pass", "result": {"a": 1}, "next": "S2"},
			"S2": {"type": "task", "resource": "echo", "next": "done"},
			"done": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	events, err := h.events.ListByRun(context.Background(), run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.EventID)
	}
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunSucceeded, events[len(events)-1].Type)
}

func TestAdvanceRun_ReplayEquivalence(t *testing.T) {
	h := newHarness(t, ModeInline)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {
			"S1": {"type": "pass", "result": {"a": 1}, "next": "S2"},
			"S2": {"type": "task", "resource": "echo", "next": "done"},
			"done": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"seed": true})

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)

	_, replayStatus, err := h.events.ReplayRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Status, replayStatus)
}

func TestAdvanceRun_CASConflictReloadsAndRetries(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "pass", "result": {"msg": "done"}, "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	conflicting := &conflictingStore{Store: h.store, rejections: 2}
	eng := New(conflicting, h.engine.stepper, h.engine.shaper, h.registry, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: ModeDeferred})

	outcome, err := eng.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFinished, outcome)
	assert.Zero(t, conflicting.rejections)
}

// conflictingStore rejects the first N CAS updates to exercise the
// reload-and-retry path.
type conflictingStore struct {
	store.Store
	rejections int
}

func (c *conflictingStore) UpdateRunIfVersion(ctx context.Context, id string, update store.RunUpdate, expected int64) (bool, error) {
	if c.rejections > 0 {
		c.rejections--
		return false, nil
	}
	return c.Store.UpdateRunIfVersion(ctx, id, update, expected)
}
