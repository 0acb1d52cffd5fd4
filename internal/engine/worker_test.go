package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

func newTestWorker(h *harness, cfg WorkerConfig) *ActivityWorker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewActivityWorker(h.store, h.registry, h.engine, logger, cfg)
}

func drainTick(w *ActivityWorker) {
	w.Tick(context.Background())
	w.Wait()
}

func eventTypes(t *testing.T, h *harness, runID string) []string {
	t.Helper()
	events, err := h.events.ListByRun(context.Background(), runID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestWorker_CompletesTaskAndAdvancesRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "echo", "end": true}}
	}`)
	run := h.mustStart(t, "wf", map[string]any{"n": 1.0})

	outcome, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, outcome)

	w := newTestWorker(h, WorkerConfig{})
	drainTick(w)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Context["n"])

	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, schema.TaskStatusCompleted, tasks[0].Status)

	assert.Contains(t, eventTypes(t, h, run.ID), schema.EventTaskCompleted)
}

func TestWorker_AppFailureFailsRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
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

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	w := newTestWorker(h, WorkerConfig{})
	drainTick(w)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), schema.ErrCodeTaskFailed)

	assert.Contains(t, eventTypes(t, h, run.ID), schema.EventTaskFailed)
}

func TestWorker_UnknownToolFailsRun(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "no.such.tool", "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	w := newTestWorker(h, WorkerConfig{})
	drainTick(w)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), schema.ErrCodeToolUnavailable)
}

func TestWorker_TimeoutFailsTask(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	require.NoError(t, h.registry.Register(&stubTool{
		name: "slow",
		fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {"S1": {"type": "task", "resource": "slow", "end": true}}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	w := newTestWorker(h, WorkerConfig{DefaultTaskTimeout: 50 * time.Millisecond})
	drainTick(w)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Contains(t, string(got.Error), schema.ErrCodeTimeout)
	assert.Contains(t, eventTypes(t, h, run.ID), schema.EventTaskTimedOut)
}

func TestWorker_RetrySchedulesNewAttemptWithBackoff(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	require.NoError(t, h.registry.Register(&stubTool{
		name: "flaky",
		fn: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"error": "transient"}, nil
		},
	}))
	h.mustDefine(t, "wf", `{
		"start_at": "S1",
		"states": {
			"S1": {
				"type": "task", "resource": "flaky", "end": true,
				"retry": [{"max_attempts": 2, "backoff": "constant", "delay": "1ms"}]
			}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	w := newTestWorker(h, WorkerConfig{})
	drainTick(w)

	// First attempt failed; a second attempt is scheduled, the run stays
	// running.
	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)

	tasks, err := h.store.ListTasksByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	var scheduled *store.ActivityTask
	for _, task := range tasks {
		if task.Status == schema.TaskStatusScheduled {
			scheduled = task
		}
	}
	require.NotNil(t, scheduled)
	assert.Equal(t, 2, scheduled.Attempt)
	assert.Contains(t, eventTypes(t, h, run.ID), schema.EventTaskRetrying)

	// Let the backoff elapse; the second failure exhausts the policy.
	time.Sleep(10 * time.Millisecond)
	drainTick(w)

	got, err = h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
}

func TestWorker_CatchRoutesDeferredFailure(t *testing.T) {
	h := newHarness(t, ModeDeferred)
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
				"catch": [{"error_equals": ["TASK_FAILED"], "result_path": "$.failure", "next": "cleanup"}]
			},
			"unreached": {"type": "succeed"},
			"cleanup": {"type": "succeed"}
		}
	}`)
	run := h.mustStart(t, "wf", nil)

	_, err := h.engine.AdvanceRun(context.Background(), run.ID)
	require.NoError(t, err)

	w := newTestWorker(h, WorkerConfig{})
	drainTick(w)

	got, err := h.engine.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)

	failure, ok := got.Context["failure"].(map[string]any)
	require.True(t, ok, "context: %+v", got.Context)
	assert.Equal(t, schema.ErrCodeTaskFailed, failure["error"])
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t, ModeDeferred)
	w := newTestWorker(h, WorkerConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
