package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/pkg/schema"
)

// forEachStore runs the contract tests against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("libsql", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "stateflow.db")
		s, err := NewLibSQLStore("file:" + dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		require.NoError(t, s.Migrate(context.Background()))
		fn(t, s)
	})
}

func sampleDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		StartAt: "only",
		States: map[string]*schema.State{
			"only": {Type: schema.StateSucceed},
		},
	}
}

func TestStore_DefinitionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := &DefinitionRecord{ID: "def-1", Name: "billing", Version: 1, Definition: sampleDefinition()}
		require.NoError(t, s.CreateDefinition(ctx, def))

		got, err := s.GetDefinition(ctx, "def-1")
		require.NoError(t, err)
		assert.Equal(t, "billing", got.Name)
		assert.Equal(t, "only", got.Definition.StartAt)

		_, err = s.GetDefinition(ctx, "nope")
		require.Error(t, err)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeNotFound, fe.Code)

		require.NoError(t, s.DeleteDefinition(ctx, "def-1"))
		_, err = s.GetDefinition(ctx, "def-1")
		require.Error(t, err)
	})
}

func TestStore_RunVersionCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := &Run{
			ID:           "run-1",
			DefinitionID: "def-1",
			CurrentState: "only",
			Status:       schema.RunStatusRunning,
			Context:      map[string]any{"k": "v"},
		}
		require.NoError(t, s.CreateRun(ctx, run))

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.Version)

		next := "next-state"
		ok, err := s.UpdateRunIfVersion(ctx, "run-1", RunUpdate{CurrentState: &next}, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err = s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Version)
		assert.Equal(t, "next-state", got.CurrentState)

		// stale expected version: rejected, nothing mutated
		stale := "stale-write"
		ok, err = s.UpdateRunIfVersion(ctx, "run-1", RunUpdate{CurrentState: &stale}, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err = s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.Version)
		assert.Equal(t, "next-state", got.CurrentState)

		// missing run is an error, not a conflict
		_, err = s.UpdateRunIfVersion(ctx, "missing", RunUpdate{CurrentState: &next}, 1)
		require.Error(t, err)
	})
}

func TestStore_RunContextReplacedWholesale(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := &Run{ID: "run-ctx", DefinitionID: "d", CurrentState: "a",
			Status: schema.RunStatusRunning, Context: map[string]any{"old": true}}
		require.NoError(t, s.CreateRun(ctx, run))

		ok, err := s.UpdateRunIfVersion(ctx, "run-ctx",
			RunUpdate{Context: map[string]any{"new": "tree"}}, 1)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetRun(ctx, "run-ctx")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"new": "tree"}, got.Context)
	})
}

func TestStore_ListRunsByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, status := range []schema.RunStatus{
			schema.RunStatusRunning, schema.RunStatusRunning, schema.RunStatusCompleted,
		} {
			require.NoError(t, s.CreateRun(ctx, &Run{
				ID:           "run-" + string(rune('a'+i)),
				DefinitionID: "d",
				CurrentState: "s",
				Status:       status,
				Context:      map[string]any{},
			}))
		}

		running := schema.RunStatusRunning
		runs, err := s.ListRuns(ctx, RunFilter{Status: &running})
		require.NoError(t, err)
		assert.Len(t, runs, 2)

		runs, err = s.ListRuns(ctx, RunFilter{Status: &running, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}

func TestStore_TaskLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		task := &ActivityTask{
			TaskToken:    "tok-1",
			RunID:        "run-1",
			StateName:    "fetch",
			ActivityType: "http.request",
			Status:       schema.TaskStatusScheduled,
			Input:        map[string]any{"url": "https://example.com"},
		}
		require.NoError(t, s.CreateTask(ctx, task))

		got, err := s.GetTaskByToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, schema.TaskStatusScheduled, got.Status)

		// illegal jump scheduled -> completed
		completed := schema.TaskStatusCompleted
		err = s.UpdateTask(ctx, "tok-1", TaskUpdate{Status: &completed})
		require.Error(t, err)
		var fe *schema.FlowError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)

		running := schema.TaskStatusRunning
		require.NoError(t, s.UpdateTask(ctx, "tok-1", TaskUpdate{Status: &running}))
		require.NoError(t, s.UpdateTask(ctx, "tok-1", TaskUpdate{
			Status: &completed,
			Result: json.RawMessage(`{"code":200}`),
		}))

		got, err = s.GetTaskByToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, schema.TaskStatusCompleted, got.Status)
		assert.JSONEq(t, `{"code":200}`, string(got.Result))

		// terminal is final
		err = s.UpdateTask(ctx, "tok-1", TaskUpdate{Status: &running})
		require.Error(t, err)
	})
}

func TestStore_ClaimScheduledTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		for _, tok := range []string{"due-1", "due-2"} {
			require.NoError(t, s.CreateTask(ctx, &ActivityTask{
				TaskToken: tok, RunID: "r", StateName: tok, ActivityType: "echo",
				Status: schema.TaskStatusScheduled, ScheduledAt: now.Add(-time.Minute),
			}))
		}
		// retry-delayed task is not yet claimable
		require.NoError(t, s.CreateTask(ctx, &ActivityTask{
			TaskToken: "later", RunID: "r", StateName: "later", ActivityType: "echo",
			Status: schema.TaskStatusScheduled, ScheduledAt: now,
			NotBefore: now.Add(time.Hour),
		}))

		claimed, err := s.ClaimScheduledTasks(ctx, 10, now)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		for _, task := range claimed {
			assert.Equal(t, schema.TaskStatusRunning, task.Status)
			require.NotNil(t, task.StartedAt)
		}

		// a second claim finds nothing
		claimed, err = s.ClaimScheduledTasks(ctx, 10, now)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestStore_FindLiveTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		live, err := s.FindLiveTask(ctx, "r", "state")
		require.NoError(t, err)
		assert.Nil(t, live)

		require.NoError(t, s.CreateTask(ctx, &ActivityTask{
			TaskToken: "t1", RunID: "r", StateName: "state", ActivityType: "echo",
			Status: schema.TaskStatusScheduled,
		}))

		live, err = s.FindLiveTask(ctx, "r", "state")
		require.NoError(t, err)
		require.NotNil(t, live)
		assert.Equal(t, "t1", live.TaskToken)

		require.NoError(t, s.CancelLiveTasks(ctx, "r"))
		live, err = s.FindLiveTask(ctx, "r", "state")
		require.NoError(t, err)
		assert.Nil(t, live)
	})
}

func TestStore_TimerClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.CreateTimer(ctx, &Timer{
			ID: "tm-1", RunID: "r", StateName: "hold",
			FireAt: now.Add(-time.Second), Status: schema.TimerStatusScheduled,
		}))
		require.NoError(t, s.CreateTimer(ctx, &Timer{
			ID: "tm-2", RunID: "r", StateName: "hold2",
			FireAt: now.Add(time.Hour), Status: schema.TimerStatusScheduled,
		}))

		due, err := s.ListDueTimers(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "tm-1", due[0].ID)

		ok, err := s.ClaimDueTimer(ctx, "tm-1", now)
		require.NoError(t, err)
		assert.True(t, ok)

		// a fired timer cannot be claimed again
		ok, err = s.ClaimDueTimer(ctx, "tm-1", now)
		require.NoError(t, err)
		assert.False(t, ok)

		// a future timer cannot be claimed
		ok, err = s.ClaimDueTimer(ctx, "tm-2", now)
		require.NoError(t, err)
		assert.False(t, ok)

		live, err := s.FindLiveTimer(ctx, "r", "hold2")
		require.NoError(t, err)
		require.NotNil(t, live)

		require.NoError(t, s.CancelLiveTimers(ctx, "r"))
		live, err = s.FindLiveTimer(ctx, "r", "hold2")
		require.NoError(t, err)
		assert.Nil(t, live)
	})
}

func TestStore_EventIDsSequential(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEvent(ctx, &Event{
				RunID: "r", Type: schema.EventStateEntered, StateName: "s",
			}))
		}
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "other", Type: schema.EventRunStarted}))

		events, err := s.ListEventsByRun(ctx, "r", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.EqualValues(t, i+1, e.EventID)
		}

		last, err := s.LastEventID(ctx, "r")
		require.NoError(t, err)
		assert.EqualValues(t, 3, last)

		// per-run, not global
		last, err = s.LastEventID(ctx, "other")
		require.NoError(t, err)
		assert.EqualValues(t, 1, last)
	})
}

func TestStore_AppendEventsBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		batch := []*Event{
			{RunID: "r", Type: schema.EventRunStarted},
			{RunID: "r", Type: schema.EventStateEntered, StateName: "a"},
			{RunID: "r", Type: schema.EventStateFinished, StateName: "a"},
		}
		require.NoError(t, s.AppendEvents(ctx, batch))

		events, err := s.ListEventsByRun(ctx, "r", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.EqualValues(t, 1, events[0].EventID)
		assert.EqualValues(t, 3, events[2].EventID)
	})
}

func TestStore_ArchiveEventsExcludesFromListing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r", Type: schema.EventStateEntered}))
		}
		require.NoError(t, s.ArchiveEvents(ctx, "r", 2))

		events, err := s.ListEventsByRun(ctx, "r", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.EqualValues(t, 3, events[0].EventID)

		// archival does not reset the id sequence
		last, err := s.LastEventID(ctx, "r")
		require.NoError(t, err)
		assert.EqualValues(t, 4, last)
	})
}

func TestStore_ScheduleRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sched := &Schedule{
			ID: "sch-1", DefinitionID: "def-1", CronExpr: "*/5 * * * *",
			Input: map[string]any{"source": "cron"}, Enabled: true,
		}
		require.NoError(t, s.CreateSchedule(ctx, sched))

		got, err := s.GetSchedule(ctx, "sch-1")
		require.NoError(t, err)
		assert.True(t, got.Enabled)
		assert.Equal(t, "*/5 * * * *", got.CronExpr)

		next := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)
		disabled := false
		require.NoError(t, s.UpdateSchedule(ctx, "sch-1", ScheduleUpdate{
			Enabled: &disabled, NextRunAt: &next,
		}))

		got, err = s.GetSchedule(ctx, "sch-1")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		require.NotNil(t, got.NextRunAt)

		enabled := true
		scheds, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, scheds)

		require.NoError(t, s.DeleteSchedule(ctx, "sch-1"))
		_, err = s.GetSchedule(ctx, "sch-1")
		require.Error(t, err)
	})
}
