package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/store"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string // definition IDs
	failAll bool
}

func (f *fakeStarter) StartRun(ctx context.Context, definitionID string, input map[string]any) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, assert.AnError
	}
	f.started = append(f.started, definitionID)
	return &store.Run{ID: "run-" + definitionID, DefinitionID: definitionID}, nil
}

func (f *fakeStarter) AdvanceRun(ctx context.Context, runID string) (engine.Outcome, error) {
	return engine.OutcomeFinished, nil
}

func (f *fakeStarter) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *fakeStarter) {
	t.Helper()
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(st, starter, logger, time.Minute), st, starter
}

func mustCreateSchedule(t *testing.T, st *store.MemoryStore, sched *store.Schedule) {
	t.Helper()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, st.CreateSchedule(context.Background(), sched))
}

func TestNextRun(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 10, 14, 29, 30, 0, time.UTC)

	next, err := s.NextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC), next)

	next, err = s.NextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("not a cron expr", from)
	assert.Error(t, err)
}

func TestTick_FiresDueSchedule(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "sch-1", DefinitionID: "wf", CronExpr: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	s.Tick(context.Background())

	assert.Equal(t, []string{"wf"}, starter.started)

	got, err := st.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTick_BootstrapsScheduleWithoutNextRun(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "sch-1", DefinitionID: "wf", CronExpr: "*/15 * * * *", Enabled: true,
	})

	s.Tick(context.Background())

	assert.Equal(t, 1, starter.startedCount())

	got, err := st.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
}

func TestTick_SkipsDisabledAndFutureSchedules(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "disabled", DefinitionID: "wf-a", CronExpr: "* * * * *",
		Enabled: false, NextRunAt: &past,
	})
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "future", DefinitionID: "wf-b", CronExpr: "* * * * *",
		Enabled: true, NextRunAt: &future,
	})

	s.Tick(context.Background())

	assert.Zero(t, starter.startedCount())
}

func TestTick_InFlightScheduleIsNotDoubleFired(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "sch-1", DefinitionID: "wf", CronExpr: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	require.True(t, s.tryAcquire("sch-1"))
	s.Tick(context.Background())
	assert.Zero(t, starter.startedCount())

	s.release("sch-1")
	// Reset next_run_at: the held tick never fired, so it is still due.
	got, err := st.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	require.True(t, got.NextRunAt.Before(time.Now().UTC()))

	s.Tick(context.Background())
	assert.Equal(t, 1, starter.startedCount())
}

func TestTick_AdvancesNextRunEvenWhenStartFails(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	starter.failAll = true
	past := time.Now().UTC().Add(-time.Minute)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "sch-1", DefinitionID: "wf", CronExpr: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	s.Tick(context.Background())

	got, err := st.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestRecoverMissed(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	missed := time.Now().UTC().Add(-2 * time.Hour)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "missed", DefinitionID: "wf-a", CronExpr: "0 * * * *",
		Enabled: true, NextRunAt: &missed,
	})
	// A schedule with no next_run_at is not "missed", just new.
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "new", DefinitionID: "wf-b", CronExpr: "0 * * * *", Enabled: true,
	})

	require.NoError(t, s.RecoverMissed(context.Background()))

	assert.Equal(t, []string{"wf-a"}, starter.started)

	got, err := st.GetSchedule(context.Background(), "missed")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestStartStop(t *testing.T) {
	s, st, starter := newTestScheduler(t)
	past := time.Now().UTC().Add(-time.Minute)
	mustCreateSchedule(t, st, &store.Schedule{
		ID: "sch-1", DefinitionID: "wf", CronExpr: "* * * * *",
		Enabled: true, NextRunAt: &past,
	})

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))

	// The initial tick fires the due schedule.
	assert.Eventually(t, func() bool { return starter.startedCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
