package store

import (
	"context"
	"time"
)

// DefinitionStore persists immutable workflow definitions.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *DefinitionRecord) error
	GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context, limit int) ([]*DefinitionRecord, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// RunStore persists workflow runs. All mutations go through
// UpdateRunIfVersion; there is deliberately no unconditional update.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRunIfVersion applies the update and increments the version iff
	// the stored version equals expected. Returns false (and no mutation)
	// on a version mismatch.
	UpdateRunIfVersion(ctx context.Context, id string, update RunUpdate, expected int64) (bool, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
}

// TaskStore persists activity tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *ActivityTask) error
	GetTaskByToken(ctx context.Context, token string) (*ActivityTask, error)
	// UpdateTask applies the update; a status change must be a legal
	// lifecycle transition or the call fails with INVALID_TRANSITION.
	UpdateTask(ctx context.Context, token string, update TaskUpdate) error
	// ClaimScheduledTasks atomically moves up to limit due scheduled tasks
	// to running and returns them. A task is due when not_before <= now.
	ClaimScheduledTasks(ctx context.Context, limit int, now time.Time) ([]*ActivityTask, error)
	ListTasksByRun(ctx context.Context, runID string) ([]*ActivityTask, error)
	// FindLiveTask returns the non-terminal task for (run, state), or nil
	// when there is none.
	FindLiveTask(ctx context.Context, runID, stateName string) (*ActivityTask, error)
	// CancelLiveTasks marks every non-terminal task of the run cancelled.
	CancelLiveTasks(ctx context.Context, runID string) error
}

// TimerStore persists durable timers.
type TimerStore interface {
	CreateTimer(ctx context.Context, timer *Timer) error
	GetTimer(ctx context.Context, id string) (*Timer, error)
	// ClaimDueTimer compare-and-sets the timer from scheduled to fired.
	// Returns false when the timer was already claimed or cancelled.
	ClaimDueTimer(ctx context.Context, id string, now time.Time) (bool, error)
	ListDueTimers(ctx context.Context, cutoff time.Time, limit int) ([]*Timer, error)
	// FindLiveTimer returns the scheduled timer for (run, state), or nil
	// when there is none.
	FindLiveTimer(ctx context.Context, runID, stateName string) (*Timer, error)
	// CancelLiveTimers marks every scheduled timer of the run cancelled.
	CancelLiveTimers(ctx context.Context, runID string) error
}

// EventStore is the append-only per-run event log. The store assigns
// EventID: monotonically increasing per run, starting at 1.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	AppendEvents(ctx context.Context, events []*Event) error
	// ListEventsByRun returns unarchived events with event_id > since,
	// ordered by event_id ascending.
	ListEventsByRun(ctx context.Context, runID string, since int64) ([]*Event, error)
	LastEventID(ctx context.Context, runID string) (int64, error)
	// ArchiveEvents flags events with event_id <= before. Archived events
	// are excluded from listing but never deleted.
	ArchiveEvents(ctx context.Context, runID string, before int64) error
}

// ScheduleStore persists cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// Store is the full persistence contract. All implementations must be safe
// for concurrent use.
type Store interface {
	DefinitionStore
	RunStore
	TaskStore
	TimerStore
	EventStore
	ScheduleStore

	Migrate(ctx context.Context) error
	Close() error
}
