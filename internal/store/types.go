package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// DefinitionRecord is a stored, immutable workflow definition.
type DefinitionRecord struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Run is the persisted aggregate root of one workflow execution. It is
// mutated only through UpdateRunIfVersion; Version increments on every
// accepted mutation.
type Run struct {
	ID           string           `json:"id"`
	DefinitionID string           `json:"definition_id"`
	CurrentState string           `json:"current_state"`
	Status       schema.RunStatus `json:"status"`
	Context      map[string]any   `json:"context"`
	Input        map[string]any   `json:"input,omitempty"`
	Output       json.RawMessage  `json:"output,omitempty"`
	Error        json.RawMessage  `json:"error,omitempty"`
	Version      int64            `json:"version"`
	ShardID      int              `json:"shard_id"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RunUpdate specifies the mutable fields of a run. Nil fields are left
// untouched; Context replaces the whole tree when non-nil.
type RunUpdate struct {
	CurrentState *string           `json:"current_state,omitempty"`
	Status       *schema.RunStatus `json:"status,omitempty"`
	Context      map[string]any    `json:"context,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        json.RawMessage   `json:"error,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	DefinitionID string            `json:"definition_id,omitempty"`
	ShardID      *int              `json:"shard_id,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// ActivityTask is one dispatch attempt of a Task state. At most one
// non-terminal task may exist per (run_id, state_name).
type ActivityTask struct {
	TaskToken      string            `json:"task_token"`
	RunID          string            `json:"run_id"`
	StateName      string            `json:"state_name"`
	ActivityType   string            `json:"activity_type"`
	Status         schema.TaskStatus `json:"status"`
	Input          map[string]any    `json:"input,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	ErrorDetails   json.RawMessage   `json:"error_details,omitempty"`
	Attempt        int               `json:"attempt"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	NotBefore      time.Time         `json:"not_before"` // earliest claim time, pushed out by retry backoff
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the task admits no further transitions.
func (t *ActivityTask) Terminal() bool { return t.Status.Terminal() }

// TaskUpdate specifies the mutable fields of an activity task. A status
// change must be a legal lifecycle transition.
type TaskUpdate struct {
	Status       *schema.TaskStatus `json:"status,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Error        *string            `json:"error,omitempty"`
	ErrorDetails json.RawMessage    `json:"error_details,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// Timer is a durable record of a future wake-up for a Wait state. At most
// one live timer may exist per (run_id, state_name).
type Timer struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	StateName string             `json:"state_name"`
	FireAt    time.Time          `json:"fire_at"`
	Status    schema.TimerStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	FiredAt   *time.Time         `json:"fired_at,omitempty"`
}

// Event is an immutable entry in the per-run event log. EventID is assigned
// by the store: monotonically increasing per run, starting at 1, no gaps.
type Event struct {
	RunID      string          `json:"run_id"`
	EventID    int64           `json:"event_id"`
	Type       string          `json:"event_type"`
	StateName  string          `json:"state_name,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Archived   bool            `json:"archived,omitempty"`
}

// Schedule is a cron-triggered run starter for a stored definition.
type Schedule struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	CronExpr     string         `json:"cron_expr"`
	Input        map[string]any `json:"input,omitempty"`
	Enabled      bool           `json:"enabled"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ScheduleUpdate specifies the mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	CronExpr  *string    `json:"cron_expr,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
