package schema

// Event type constants for the per-run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStateEntered  = "state_entered"
	EventStateFinished = "state_finished"
	EventStateFailed   = "state_failed"

	EventTaskScheduled = "activity_task_scheduled"
	EventTaskStarted   = "activity_task_started"
	EventTaskCompleted = "activity_task_completed"
	EventTaskFailed    = "activity_task_failed"
	EventTaskRetrying  = "activity_task_retrying"
	EventTaskTimedOut  = "activity_task_timed_out"

	EventTimerScheduled = "timer_scheduled"
	EventTimerFired     = "timer_fired"
	EventTimerCancelled = "timer_cancelled"

	EventControlSignal = "control_signal"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the lifecycle state of an activity task.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TimerStatus represents the lifecycle state of a durable timer.
type TimerStatus string

const (
	TimerStatusScheduled TimerStatus = "scheduled"
	TimerStatusFired     TimerStatus = "fired"
	TimerStatusCancelled TimerStatus = "cancelled"
)

// ValidTaskTransitions defines the allowed status transitions for activity tasks.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusScheduled: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// CanTransitionTask reports whether a task status transition is allowed.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
