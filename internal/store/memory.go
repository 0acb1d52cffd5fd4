package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// MemoryStore is an in-memory Store implementation for tests and embedded
// single-process runs. It honors the same contracts as the libSQL store:
// version-CAS on runs, lifecycle transitions on tasks, gap-free per-run
// event ids.
type MemoryStore struct {
	mu sync.Mutex

	definitions map[string]*DefinitionRecord
	runs        map[string]*Run
	tasks       map[string]*ActivityTask
	timers      map[string]*Timer
	events      map[string][]*Event
	schedules   map[string]*Schedule
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*DefinitionRecord),
		runs:        make(map[string]*Run),
		tasks:       make(map[string]*ActivityTask),
		timers:      make(map[string]*Timer),
		events:      make(map[string][]*Event),
		schedules:   make(map[string]*Schedule),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *DefinitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[def.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %q already exists", def.ID)
	}
	d := *def
	d.CreatedAt = timeOrNow(def.CreatedAt)
	s.definitions[def.ID] = &d
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.definitions[id]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, limit int) ([]*DefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var defs []*DefinitionRecord
	for _, d := range s.definitions {
		cp := *d
		defs = append(defs, &cp)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].CreatedAt.After(defs[j].CreatedAt) })
	if limit > 0 && len(defs) > limit {
		defs = defs[:limit]
	}
	return defs, nil
}

func (s *MemoryStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return storeNotFound("definition", id)
	}
	delete(s.definitions, id)
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	r := cloneRun(run)
	r.CreatedAt = timeOrNow(run.CreatedAt)
	r.UpdatedAt = timeOrNow(run.UpdatedAt)
	s.runs[run.ID] = r
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) UpdateRunIfVersion(ctx context.Context, id string, update RunUpdate, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return false, storeNotFound("run", id)
	}
	if r.Version != expected {
		return false, nil
	}
	if update.CurrentState != nil {
		r.CurrentState = *update.CurrentState
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.Context != nil {
		r.Context = cloneTree(update.Context)
	}
	if update.Output != nil {
		r.Output = append([]byte(nil), update.Output...)
	}
	if update.Error != nil {
		r.Error = append([]byte(nil), update.Error...)
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		r.CompletedAt = &t
	}
	r.Version++
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []*Run
	for _, r := range s.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != "" && r.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.ShardID != nil && r.ShardID != *filter.ShardID {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		runs = append(runs, cloneRun(r))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return storeNotFound("run", id)
	}
	delete(s.runs, id)
	return nil
}

// --- Activity Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *ActivityTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskToken]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.TaskToken)
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	t := cloneTask(task)
	t.ScheduledAt = timeOrNow(task.ScheduledAt)
	if t.NotBefore.IsZero() {
		t.NotBefore = t.ScheduledAt
	}
	s.tasks[task.TaskToken] = t
	return nil
}

func (s *MemoryStore) GetTaskByToken(ctx context.Context, token string) (*ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[token]
	if !ok {
		return nil, storeNotFound("activity_task", token)
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, token string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[token]
	if !ok {
		return storeNotFound("activity_task", token)
	}
	if update.Status != nil {
		if !schema.CanTransitionTask(t.Status, *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"activity task %s cannot move %s -> %s", token, t.Status, *update.Status)
		}
		t.Status = *update.Status
	}
	if update.Result != nil {
		t.Result = append([]byte(nil), update.Result...)
	}
	if update.Error != nil {
		t.Error = *update.Error
	}
	if update.ErrorDetails != nil {
		t.ErrorDetails = append([]byte(nil), update.ErrorDetails...)
	}
	if update.StartedAt != nil {
		ts := *update.StartedAt
		t.StartedAt = &ts
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		t.CompletedAt = &ts
	}
	return nil
}

func (s *MemoryStore) ClaimScheduledTasks(ctx context.Context, limit int, now time.Time) ([]*ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	var due []*ActivityTask
	for _, t := range s.tasks {
		if t.Status == schema.TaskStatusScheduled && !t.NotBefore.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	if len(due) > limit {
		due = due[:limit]
	}
	var claimed []*ActivityTask
	for _, t := range due {
		t.Status = schema.TaskStatusRunning
		started := now
		t.StartedAt = &started
		claimed = append(claimed, cloneTask(t))
	}
	return claimed, nil
}

func (s *MemoryStore) ListTasksByRun(ctx context.Context, runID string) ([]*ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []*ActivityTask
	for _, t := range s.tasks {
		if t.RunID == runID {
			tasks = append(tasks, cloneTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt) })
	return tasks, nil
}

func (s *MemoryStore) FindLiveTask(ctx context.Context, runID, stateName string) (*ActivityTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.RunID == runID && t.StateName == stateName && !t.Status.Terminal() {
			return cloneTask(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CancelLiveTasks(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range s.tasks {
		if t.RunID == runID && !t.Status.Terminal() {
			t.Status = schema.TaskStatusCancelled
			ts := now
			t.CompletedAt = &ts
		}
	}
	return nil
}

// --- Timers ---

func (s *MemoryStore) CreateTimer(ctx context.Context, timer *Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timer.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "timer %q already exists", timer.ID)
	}
	t := *timer
	t.CreatedAt = timeOrNow(timer.CreatedAt)
	s.timers[timer.ID] = &t
	return nil
}

func (s *MemoryStore) GetTimer(ctx context.Context, id string) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return nil, storeNotFound("timer", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ClaimDueTimer(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false, storeNotFound("timer", id)
	}
	if t.Status != schema.TimerStatusScheduled || t.FireAt.After(now) {
		return false, nil
	}
	t.Status = schema.TimerStatusFired
	fired := now
	t.FiredAt = &fired
	return true, nil
}

func (s *MemoryStore) ListDueTimers(ctx context.Context, cutoff time.Time, limit int) ([]*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Timer
	for _, t := range s.timers {
		if t.Status == schema.TimerStatusScheduled && !t.FireAt.After(cutoff) {
			cp := *t
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) FindLiveTimer(ctx context.Context, runID, stateName string) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if t.RunID == runID && t.StateName == stateName && t.Status == schema.TimerStatusScheduled {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CancelLiveTimers(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		if t.RunID == runID && t.Status == schema.TimerStatusScheduled {
			t.Status = schema.TimerStatusCancelled
		}
	}
	return nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(event)
	return nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.appendEventLocked(e)
	}
	return nil
}

func (s *MemoryStore) appendEventLocked(event *Event) {
	log := s.events[event.RunID]
	event.EventID = int64(len(log)) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Attributes = append([]byte(nil), event.Attributes...)
	s.events[event.RunID] = append(log, &cp)
}

func (s *MemoryStore) ListEventsByRun(ctx context.Context, runID string, since int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*Event
	for _, e := range s.events[runID] {
		if e.EventID > since && !e.Archived {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (s *MemoryStore) LastEventID(ctx context.Context, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[runID])), nil
}

func (s *MemoryStore) ArchiveEvents(ctx context.Context, runID string, before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[runID] {
		if e.EventID <= before {
			e.Archived = true
		}
	}
	return nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	cp := *sched
	cp.Input = cloneTree(sched.Input)
	cp.CreatedAt = timeOrNow(sched.CreatedAt)
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	cp := *sched
	cp.Input = cloneTree(sched.Input)
	return &cp, nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.CronExpr != nil {
		sched.CronExpr = *update.CronExpr
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		sched.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sched.NextRunAt = &t
	}
	return nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scheds []*Schedule
	for _, sched := range s.schedules {
		if filter.Enabled != nil && sched.Enabled != *filter.Enabled {
			continue
		}
		if filter.DefinitionID != "" && sched.DefinitionID != filter.DefinitionID {
			continue
		}
		cp := *sched
		cp.Input = cloneTree(sched.Input)
		scheds = append(scheds, &cp)
	}
	sort.Slice(scheds, func(i, j int) bool { return scheds[i].CreatedAt.Before(scheds[j].CreatedAt) })
	if filter.Limit > 0 && len(scheds) > filter.Limit {
		scheds = scheds[:filter.Limit]
	}
	return scheds, nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

// --- clone helpers ---

func cloneRun(r *Run) *Run {
	cp := *r
	cp.Context = cloneTree(r.Context)
	cp.Input = cloneTree(r.Input)
	cp.Output = append([]byte(nil), r.Output...)
	cp.Error = append([]byte(nil), r.Error...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneTask(t *ActivityTask) *ActivityTask {
	cp := *t
	cp.Input = cloneTree(t.Input)
	cp.Result = append([]byte(nil), t.Result...)
	cp.ErrorDetails = append([]byte(nil), t.ErrorDetails...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func cloneTree(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			cp[k] = cloneTree(val)
		case []any:
			list := make([]any, len(val))
			copy(list, val)
			cp[k] = list
		default:
			cp[k] = v
		}
	}
	return cp
}

var _ Store = (*MemoryStore)(nil)
