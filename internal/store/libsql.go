package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stateflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *DefinitionRecord) error {
	raw, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (id, name, version, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, string(raw), timeOrNow(def.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error) {
	d := &DefinitionRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, definition, created_at FROM definitions WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Version, &defJSON, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, limit int) ([]*DefinitionRecord, error) {
	query := `SELECT id, name, version, definition, created_at FROM definitions ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*DefinitionRecord
	for rows.Next() {
		d := &DefinitionRecord{}
		var defJSON string
		if err := rows.Scan(&d.ID, &d.Name, &d.Version, &defJSON, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &d.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	contextJSON, err := marshalMapOrDefault(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	inputJSON, err := marshalMapOrDefault(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if run.Version == 0 {
		run.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, definition_id, current_state, status, context, input, output, error, version, shard_id, created_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.CurrentState, string(run.Status),
		string(contextJSON), string(inputJSON), nullRaw(run.Output), nullRaw(run.Error),
		run.Version, run.ShardID, timeOrNow(run.CreatedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, current_state, status, context, input, output, error, version, shard_id, created_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// UpdateRunIfVersion applies the update iff the stored version matches the
// expected one, incrementing the version in the same statement. This CAS is
// the only mutation path for runs.
func (s *LibSQLStore) UpdateRunIfVersion(ctx context.Context, id string, update RunUpdate, expected int64) (bool, error) {
	var sets []string
	var args []any

	if update.CurrentState != nil {
		sets = append(sets, "current_state = ?")
		args = append(args, *update.CurrentState)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		contextJSON, err := marshalMapOrDefault(update.Context)
		if err != nil {
			return false, fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(contextJSON))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expected)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a version conflict from a missing run.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, storeNotFound("run", id)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.ShardID != nil {
		where = append(where, "shard_id = ?")
		args = append(args, *filter.ShardID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, definition_id, current_state, status, context, input, output, error, version, shard_id, created_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status                 string
		contextJSON, inputJSON sql.NullString
		outputJSON, errorJSON  sql.NullString
		completedAt            sql.NullTime
	)
	err := row.Scan(&run.ID, &run.DefinitionID, &run.CurrentState, &status,
		&contextJSON, &inputJSON, &outputJSON, &errorJSON,
		&run.Version, &run.ShardID, &run.CreatedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &run.Context)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &run.Input)
	}
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Activity Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *ActivityTask) error {
	inputJSON, err := marshalMapOrDefault(task.Input)
	if err != nil {
		return fmt.Errorf("marshal task input: %w", err)
	}
	if task.Attempt == 0 {
		task.Attempt = 1
	}
	scheduledAt := timeOrNow(task.ScheduledAt)
	notBefore := task.NotBefore
	if notBefore.IsZero() {
		notBefore = scheduledAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_tasks (task_token, run_id, state_name, activity_type, status, input, result, error, error_details, attempt, timeout_seconds, scheduled_at, not_before, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskToken, task.RunID, task.StateName, task.ActivityType, string(task.Status),
		string(inputJSON), nullRaw(task.Result), nullStr(task.Error), nullRaw(task.ErrorDetails),
		task.Attempt, task.TimeoutSeconds, scheduledAt, notBefore,
		nullTime(task.StartedAt), nullTime(task.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetTaskByToken(ctx context.Context, token string) (*ActivityTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE task_token = ?`, token)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("activity_task", token)
	}
	return task, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, token string, update TaskUpdate) error {
	if update.Status != nil {
		current, err := s.GetTaskByToken(ctx, token)
		if err != nil {
			return err
		}
		if !schema.CanTransitionTask(current.Status, *update.Status) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"activity task %s cannot move %s -> %s", token, current.Status, *update.Status)
		}
	}

	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.ErrorDetails != nil {
		sets = append(sets, "error_details = ?")
		args = append(args, string(update.ErrorDetails))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, token)

	query := fmt.Sprintf("UPDATE activity_tasks SET %s WHERE task_token = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "activity_task", token)
}

func (s *LibSQLStore) ClaimScheduledTasks(ctx context.Context, limit int, now time.Time) ([]*ActivityTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE status = ? AND not_before <= ? ORDER BY not_before ASC LIMIT ?`,
		string(schema.TaskStatusScheduled), now, limit,
	)
	if err != nil {
		return nil, err
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	var claimed []*ActivityTask
	for _, task := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE activity_tasks SET status = ?, started_at = ? WHERE task_token = ? AND status = ?`,
			string(schema.TaskStatusRunning), now, task.TaskToken, string(schema.TaskStatusScheduled),
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // claimed by someone else between select and update
		}
		task.Status = schema.TaskStatusRunning
		started := now
		task.StartedAt = &started
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (s *LibSQLStore) ListTasksByRun(ctx context.Context, runID string) ([]*ActivityTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE run_id = ? ORDER BY scheduled_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *LibSQLStore) FindLiveTask(ctx context.Context, runID, stateName string) (*ActivityTask, error) {
	row := s.db.QueryRowContext(ctx,
		taskSelect+` WHERE run_id = ? AND state_name = ? AND status IN (?, ?) LIMIT 1`,
		runID, stateName, string(schema.TaskStatusScheduled), string(schema.TaskStatusRunning))
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (s *LibSQLStore) CancelLiveTasks(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activity_tasks SET status = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE run_id = ? AND status IN (?, ?)`,
		string(schema.TaskStatusCancelled), runID,
		string(schema.TaskStatusScheduled), string(schema.TaskStatusRunning))
	return err
}

const taskSelect = `SELECT task_token, run_id, state_name, activity_type, status, input, result, error, error_details, attempt, timeout_seconds, scheduled_at, not_before, started_at, completed_at FROM activity_tasks`

func scanTask(row rowScanner) (*ActivityTask, error) {
	t := &ActivityTask{}
	var (
		status                 string
		inputJSON              sql.NullString
		resultJSON, details    sql.NullString
		errStr                 sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&t.TaskToken, &t.RunID, &t.StateName, &t.ActivityType, &status,
		&inputJSON, &resultJSON, &errStr, &details,
		&t.Attempt, &t.TimeoutSeconds, &t.ScheduledAt, &t.NotBefore, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Status = schema.TaskStatus(status)
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &t.Input)
	}
	t.Result = rawOrNil(resultJSON)
	t.Error = errStr.String
	t.ErrorDetails = rawOrNil(details)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*ActivityTask, error) {
	defer rows.Close()
	var tasks []*ActivityTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Timers ---

func (s *LibSQLStore) CreateTimer(ctx context.Context, timer *Timer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timers (id, run_id, state_name, fire_at, status, created_at, fired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		timer.ID, timer.RunID, timer.StateName, timer.FireAt, string(timer.Status),
		timeOrNow(timer.CreatedAt), nullTime(timer.FiredAt),
	)
	return err
}

func (s *LibSQLStore) GetTimer(ctx context.Context, id string) (*Timer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, state_name, fire_at, status, created_at, fired_at FROM timers WHERE id = ?`, id)
	timer, err := scanTimer(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("timer", id)
	}
	return timer, err
}

func (s *LibSQLStore) ClaimDueTimer(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = ?, fired_at = ? WHERE id = ? AND status = ? AND fire_at <= ?`,
		string(schema.TimerStatusFired), now, id, string(schema.TimerStatusScheduled), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListDueTimers(ctx context.Context, cutoff time.Time, limit int) ([]*Timer, error) {
	query := `SELECT id, run_id, state_name, fire_at, status, created_at, fired_at
		 FROM timers WHERE status = ? AND fire_at <= ? ORDER BY fire_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.TimerStatusScheduled), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []*Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

func (s *LibSQLStore) FindLiveTimer(ctx context.Context, runID, stateName string) (*Timer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, state_name, fire_at, status, created_at, fired_at
		 FROM timers WHERE run_id = ? AND state_name = ? AND status = ? LIMIT 1`,
		runID, stateName, string(schema.TimerStatusScheduled))
	timer, err := scanTimer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return timer, err
}

func (s *LibSQLStore) CancelLiveTimers(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE timers SET status = ? WHERE run_id = ? AND status = ?`,
		string(schema.TimerStatusCancelled), runID, string(schema.TimerStatusScheduled))
	return err
}

func scanTimer(row rowScanner) (*Timer, error) {
	t := &Timer{}
	var status string
	var firedAt sql.NullTime
	err := row.Scan(&t.ID, &t.RunID, &t.StateName, &t.FireAt, &status, &t.CreatedAt, &firedAt)
	if err != nil {
		return nil, err
	}
	t.Status = schema.TimerStatus(status)
	if firedAt.Valid {
		t.FiredAt = &firedAt.Time
	}
	return t, nil
}

// --- Events ---

// AppendEvent assigns the next per-run event id inside a transaction so the
// MAX+1 read and the insert cannot interleave with another writer.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// AppendEvents appends a batch in one transaction with consecutive ids.
func (s *LibSQLStore) AppendEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range events {
		if err := appendEventTx(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	var next int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("get next event id: %w", err)
	}
	event.EventID = next

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, event_id, event_type, state_name, attributes, timestamp, archived)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		event.RunID, event.EventID, event.Type, nullStr(event.StateName),
		nullRaw(event.Attributes), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEventsByRun(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, event_id, event_type, state_name, attributes, timestamp, archived
		 FROM events WHERE run_id = ? AND event_id > ? AND archived = 0 ORDER BY event_id ASC`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stateName, attrs sql.NullString
		var archived int
		if err := rows.Scan(&e.RunID, &e.EventID, &e.Type, &stateName, &attrs, &e.Timestamp, &archived); err != nil {
			return nil, err
		}
		e.StateName = stateName.String
		e.Attributes = rawOrNil(attrs)
		e.Archived = archived != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) LastEventID(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&last)
	return last, err
}

func (s *LibSQLStore) ArchiveEvents(ctx context.Context, runID string, before int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET archived = 1 WHERE run_id = ? AND event_id <= ?`, runID, before)
	return err
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	inputJSON, err := marshalMapOrDefault(sched.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, definition_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DefinitionID, sched.CronExpr, string(inputJSON),
		boolToInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at
		 FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}

	query := `SELECT id, definition_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sched := &Schedule{}
	var inputJSON sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&sched.ID, &sched.DefinitionID, &sched.CronExpr, &inputJSON,
		&enabled, &lastRun, &nextRun, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &sched.Input)
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
