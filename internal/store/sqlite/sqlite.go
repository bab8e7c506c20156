// Package sqlite persists scheduled tasks and their runs in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"taskflow/internal/domain"
)

// Instants are stored as unix nanoseconds so due-task comparisons stay
// numeric regardless of the caller's time zone.
const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('one-time','interval','cron')),
  run_at INTEGER,
  interval_ns INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  workflow_id TEXT NOT NULL DEFAULT '',
  payload BLOB,
  next_run_at INTEGER,
  last_run_at INTEGER,
  max_retries INTEGER NOT NULL DEFAULT 0,
  run_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due ON scheduled_tasks(is_active, next_run_at);
CREATE TABLE IF NOT EXISTS task_runs (
  id TEXT PRIMARY KEY,
  scheduled_task_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','completed','failed')),
  started_at INTEGER NOT NULL,
  completed_at INTEGER,
  output BLOB,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(scheduled_task_id) REFERENCES scheduled_tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(scheduled_task_id, started_at DESC);
`

const taskColumns = `id,name,schedule_type,run_at,interval_ns,cron_expr,workflow_id,payload,next_run_at,last_run_at,max_retries,run_count,failure_count,is_active,created_at,updated_at`

// Open opens the database at path with a single connection, SQLite being a
// single writer, and creates the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

func (s *Store) CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, string(t.Schedule.Type), nullTime(t.Schedule.RunAt), int64(t.Schedule.Interval), t.Schedule.Cron,
		t.WorkflowID, []byte(t.Payload), nullTime(t.NextRunAt), nullTime(t.LastRunAt), t.MaxRetries,
		t.RunCount, t.FailureCount, t.IsActive, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	return err
}

func (s *Store) GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, domain.ErrNotFound
	}
	return t, err
}

func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	return affected(res, err)
}

func (s *Store) ListScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at, id`)
}

func (s *Store) FindDueScheduledTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
WHERE is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at, id`, now.UnixNano())
}

func (s *Store) FindArmableScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.queryTasks(ctx, `
SELECT `+taskColumns+` FROM scheduled_tasks
WHERE is_active=1 AND next_run_at IS NOT NULL
ORDER BY next_run_at, id`)
}

func (s *Store) SetActive(ctx context.Context, id string, active bool, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET is_active=?,next_run_at=?,updated_at=? WHERE id=?`,
		active, nullTime(nextRunAt), s.now().UnixNano(), id)
	return affected(res, err)
}

// RecordRun updates counters in a single statement so concurrent runs of
// different tasks never lose increments.
func (s *Store) RecordRun(ctx context.Context, id string, ranAt time.Time, nextRunAt *time.Time, failed bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET run_count = run_count + CASE WHEN ? THEN 0 ELSE 1 END,
    failure_count = failure_count + CASE WHEN ? THEN 1 ELSE 0 END,
    last_run_at=?, next_run_at=?, updated_at=?
WHERE id=?`, failed, failed, ranAt.UnixNano(), nullTime(nextRunAt), ranAt.UnixNano(), id)
	return affected(res, err)
}

func (s *Store) CreateTaskRun(ctx context.Context, r domain.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_runs (id,scheduled_task_id,status,started_at,completed_at,output,error)
VALUES (?,?,?,?,?,?,?)`,
		r.ID, r.ScheduledTaskID, string(r.Status), r.StartedAt.UnixNano(), nullTime(r.CompletedAt), []byte(r.Output), r.Error)
	return err
}

func (s *Store) FinishTaskRun(ctx context.Context, r domain.TaskRun) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_runs SET status=?,completed_at=?,output=?,error=? WHERE id=?`,
		string(r.Status), nullTime(r.CompletedAt), []byte(r.Output), r.Error, r.ID)
	return affected(res, err)
}

// ListTaskRuns returns the newest runs first. A limit <= 0 returns all.
func (s *Store) ListTaskRuns(ctx context.Context, scheduledTaskID string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,scheduled_task_id,status,started_at,completed_at,output,error
FROM task_runs WHERE scheduled_task_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, scheduledTaskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		var (
			r         domain.TaskRun
			status    string
			started   int64
			completed sql.NullInt64
			output    []byte
		)
		if err := rows.Scan(&r.ID, &r.ScheduledTaskID, &status, &started, &completed, &output, &r.Error); err != nil {
			return nil, err
		}
		r.Status = domain.RunStatus(status)
		r.StartedAt = fromNanos(started)
		r.CompletedAt = timePtr(completed)
		if len(output) > 0 {
			r.Output = output
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (domain.ScheduledTask, error) {
	var (
		t                       domain.ScheduledTask
		schedType               string
		runAt, nextRun, lastRun sql.NullInt64
		interval                int64
		payload                 []byte
		created, updated        int64
	)
	err := sc.Scan(&t.ID, &t.Name, &schedType, &runAt, &interval, &t.Schedule.Cron, &t.WorkflowID, &payload,
		&nextRun, &lastRun, &t.MaxRetries, &t.RunCount, &t.FailureCount, &t.IsActive, &created, &updated)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	t.Schedule.Type = domain.ScheduleType(schedType)
	t.Schedule.RunAt = timePtr(runAt)
	t.Schedule.Interval = time.Duration(interval)
	if len(payload) > 0 {
		t.Payload = payload
	}
	t.NextRunAt = timePtr(nextRun)
	t.LastRunAt = timePtr(lastRun)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	return t, nil
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
