package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"taskflow/internal/domain"
)

// Store persists scheduled tasks and their runs. Single-row updates must be
// atomic; nothing here spans rows.
type Store interface {
	CreateScheduledTask(ctx context.Context, t domain.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	DeleteScheduledTask(ctx context.Context, id string) error
	ListScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)

	// FindDueScheduledTasks returns active tasks with next_run_at <= now.
	FindDueScheduledTasks(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	// FindArmableScheduledTasks returns active tasks with a next_run_at.
	FindArmableScheduledTasks(ctx context.Context) ([]domain.ScheduledTask, error)

	SetActive(ctx context.Context, id string, active bool, nextRunAt *time.Time) error
	// RecordRun bumps run_count (or failure_count when failed) and stores the
	// run instant and the next occurrence.
	RecordRun(ctx context.Context, id string, ranAt time.Time, nextRunAt *time.Time, failed bool) error

	CreateTaskRun(ctx context.Context, r domain.TaskRun) error
	FinishTaskRun(ctx context.Context, r domain.TaskRun) error
	ListTaskRuns(ctx context.Context, scheduledTaskID string, limit int) ([]domain.TaskRun, error)
}

// Executor starts a workflow and returns its execution ID.
type Executor interface {
	Execute(ctx context.Context, workflowID string, payload json.RawMessage) (string, error)
}

type ExecutorFunc func(ctx context.Context, workflowID string, payload json.RawMessage) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, workflowID string, payload json.RawMessage) (string, error) {
	return f(ctx, workflowID, payload)
}
