package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

var errNoExecutor = errors.New("no workflow executor configured")

// runTask records one execution of t: a running TaskRun, the executor call,
// the finished run and the task's counters and next occurrence. Once the run
// is created its bookkeeping completes even if ctx is cancelled. An error is
// returned only when the run could not be created.
func (s *Service) runTask(ctx context.Context, t domain.ScheduledTask) (domain.TaskRun, error) {
	run := domain.TaskRun{
		ID:              "run_" + uuid.NewString(),
		ScheduledTaskID: t.ID,
		Status:          domain.RunRunning,
		StartedAt:       s.now(),
	}
	if err := s.store.CreateTaskRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record task run")
		return domain.TaskRun{}, fmt.Errorf("create task run: %w", err)
	}
	s.log.Info().Str("task_id", t.ID).Str("run_id", run.ID).Str("name", t.Name).Msg("scheduled task started")

	output, execErr := s.invoke(ctx, t)
	ctx = context.WithoutCancel(ctx)

	finished := s.now()
	run.CompletedAt = &finished
	if execErr != nil {
		run.Status = domain.RunFailed
		run.Error = execErr.Error()
	} else {
		run.Status = domain.RunCompleted
		run.Output = output
	}
	if err := s.store.FinishTaskRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to finish task run")
	}

	var nextRunAt *time.Time
	next, ok, err := NextRun(t.Schedule, finished, t.Schedule.Type == domain.ScheduleOneTime)
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to compute next run")
	case ok:
		nextRunAt = &next
	}
	if err := s.store.RecordRun(ctx, t.ID, finished, nextRunAt, execErr != nil); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to update scheduled task after run")
	}

	if execErr != nil {
		s.log.Error().Err(execErr).Str("task_id", t.ID).Str("run_id", run.ID).Msg("scheduled task failed")
		s.events.Publish(eventbus.Event{Type: eventbus.ScheduleRunFailed, Time: finished, Data: run})
		return run, nil
	}
	ev := s.log.Info().Str("task_id", t.ID).Str("run_id", run.ID).Dur("duration", finished.Sub(run.StartedAt))
	if nextRunAt != nil {
		ev = ev.Time("next_run_at", *nextRunAt)
	}
	ev.Msg("scheduled task completed")
	s.events.Publish(eventbus.Event{Type: eventbus.ScheduleRunCompleted, Time: finished, Data: run})
	return run, nil
}

// invoke starts the task's workflow, or echoes the payload when the task has
// none. Executor panics become run failures.
func (s *Service) invoke(ctx context.Context, t domain.ScheduledTask) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	if t.WorkflowID == "" {
		return t.Payload, nil
	}
	if s.exec == nil {
		return nil, errNoExecutor
	}
	execID, err := s.exec.Execute(ctx, t.WorkflowID, t.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ExecutionID string `json:"execution_id"`
	}{execID})
}
