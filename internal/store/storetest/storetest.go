// Package storetest holds the behaviour every scheduler.Store must share.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
	"taskflow/internal/scheduler"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func task(id string, next *time.Time, active bool) domain.ScheduledTask {
	return domain.ScheduledTask{
		ID:        id,
		Name:      "task " + id,
		Schedule:  domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Minute},
		Payload:   json.RawMessage(`{"k":"v"}`),
		NextRunAt: next,
		IsActive:  active,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

// Run exercises a fresh store from newStore against the scheduler.Store contract.
func Run(t *testing.T, newStore func(t *testing.T) scheduler.Store) {
	t.Run("create get roundtrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		runAt := base.Add(time.Hour)
		in := domain.ScheduledTask{
			ID:         "sch_1",
			Name:       "nightly",
			Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
			WorkflowID: "wf_build",
			Payload:    json.RawMessage(`{"a":1}`),
			NextRunAt:  &runAt,
			MaxRetries: 3,
			IsActive:   true,
			CreatedAt:  base,
			UpdatedAt:  base,
		}
		require.NoError(t, s.CreateScheduledTask(ctx, in))

		got, err := s.GetScheduledTask(ctx, "sch_1")
		require.NoError(t, err)
		assert.Equal(t, "nightly", got.Name)
		assert.Equal(t, domain.ScheduleOneTime, got.Schedule.Type)
		require.NotNil(t, got.Schedule.RunAt)
		assert.True(t, runAt.Equal(*got.Schedule.RunAt))
		assert.Equal(t, "wf_build", got.WorkflowID)
		assert.JSONEq(t, `{"a":1}`, string(got.Payload))
		require.NotNil(t, got.NextRunAt)
		assert.True(t, runAt.Equal(*got.NextRunAt))
		assert.Nil(t, got.LastRunAt)
		assert.Equal(t, 3, got.MaxRetries)
		assert.True(t, got.IsActive)
		assert.True(t, base.Equal(got.CreatedAt))

		_, err = s.GetScheduledTask(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("due and armable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateScheduledTask(ctx, task("late", ptr(base.Add(-time.Minute)), true)))
		require.NoError(t, s.CreateScheduledTask(ctx, task("now", ptr(base), true)))
		require.NoError(t, s.CreateScheduledTask(ctx, task("future", ptr(base.Add(time.Hour)), true)))
		require.NoError(t, s.CreateScheduledTask(ctx, task("paused", ptr(base.Add(-time.Hour)), false)))
		require.NoError(t, s.CreateScheduledTask(ctx, task("done", nil, true)))

		due, err := s.FindDueScheduledTasks(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "now"}, ids(due))

		armable, err := s.FindArmableScheduledTasks(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "now", "future"}, ids(armable))

		all, err := s.ListScheduledTasks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("record run counts successes and failures", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateScheduledTask(ctx, task("a", ptr(base), true)))

		next := base.Add(time.Minute)
		require.NoError(t, s.RecordRun(ctx, "a", base, &next, false))
		require.NoError(t, s.RecordRun(ctx, "a", base.Add(time.Minute), &next, true))
		require.NoError(t, s.RecordRun(ctx, "a", base.Add(2*time.Minute), nil, false))

		got, err := s.GetScheduledTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, got.RunCount)
		assert.Equal(t, 1, got.FailureCount)
		require.NotNil(t, got.LastRunAt)
		assert.True(t, base.Add(2*time.Minute).Equal(*got.LastRunAt))
		assert.Nil(t, got.NextRunAt)
		assert.True(t, got.IsActive)

		assert.ErrorIs(t, s.RecordRun(ctx, "missing", base, nil, false), domain.ErrNotFound)
	})

	t.Run("set active", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateScheduledTask(ctx, task("a", ptr(base), true)))

		require.NoError(t, s.SetActive(ctx, "a", false, nil))
		got, err := s.GetScheduledTask(ctx, "a")
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Nil(t, got.NextRunAt)

		next := base.Add(time.Hour)
		require.NoError(t, s.SetActive(ctx, "a", true, &next))
		got, err = s.GetScheduledTask(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, next.Equal(*got.NextRunAt))

		assert.ErrorIs(t, s.SetActive(ctx, "missing", true, nil), domain.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := task("a", ptr(base), true)
		in.Schedule = domain.Schedule{Type: domain.ScheduleCron, Cron: "0 9 * * *"}
		require.NoError(t, s.CreateScheduledTask(ctx, in))
		got, err := s.GetScheduledTask(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * *", got.Schedule.Cron)

		require.NoError(t, s.DeleteScheduledTask(ctx, "a"))
		_, err = s.GetScheduledTask(ctx, "a")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, s.DeleteScheduledTask(ctx, "a"), domain.ErrNotFound)
	})

	t.Run("task runs newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateScheduledTask(ctx, task("a", ptr(base), true)))

		for i, id := range []string{"run_1", "run_2", "run_3"} {
			r := domain.TaskRun{ID: id, ScheduledTaskID: "a", Status: domain.RunRunning, StartedAt: base.Add(time.Duration(i) * time.Minute)}
			require.NoError(t, s.CreateTaskRun(ctx, r))
		}
		done := base.Add(5 * time.Minute)
		require.NoError(t, s.FinishTaskRun(ctx, domain.TaskRun{
			ID: "run_2", ScheduledTaskID: "a", Status: domain.RunFailed,
			StartedAt: base.Add(time.Minute), CompletedAt: &done, Error: "boom",
		}))

		runs, err := s.ListTaskRuns(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		assert.Equal(t, "run_3", runs[0].ID)
		assert.Equal(t, domain.RunFailed, runs[1].Status)
		assert.Equal(t, "boom", runs[1].Error)
		require.NotNil(t, runs[1].CompletedAt)
		assert.True(t, done.Equal(*runs[1].CompletedAt))
		assert.Equal(t, domain.RunRunning, runs[2].Status)

		limited, err := s.ListTaskRuns(ctx, "a", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"run_3", "run_2"}, runIDs(limited))

		assert.ErrorIs(t, s.FinishTaskRun(ctx, domain.TaskRun{ID: "nope", ScheduledTaskID: "a"}), domain.ErrNotFound)
	})
}

func ids(ts []domain.ScheduledTask) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func runIDs(rs []domain.TaskRun) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
