package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
	"taskflow/internal/store/memory"
	"taskflow/internal/store/sqlite"
)

// staleDueStore answers due queries with a fixed list, like a poll whose
// query ran before a concurrent timer run finished.
type staleDueStore struct {
	Store
	mu  sync.Mutex
	due []domain.ScheduledTask
}

func (s *staleDueStore) FindDueScheduledTasks(context.Context, time.Time) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.due, nil
}

func (s *staleDueStore) setDue(due []domain.ScheduledTask) {
	s.mu.Lock()
	s.due = due
	s.mu.Unlock()
}

// brokenRunStore fails every attempt to record a run.
type brokenRunStore struct {
	Store
	creates atomic.Int32
}

func (s *brokenRunStore) CreateTaskRun(context.Context, domain.TaskRun) error {
	s.creates.Add(1)
	return errors.New("disk full")
}

type countingExecutor struct {
	calls atomic.Int32
	err   error
	// gate, when set, blocks every call until closed.
	gate    chan struct{}
	started chan struct{}
}

func (e *countingExecutor) Execute(ctx context.Context, workflowID string, _ json.RawMessage) (string, error) {
	n := e.calls.Add(1)
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return "", e.err
	}
	return fmt.Sprintf("%s-exec-%d", workflowID, n), nil
}

func newTestService(t *testing.T, store Store, exec Executor, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithPollInterval(time.Hour)}, opts...)
	s := NewService(store, exec, opts...)
	t.Cleanup(s.Stop)
	return s
}

func runsOf(t *testing.T, s *Service, id string) []domain.TaskRun {
	t.Helper()
	runs, err := s.Runs(context.Background(), id, 0)
	require.NoError(t, err)
	return runs
}

func TestCreateTaskValidates(t *testing.T) {
	t.Parallel()
	s := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, TaskSpec{Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Minute}})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = s.CreateTask(ctx, TaskSpec{Name: "bad", Schedule: domain.Schedule{Type: domain.ScheduleCron, Cron: "* * *"}})
	assert.ErrorIs(t, err, ErrScheduleParse)

	_, err = s.CreateTask(ctx, TaskSpec{Name: "never", Schedule: domain.Schedule{Type: domain.ScheduleCron, Cron: "0 0 31 2 *"}})
	assert.ErrorIs(t, err, ErrScheduleUnsatisfiable)

	tasks, err := s.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTimerFiresAndRecordsRun(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{}
	events := eventbus.New()
	sub, unsub := events.Subscribe(16)
	defer unsub()
	s := newTestService(t, memory.New(), exec, WithEvents(events))
	ctx := context.Background()

	runAt := time.Now().Add(20 * time.Millisecond)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "once",
		Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
		WorkflowID: "wf_report",
	})
	require.NoError(t, err)
	assert.True(t, s.Armed(id))

	require.Eventually(t, func() bool {
		task, err := s.Task(ctx, id)
		return err == nil && task.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.NextRunAt, "one-time task ends after its run")
	assert.NotNil(t, task.LastRunAt)
	assert.True(t, task.IsActive)
	assert.False(t, s.Armed(id))

	runs := runsOf(t, s, id)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	assert.JSONEq(t, `{"execution_id":"wf_report-exec-1"}`, string(runs[0].Output))
	assert.NotNil(t, runs[0].CompletedAt)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{eventbus.ScheduleCreated, eventbus.ScheduleRunCompleted}, types)
}

func TestTaskWithoutWorkflowEchoesPayload(t *testing.T) {
	t.Parallel()
	s := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:     "echo",
		Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		Payload:  json.RawMessage(`{"ping":true}`),
	})
	require.NoError(t, err)

	run, err := s.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.JSONEq(t, `{"ping":true}`, string(run.Output))
}

func TestFailedRunKeepsTaskScheduled(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{err: errors.New("workflow exploded")}
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "flaky",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "wf_flaky",
	})
	require.NoError(t, err)

	before := time.Now()
	run, err := s.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "workflow exploded", run.Error)

	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, task.RunCount)
	assert.Equal(t, 1, task.FailureCount)
	assert.True(t, task.IsActive)
	require.NotNil(t, task.NextRunAt)
	assert.WithinDuration(t, before.Add(time.Hour), *task.NextRunAt, time.Minute)
	assert.True(t, s.Armed(id))
}

func TestExecutorPanicFailsRun(t *testing.T) {
	t.Parallel()
	exec := ExecutorFunc(func(context.Context, string, json.RawMessage) (string, error) {
		panic("kaboom")
	})
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "panicky",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "wf",
	})
	require.NoError(t, err)

	run, err := s.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "kaboom")
}

func TestMissingExecutorFailsWorkflowRun(t *testing.T) {
	t.Parallel()
	s := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "orphan",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "wf",
	})
	require.NoError(t, err)

	run, err := s.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestCancelStopsFutureRuns(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{}
	store := memory.New()
	s := newTestService(t, store, exec)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "tick",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: 20 * time.Millisecond},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	require.NoError(t, s.CancelTask(ctx, id))
	assert.False(t, s.Armed(id))

	time.Sleep(60 * time.Millisecond)
	s.poll(ctx)
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, exec.calls.Load())
	assert.Empty(t, runsOf(t, s, id))
	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.False(t, task.IsActive)

	assert.ErrorIs(t, s.CancelTask(ctx, "sch_missing"), ErrNotFound)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{}
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "hourly",
		Schedule:   domain.Schedule{Type: domain.ScheduleCron, Cron: "0 * * * *"},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	require.NoError(t, s.PauseTask(ctx, id))
	assert.False(t, s.Armed(id))

	require.NoError(t, s.ResumeTask(ctx, id))
	assert.True(t, s.Armed(id))
	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.True(t, task.IsActive)
	require.NotNil(t, task.NextRunAt)
	assert.Zero(t, task.NextRunAt.Minute())
	assert.True(t, task.NextRunAt.After(time.Now()))
}

func TestResumeFinishedOneTimeStaysIdle(t *testing.T) {
	t.Parallel()
	s := newTestService(t, memory.New(), &countingExecutor{})
	ctx := context.Background()

	runAt := time.Now().Add(time.Hour)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "once",
		Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	_, err = s.TriggerNow(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.PauseTask(ctx, id))
	require.NoError(t, s.ResumeTask(ctx, id))
	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, task.NextRunAt)
	assert.False(t, s.Armed(id))
}

func TestTimerAndPollerNeverDoubleFire(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()

	runAt := time.Now().Add(10 * time.Millisecond)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "contended",
		Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
		WorkflowID: "wf",
	})
	require.NoError(t, err)

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.poll(ctx)
		}()
	}
	wg.Wait()
	_, err = s.TriggerNow(ctx, id)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(exec.gate)
	require.Eventually(t, func() bool {
		task, err := s.Task(ctx, id)
		return err == nil && task.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.poll(ctx)

	assert.EqualValues(t, 1, exec.calls.Load())
	assert.Len(t, runsOf(t, s, id), 1)
}

func TestStartRestoresTimersAndFiresOverdue(t *testing.T) {
	t.Parallel()
	store := memory.New()
	ctx := context.Background()
	now := time.Now()
	future := now.Add(time.Hour)
	overdue := now.Add(-time.Minute)
	for _, tk := range []domain.ScheduledTask{
		{ID: "sch_future", Name: "future", Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour}, WorkflowID: "wf", NextRunAt: &future, IsActive: true, CreatedAt: now},
		{ID: "sch_overdue", Name: "overdue", Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour}, WorkflowID: "wf", NextRunAt: &overdue, IsActive: true, CreatedAt: now},
		{ID: "sch_paused", Name: "paused", Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour}, WorkflowID: "wf", NextRunAt: &overdue, IsActive: false, CreatedAt: now},
	} {
		require.NoError(t, store.CreateScheduledTask(ctx, tk))
	}

	exec := &countingExecutor{}
	s := newTestService(t, store, exec)
	require.NoError(t, s.Start(ctx))

	assert.True(t, s.Armed("sch_future"))
	require.Eventually(t, func() bool {
		task, err := s.Task(ctx, "sch_overdue")
		return err == nil && task.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Armed("sch_overdue") }, time.Second, 5*time.Millisecond, "re-armed for the next interval")
	assert.False(t, s.Armed("sch_paused"))
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestDelayBeyondTimerCeilingIsPolled(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{}
	s := newTestService(t, memory.New(), exec,
		WithMaxTimerDelay(5*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	runAt := time.Now().Add(50 * time.Millisecond)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "far",
		Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	assert.False(t, s.Armed(id))

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		task, err := s.Task(ctx, id)
		return err == nil && task.RunCount == 1 && task.NextRunAt == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTriggerNowRunsInactiveTask(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{}
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "manual",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	require.NoError(t, s.PauseTask(ctx, id))

	run, err := s.TriggerNow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.False(t, s.Armed(id), "paused task stays unarmed after a manual run")

	_, err = s.TriggerNow(ctx, "sch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	s := newTestService(t, memory.New(), nil)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, TaskSpec{Name: "gone", Schedule: domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour}})
	require.NoError(t, err)
	require.NoError(t, s.DeleteTask(ctx, id))
	assert.False(t, s.Armed(id))

	_, err = s.Task(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, id), ErrNotFound)
	_, err = s.Runs(ctx, id, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollerSkipsOccurrenceAlreadyRunByTimer(t *testing.T) {
	t.Parallel()
	store := &staleDueStore{Store: memory.New()}
	exec := &countingExecutor{}
	s := newTestService(t, store, exec)
	ctx := context.Background()

	runAt := time.Now().Add(20 * time.Millisecond)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "once",
		Schedule:   domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	snapshot, err := store.Store.FindDueScheduledTasks(ctx, runAt)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	require.Eventually(t, func() bool {
		task, err := s.Task(ctx, id)
		if err != nil || task.RunCount != 1 {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_, busy := s.inflight[id]
		return !busy
	}, 2*time.Second, 5*time.Millisecond)

	store.setDue(snapshot)
	s.poll(ctx)
	s.wg.Wait()

	assert.EqualValues(t, 1, exec.calls.Load())
	assert.Len(t, runsOf(t, s, id), 1)
}

func TestRunBookkeepingSurvivesCancelledContext(t *testing.T) {
	t.Parallel()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "taskflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	exec := &countingExecutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(t, sqlite.New(db), exec)
	id, err := s.CreateTask(context.Background(), TaskSpec{
		Name:       "nightly",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "etl",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		run domain.TaskRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := s.TriggerNow(ctx, id)
		done <- result{run, err}
	}()
	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never called")
	}
	cancel()
	close(exec.gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.RunCompleted, res.run.Status)

	runs := runsOf(t, s, id)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	task, err := s.Task(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RunCount)
	assert.Zero(t, task.FailureCount)
	assert.True(t, s.Armed(id))
}

func TestStopPreventsRearmAfterInFlightRun(t *testing.T) {
	t.Parallel()
	exec := &countingExecutor{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestService(t, memory.New(), exec)
	ctx := context.Background()
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:       "hourly",
		Schedule:   domain.Schedule{Type: domain.ScheduleInterval, Interval: time.Hour},
		WorkflowID: "wf",
	})
	require.NoError(t, err)
	require.True(t, s.Armed(id))

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(ctx, id)
		done <- err
	}()
	<-exec.started
	s.Stop()
	close(exec.gate)
	require.NoError(t, <-done)

	assert.False(t, s.Armed(id))
	task, err := s.Task(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RunCount)
}

func TestFailedRunRecordIsLeftToPoller(t *testing.T) {
	t.Parallel()
	store := &brokenRunStore{Store: memory.New()}
	exec := &countingExecutor{}
	s := newTestService(t, store, exec)
	ctx := context.Background()

	runAt := time.Now().Add(10 * time.Millisecond)
	id, err := s.CreateTask(ctx, TaskSpec{
		Name:     "once",
		Schedule: domain.Schedule{Type: domain.ScheduleOneTime, RunAt: &runAt},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.creates.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return store.creates.Load() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, s.Armed(id))
	assert.Zero(t, exec.calls.Load())

	_, err = s.TriggerNow(ctx, id)
	assert.ErrorContains(t, err, "disk full")
}
