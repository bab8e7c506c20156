package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/bus"
	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

func newTestOrchestrator(t *testing.T, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	return New(cfg, b, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func register(t *testing.T, o *Orchestrator, w domain.Worker) *bus.Mailbox {
	t.Helper()
	mb, err := o.RegisterWorker(w)
	require.NoError(t, err)
	return mb
}

func nextTaskMessage(t *testing.T, mb *bus.Mailbox) TaskMessage {
	t.Helper()
	msg, ok := mb.TryNext()
	require.True(t, ok, "expected a queued message")
	require.Equal(t, domain.MessageTask, msg.Kind)
	var tm TaskMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &tm))
	return tm
}

func TestSubmitSequentialAssignsHighestPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{Policy: dispatch.Sequential})
	low := register(t, o, domain.Worker{ID: "low", Capabilities: domain.Capabilities{"build"}, Priority: 1})
	high := register(t, o, domain.Worker{ID: "high", Capabilities: domain.Capabilities{"build"}, Priority: 3})

	task, err := o.SubmitTask(ctx, TaskSpec{Type: "build", Payload: json.RawMessage(`{"repo":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, "high", task.WorkerID)

	tm := nextTaskMessage(t, high)
	assert.Equal(t, task.ID, tm.TaskID)
	assert.JSONEq(t, `{"repo":"x"}`, string(tm.Payload))
	assert.Equal(t, 0, low.Len())
}

func TestSubmitWithoutEligibleWorkerStaysPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{"deploy"}})

	task, err := o.SubmitTask(ctx, TaskSpec{Type: "build"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Len(t, o.PendingTasks(), 1)

	register(t, o, domain.Worker{ID: "builder", Capabilities: domain.Capabilities{"build"}})
	task, err = o.RetryPending(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "builder", task.WorkerID)
}

func TestMaxConcurrentLimitsEligibility(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{domain.CapabilityAny}, MaxConcurrent: 1})

	first, err := o.SubmitTask(ctx, TaskSpec{Type: "a"})
	require.NoError(t, err)
	second, err := o.SubmitTask(ctx, TaskSpec{Type: "b"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, first.Status)
	assert.Equal(t, domain.TaskPending, second.Status)

	_, err = o.CompleteTask(ctx, first.ID, nil)
	require.NoError(t, err)
	second, err = o.RetryPending(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, second.Status)
}

func TestDependenciesGateDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{domain.CapabilityAny}})

	a, err := o.SubmitTask(ctx, TaskSpec{ID: "A", Type: "step"})
	require.NoError(t, err)
	b, err := o.SubmitTask(ctx, TaskSpec{ID: "B", Type: "step"})
	require.NoError(t, err)
	c, err := o.SubmitTask(ctx, TaskSpec{ID: "C", Type: "step", Dependencies: []string{a.ID, b.ID}})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, c.Status)

	_, err = o.CompleteTask(ctx, a.ID, json.RawMessage(`1`))
	require.NoError(t, err)
	c, _ = o.Task("C")
	assert.Equal(t, domain.TaskPending, c.Status, "B still outstanding")

	_, err = o.CompleteTask(ctx, b.ID, json.RawMessage(`2`))
	require.NoError(t, err)
	c, _ = o.Task("C")
	assert.Equal(t, domain.TaskAssigned, c.Status)
	assert.Equal(t, "w", c.WorkerID)
}

func TestFailedDependencyLeavesDependentPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	mb := register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{domain.CapabilityAny}})

	_, err := o.SubmitTask(ctx, TaskSpec{ID: "A", Type: "step"})
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, TaskSpec{ID: "B", Type: "step"})
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, TaskSpec{ID: "C", Type: "step", Dependencies: []string{"A", "B"}})
	require.NoError(t, err)

	failed, err := o.FailTask(ctx, "A", "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.Error)
	_, err = o.CompleteTask(ctx, "B", nil)
	require.NoError(t, err)

	c, _ := o.Task("C")
	assert.Equal(t, domain.TaskPending, c.Status)
	_, err = o.RetryPending(ctx, "C")
	assert.ErrorIs(t, err, ErrDependenciesPending)

	// two task messages then the failure result for A
	nextTaskMessage(t, mb)
	nextTaskMessage(t, mb)
	msg, ok := mb.TryNext()
	require.True(t, ok)
	assert.Equal(t, domain.MessageResult, msg.Kind)
	var rm ResultMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &rm))
	assert.Equal(t, "A", rm.TaskID)
	assert.Equal(t, "boom", rm.Error)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{"x"}})

	task, err := o.SubmitTask(ctx, TaskSpec{Type: "x"})
	require.NoError(t, err)
	task, err = o.StartTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProcessing, task.Status)

	_, err = o.StartTask(task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.CompleteTask(ctx, task.ID, nil)
	require.NoError(t, err)
	_, err = o.FailTask(ctx, task.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = o.CompleteTask(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestParallelFanOutClones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{Policy: dispatch.Parallel, MaxConcurrency: 2})
	boxes := map[string]*bus.Mailbox{}
	for _, id := range []string{"w1", "w2", "w3"} {
		boxes[id] = register(t, o, domain.Worker{ID: id, Capabilities: domain.Capabilities{"scan"}})
	}

	parent, err := o.SubmitTask(ctx, TaskSpec{ID: "P", Type: "scan", Payload: json.RawMessage(`"target"`)})
	require.NoError(t, err)
	require.Len(t, parent.Clones, 2, "min(maxConcurrency, eligible)")
	assert.Equal(t, domain.TaskAssigned, parent.Status)

	seen := map[string]bool{}
	for _, cid := range parent.Clones {
		clone, ok := o.Task(cid)
		require.True(t, ok)
		assert.NotEqual(t, parent.ID, clone.ID)
		assert.Equal(t, "P", clone.ParentID)
		assert.Equal(t, "scan", clone.Type)
		assert.JSONEq(t, `"target"`, string(clone.Payload))
		assert.Equal(t, domain.TaskAssigned, clone.Status)
		assert.False(t, seen[clone.WorkerID], "each clone goes to a distinct worker")
		seen[clone.WorkerID] = true
		tm := nextTaskMessage(t, boxes[clone.WorkerID])
		assert.Equal(t, clone.ID, tm.TaskID)
	}
	assert.Equal(t, 0, boxes["w3"].Len())

	_, err = o.CompleteTask(ctx, parent.Clones[0], json.RawMessage(`"a"`))
	require.NoError(t, err)
	p, _ := o.Task("P")
	assert.Equal(t, domain.TaskAssigned, p.Status)

	_, err = o.CompleteTask(ctx, parent.Clones[1], json.RawMessage(`"b"`))
	require.NoError(t, err)
	p, _ = o.Task("P")
	assert.Equal(t, domain.TaskCompleted, p.Status)
	assert.JSONEq(t, `["a","b"]`, string(p.Result))
}

func TestParallelCloneFailureFailsParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{Policy: dispatch.Parallel})
	register(t, o, domain.Worker{ID: "w1", Capabilities: domain.Capabilities{"scan"}})
	register(t, o, domain.Worker{ID: "w2", Capabilities: domain.Capabilities{"scan"}})

	parent, err := o.SubmitTask(ctx, TaskSpec{Type: "scan"})
	require.NoError(t, err)
	require.Len(t, parent.Clones, 2)
	_, err = o.FailTask(ctx, parent.Clones[0], "timeout")
	require.NoError(t, err)
	_, err = o.CompleteTask(ctx, parent.Clones[1], nil)
	require.NoError(t, err)

	p, _ := o.Task(parent.ID)
	assert.Equal(t, domain.TaskFailed, p.Status)
	assert.Contains(t, p.Error, "timeout")
}

func TestStatsCountClonesNotParallelParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(t, Config{Policy: dispatch.Parallel}, WithClock(func() time.Time { return clock }))
	register(t, o, domain.Worker{ID: "w1", Capabilities: domain.Capabilities{"scan"}})
	register(t, o, domain.Worker{ID: "w2", Capabilities: domain.Capabilities{"scan"}})

	parent, err := o.SubmitTask(ctx, TaskSpec{Type: "scan"})
	require.NoError(t, err)
	require.Len(t, parent.Clones, 2)

	st := o.Stats()
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 2, st.ActiveTasks)

	clock = clock.Add(2 * time.Second)
	for _, cid := range parent.Clones {
		_, err := o.CompleteTask(ctx, cid, nil)
		require.NoError(t, err)
	}
	p, _ := o.Task(parent.ID)
	require.Equal(t, domain.TaskCompleted, p.Status)

	st = o.Stats()
	assert.Equal(t, 2, st.Completed)
	assert.Zero(t, st.ActiveTasks)
	assert.Equal(t, 2*time.Second, st.AverageTurnaround)
}

func TestHierarchicalRoutesToCoordinator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{Policy: dispatch.Hierarchical})
	register(t, o, domain.Worker{ID: "worker", Capabilities: domain.Capabilities{"build"}, Priority: 10})
	register(t, o, domain.Worker{ID: "boss", Role: domain.RoleCoordinator, Capabilities: domain.Capabilities{"plan"}})

	task, err := o.SubmitTask(ctx, TaskSpec{Type: "build"})
	require.NoError(t, err)
	assert.Equal(t, "boss", task.WorkerID)

	require.True(t, o.UnregisterWorker("boss"))
	task, err = o.SubmitTask(ctx, TaskSpec{Type: "build"})
	require.NoError(t, err)
	assert.Equal(t, "worker", task.WorkerID, "falls back to sequential")
	assert.False(t, o.UnregisterWorker("boss"))
}

func TestWorkflowUsesOwnPolicyForDependents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{Policy: dispatch.Sequential})
	register(t, o, domain.Worker{ID: "w1", Capabilities: domain.Capabilities{domain.CapabilityAny}})
	register(t, o, domain.Worker{ID: "w2", Capabilities: domain.Capabilities{domain.CapabilityAny}})

	wf, tasks, err := o.SubmitWorkflow(ctx, WorkflowSpec{
		Name:   "release",
		Policy: dispatch.Parallel,
		Tasks: []TaskSpec{
			{ID: "fetch", Type: "fetch"},
			{ID: "test", Type: "test", Dependencies: []string{"fetch"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "test"}, wf.TaskIDs)
	require.Len(t, tasks, 2)
	assert.Len(t, tasks[0].Clones, 2)
	assert.Equal(t, domain.TaskPending, tasks[1].Status)

	for _, cid := range tasks[0].Clones {
		_, err := o.CompleteTask(ctx, cid, nil)
		require.NoError(t, err)
	}
	test, _ := o.Task("test")
	assert.Equal(t, domain.TaskAssigned, test.Status)
	assert.Len(t, test.Clones, 2)

	got, ok := o.Workflow(wf.ID)
	require.True(t, ok)
	assert.Equal(t, "release", got.Name)
}

func TestWorkflowRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, Config{})
	_, _, err := o.SubmitWorkflow(context.Background(), WorkflowSpec{
		Name:  "dup",
		Tasks: []TaskSpec{{ID: "a", Type: "x"}, {ID: "a", Type: "y"}},
	})
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Empty(t, o.Tasks())
}

func TestBroadcastExcludes(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, Config{})
	a := register(t, o, domain.Worker{ID: "a"})
	b := register(t, o, domain.Worker{ID: "b"})

	sent := o.Broadcast(domain.MessageStatus, json.RawMessage(`{"pause":true}`), "b")
	require.Len(t, sent, 1)
	assert.Equal(t, SenderID, sent[0].From)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
	assert.Len(t, o.Messages(0), 1)
}

func TestStatsAndReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := newTestOrchestrator(t, Config{}, WithClock(func() time.Time { return clock }))
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{domain.CapabilityAny}})

	done, _ := o.SubmitTask(ctx, TaskSpec{Type: "a"})
	failing, _ := o.SubmitTask(ctx, TaskSpec{Type: "a"})
	_, _ = o.SubmitTask(ctx, TaskSpec{Type: "a"})
	_, _ = o.SubmitTask(ctx, TaskSpec{Type: "a", Dependencies: []string{"never"}})

	clock = clock.Add(4 * time.Second)
	_, err := o.CompleteTask(ctx, done.ID, nil)
	require.NoError(t, err)
	_, err = o.FailTask(ctx, failing.ID, "x")
	require.NoError(t, err)

	st := o.Stats()
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 4, st.TotalTasks)
	assert.Equal(t, 1, st.ActiveTasks)
	assert.Equal(t, 1, st.PendingTasks)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 4*time.Second, st.AverageTurnaround)

	o.Reset()
	st = o.Stats()
	assert.Zero(t, st.TotalTasks)
	assert.Zero(t, st.Completed)
	assert.Equal(t, 1, st.Workers)
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	events := eventbus.New()
	ch, unsub := events.Subscribe(32)
	defer unsub()

	b := bus.New(bus.WithLogger(zerolog.Nop()), bus.WithEvents(events))
	o := New(Config{}, b, WithLogger(zerolog.Nop()), WithEvents(events))
	register(t, o, domain.Worker{ID: "w", Capabilities: domain.Capabilities{"x"}})
	task, _ := o.SubmitTask(ctx, TaskSpec{Type: "x"})
	_, _ = o.CompleteTask(ctx, task.ID, nil)
	o.UnregisterWorker("w")

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{
		eventbus.WorkerRegistered,
		eventbus.TaskSubmitted,
		eventbus.TaskAssigned,
		eventbus.MessageDelivered,
		eventbus.MessageDelivered,
		eventbus.TaskCompleted,
		eventbus.WorkerUnregistered,
	}, types)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := newTestOrchestrator(t, Config{})
	_, err := o.SubmitTask(ctx, TaskSpec{})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = o.SubmitTask(ctx, TaskSpec{ID: "x", Type: "a"})
	require.NoError(t, err)
	_, err = o.SubmitTask(ctx, TaskSpec{ID: "x", Type: "a"})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}
