package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

type TaskSpec struct {
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// TaskMessage is the payload of a task message sent to a worker.
type TaskMessage struct {
	TaskID   string          `json:"task_id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ParentID string          `json:"parent_id,omitempty"`
}

// ResultMessage is the payload of a result message sent to a worker.
type ResultMessage struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// SubmitTask stores a new pending task and dispatches it when all of its
// dependencies are already completed. A task nobody can take stays pending;
// that is not an error.
func (o *Orchestrator) SubmitTask(ctx context.Context, spec TaskSpec) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.validateSpecLocked(spec, nil); err != nil {
		return domain.Task{}, err
	}
	t := o.submitLocked(ctx, spec, "")
	return copyTask(t), nil
}

func (o *Orchestrator) validateSpecLocked(spec TaskSpec, batch map[string]struct{}) error {
	if strings.TrimSpace(spec.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if spec.ID == "" {
		return nil
	}
	if _, ok := o.tasks[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, spec.ID)
	}
	if batch != nil {
		if _, ok := batch[spec.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, spec.ID)
		}
		batch[spec.ID] = struct{}{}
	}
	return nil
}

func (o *Orchestrator) submitLocked(ctx context.Context, spec TaskSpec, workflowID string) *domain.Task {
	now := o.now()
	t := &domain.Task{
		ID:           spec.ID,
		Type:         spec.Type,
		Payload:      spec.Payload,
		Status:       domain.TaskPending,
		Priority:     spec.Priority,
		Dependencies: append([]string(nil), spec.Dependencies...),
		WorkflowID:   workflowID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	o.storeLocked(t)
	o.log.Debug().Str("task_id", t.ID).Str("task_type", t.Type).Strs("deps", t.Dependencies).Msg("task submitted")
	o.events.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Time: now, Data: copyTask(t)})

	if o.dependenciesMetLocked(t) {
		_ = o.dispatchLocked(ctx, t)
	}
	return t
}

func (o *Orchestrator) storeLocked(t *domain.Task) {
	o.tasks[t.ID] = t
	o.order = append(o.order, t.ID)
}

// RetryPending re-attempts dispatch of a pending task.
func (o *Orchestrator) RetryPending(ctx context.Context, id string) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != domain.TaskPending {
		return copyTask(t), fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	if !o.dependenciesMetLocked(t) {
		return copyTask(t), fmt.Errorf("%w: %s", ErrDependenciesPending, id)
	}
	err := o.dispatchLocked(ctx, t)
	return copyTask(t), err
}

// StartTask marks an assigned task as processing.
func (o *Orchestrator) StartTask(id string) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != domain.TaskAssigned {
		return copyTask(t), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, domain.TaskProcessing)
	}
	t.Status = domain.TaskProcessing
	t.UpdatedAt = o.now()
	return copyTask(t), nil
}

// CompleteTask records result and dispatches every pending task whose
// dependencies are now all completed.
func (o *Orchestrator) CompleteTask(ctx context.Context, id string, result json.RawMessage) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.Status.CanAdvanceTo(domain.TaskCompleted) {
		return copyTask(t), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, domain.TaskCompleted)
	}
	o.finishLocked(t, domain.TaskCompleted, result, "")
	o.resolveDependentsLocked(ctx, t.ID)
	o.resolveParentLocked(ctx, t)
	return copyTask(t), nil
}

// FailTask records reason. Dependents of a failed task are left pending.
func (o *Orchestrator) FailTask(ctx context.Context, id string, reason string) (domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.Status.CanAdvanceTo(domain.TaskFailed) {
		return copyTask(t), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, domain.TaskFailed)
	}
	o.finishLocked(t, domain.TaskFailed, nil, reason)
	o.resolveParentLocked(ctx, t)
	return copyTask(t), nil
}

func (o *Orchestrator) finishLocked(t *domain.Task, status domain.TaskStatus, result json.RawMessage, reason string) {
	now := o.now()
	t.Status = status
	t.Result = result
	t.Error = reason
	t.UpdatedAt = now
	t.CompletedAt = &now

	// A parallel parent only aggregates its clones, which were counted already.
	counted := !t.Aggregate()
	evType := eventbus.TaskCompleted
	switch {
	case status == domain.TaskFailed:
		evType = eventbus.TaskFailed
		if counted {
			o.failed++
		}
	case counted:
		o.completed++
		o.turnaroundTotal += now.Sub(t.CreatedAt)
	}

	if t.WorkerID != "" {
		payload, _ := json.Marshal(ResultMessage{TaskID: t.ID, Status: status, Result: result, Error: reason})
		o.bus.Send(domain.Message{From: SenderID, To: t.WorkerID, Kind: domain.MessageResult, Payload: payload})
	}
	o.log.Info().Str("task_id", t.ID).Str("worker_id", t.WorkerID).Str("status", string(status)).Msg("task finished")
	o.events.Publish(eventbus.Event{Type: evType, Time: now, Data: copyTask(t)})
}

func (o *Orchestrator) dependenciesMetLocked(t *domain.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := o.tasks[dep]
		if !ok || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// resolveDependentsLocked dispatches pending tasks that depend on completedID
// and have nothing else outstanding. Cycles are not detected; tasks in a
// cycle simply never become dispatchable.
func (o *Orchestrator) resolveDependentsLocked(ctx context.Context, completedID string) {
	candidates := append([]string(nil), o.order...)
	for _, id := range candidates {
		t := o.tasks[id]
		if t.Status != domain.TaskPending || !dependsOn(t, completedID) {
			continue
		}
		if !o.dependenciesMetLocked(t) {
			continue
		}
		o.log.Debug().Str("task_id", t.ID).Str("unblocked_by", completedID).Msg("dependencies met")
		_ = o.dispatchLocked(ctx, t)
	}
}

// resolveParentLocked settles a parallel parent once every clone is terminal.
func (o *Orchestrator) resolveParentLocked(ctx context.Context, clone *domain.Task) {
	if clone.ParentID == "" {
		return
	}
	parent, ok := o.tasks[clone.ParentID]
	if !ok || parent.Status.Terminal() {
		return
	}
	results := make([]json.RawMessage, 0, len(parent.Clones))
	var failures []string
	for _, cid := range parent.Clones {
		c := o.tasks[cid]
		if !c.Status.Terminal() {
			return
		}
		if c.Status == domain.TaskFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", c.ID, c.Error))
			continue
		}
		res := c.Result
		if len(res) == 0 {
			res = json.RawMessage("null")
		}
		results = append(results, res)
	}
	if len(failures) > 0 {
		o.finishLocked(parent, domain.TaskFailed, nil, strings.Join(failures, "; "))
		o.resolveParentLocked(ctx, parent)
		return
	}
	combined, _ := json.Marshal(results)
	o.finishLocked(parent, domain.TaskCompleted, combined, "")
	o.resolveDependentsLocked(ctx, parent.ID)
	o.resolveParentLocked(ctx, parent)
}

func dependsOn(t *domain.Task, id string) bool {
	for _, dep := range t.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) policyFor(t *domain.Task) dispatch.Policy {
	if t.WorkflowID != "" {
		if wf, ok := o.workflows[t.WorkflowID]; ok && wf.Policy != "" {
			return dispatch.Policy(wf.Policy)
		}
	}
	return o.cfg.Policy
}

func (o *Orchestrator) inflightLocked() map[string]int {
	counts := map[string]int{}
	for _, t := range o.tasks {
		if t.WorkerID != "" && t.Status.InFlight() {
			counts[t.WorkerID]++
		}
	}
	return counts
}

// dispatchLocked assigns a pending task according to its policy. On failure
// the task is left untouched.
func (o *Orchestrator) dispatchLocked(ctx context.Context, t *domain.Task) error {
	policy := o.policyFor(t)
	in := dispatch.Input{
		Task:           *t,
		Workers:        o.registry.List(),
		InFlight:       o.inflightLocked(),
		MaxConcurrency: o.cfg.MaxConcurrency,
	}
	if c, ok := o.registry.Coordinator(); ok {
		in.Coordinator = &c
	}
	selected, err := dispatch.Select(policy, in)
	if err != nil {
		o.warnNoWorker(t, err)
		return err
	}
	if policy == dispatch.Parallel {
		return o.fanOutLocked(ctx, t, selected)
	}
	o.sendAssignment(o.assignLocked(t, selected[0]))
	return nil
}

// fanOutLocked gives each selected worker its own clone of t and issues the
// sends concurrently. It returns once every send has been issued.
func (o *Orchestrator) fanOutLocked(ctx context.Context, t *domain.Task, workers []domain.Worker) error {
	now := o.now()
	msgs := make([]domain.Message, 0, len(workers))
	for _, w := range workers {
		clone := &domain.Task{
			ID:         "tsk_" + uuid.NewString(),
			Type:       t.Type,
			Payload:    t.Payload,
			Status:     domain.TaskPending,
			Priority:   t.Priority,
			WorkflowID: t.WorkflowID,
			ParentID:   t.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		o.storeLocked(clone)
		t.Clones = append(t.Clones, clone.ID)
		msgs = append(msgs, o.assignLocked(clone, w))
	}
	t.Status = domain.TaskAssigned
	t.UpdatedAt = now

	g, _ := errgroup.WithContext(ctx)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			o.sendAssignment(msg)
			return nil
		})
	}
	return g.Wait()
}

// assignLocked moves t to assigned and returns the task message to send.
func (o *Orchestrator) assignLocked(t *domain.Task, w domain.Worker) domain.Message {
	t.Status = domain.TaskAssigned
	t.WorkerID = w.ID
	t.UpdatedAt = o.now()
	payload, _ := json.Marshal(TaskMessage{TaskID: t.ID, Type: t.Type, Payload: t.Payload, ParentID: t.ParentID})

	o.log.Info().Str("task_id", t.ID).Str("worker_id", w.ID).Msg("task assigned")
	o.events.Publish(eventbus.Event{Type: eventbus.TaskAssigned, Time: t.UpdatedAt, Data: copyTask(t)})
	return domain.Message{From: SenderID, To: w.ID, Kind: domain.MessageTask, Payload: payload}
}

func (o *Orchestrator) sendAssignment(msg domain.Message) {
	o.bus.Send(msg)
}
