package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

// WorkflowSpec is a group of tasks dispatched under one policy. Tasks may
// depend on each other through caller-chosen IDs.
type WorkflowSpec struct {
	Name   string          `json:"name"`
	Policy dispatch.Policy `json:"policy,omitempty"`
	Tasks  []TaskSpec      `json:"tasks"`
}

// SubmitWorkflow validates every task up front, then submits them in order.
// Either all tasks are stored or none.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, spec WorkflowSpec) (domain.Workflow, []domain.Task, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return domain.Workflow{}, nil, fmt.Errorf("%w: workflow name is required", ErrInvalidTask)
	}
	if len(spec.Tasks) == 0 {
		return domain.Workflow{}, nil, fmt.Errorf("%w: workflow has no tasks", ErrInvalidTask)
	}
	if spec.Policy != "" {
		if _, err := dispatch.ParsePolicy(string(spec.Policy)); err != nil {
			return domain.Workflow{}, nil, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	batch := map[string]struct{}{}
	for i := range spec.Tasks {
		if spec.Tasks[i].ID == "" {
			spec.Tasks[i].ID = "tsk_" + uuid.NewString()
		}
		if err := o.validateSpecLocked(spec.Tasks[i], batch); err != nil {
			return domain.Workflow{}, nil, err
		}
	}

	wf := &domain.Workflow{
		ID:        "wf_" + uuid.NewString(),
		Name:      spec.Name,
		Policy:    string(spec.Policy),
		CreatedAt: o.now(),
	}
	for _, ts := range spec.Tasks {
		wf.TaskIDs = append(wf.TaskIDs, ts.ID)
	}
	o.workflows[wf.ID] = wf
	o.log.Info().Str("workflow_id", wf.ID).Str("name", wf.Name).Int("tasks", len(wf.TaskIDs)).Msg("workflow created")
	o.events.Publish(eventbus.Event{Type: eventbus.WorkflowCreated, Time: wf.CreatedAt, Data: *wf})

	tasks := make([]domain.Task, 0, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		tasks = append(tasks, copyTask(o.submitLocked(ctx, ts, wf.ID)))
	}
	return *wf, tasks, nil
}
