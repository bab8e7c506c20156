// Package workflow turns scheduled triggers into orchestrator work.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskflow/internal/domain"
	"taskflow/internal/orchestrator"
)

// Dispatcher is the part of the orchestrator the executor needs.
type Dispatcher interface {
	SubmitTask(ctx context.Context, spec orchestrator.TaskSpec) (domain.Task, error)
	SubmitWorkflow(ctx context.Context, spec orchestrator.WorkflowSpec) (domain.Workflow, []domain.Task, error)
}

// Executor starts workflows by ID. An ID with a registered template submits
// the template's task group; any other ID submits a single task of that type.
type Executor struct {
	dispatcher Dispatcher
	log        zerolog.Logger

	mu        sync.RWMutex
	templates map[string]orchestrator.WorkflowSpec
}

type Option func(*Executor)

func WithLogger(l zerolog.Logger) Option { return func(e *Executor) { e.log = l } }

func NewExecutor(d Dispatcher, opts ...Option) *Executor {
	e := &Executor{dispatcher: d, log: log.Logger, templates: map[string]orchestrator.WorkflowSpec{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Define registers a template under id, replacing any previous one.
func (e *Executor) Define(id string, spec orchestrator.WorkflowSpec) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("workflow template id is required")
	}
	if len(spec.Tasks) == 0 {
		return fmt.Errorf("workflow template %s has no tasks", id)
	}
	e.mu.Lock()
	e.templates[id] = spec
	e.mu.Unlock()
	return nil
}

func (e *Executor) Templates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.templates))
	for id := range e.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Execute returns the created workflow ID for templates and the task ID
// otherwise. Template tasks without a payload receive the trigger payload.
// Template task IDs are replaced with fresh ones on every execution and
// dependencies between them are rewritten to match.
func (e *Executor) Execute(ctx context.Context, workflowID string, payload json.RawMessage) (string, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[workflowID]
	e.mu.RUnlock()

	if !ok {
		t, err := e.dispatcher.SubmitTask(ctx, orchestrator.TaskSpec{Type: workflowID, Payload: payload})
		if err != nil {
			return "", fmt.Errorf("execute workflow %s: %w", workflowID, err)
		}
		e.log.Debug().Str("workflow_id", workflowID).Str("task_id", t.ID).Msg("workflow submitted as task")
		return t.ID, nil
	}

	spec := orchestrator.WorkflowSpec{Name: tmpl.Name, Policy: tmpl.Policy}
	if spec.Name == "" {
		spec.Name = workflowID
	}
	ids := make(map[string]string, len(tmpl.Tasks))
	for _, ts := range tmpl.Tasks {
		if ts.ID != "" {
			ids[ts.ID] = "tsk_" + uuid.NewString()
		}
	}
	spec.Tasks = make([]orchestrator.TaskSpec, len(tmpl.Tasks))
	for i, ts := range tmpl.Tasks {
		if len(ts.Payload) == 0 {
			ts.Payload = payload
		}
		ts.ID = ids[ts.ID]
		deps := make([]string, len(ts.Dependencies))
		for j, dep := range ts.Dependencies {
			if id, ok := ids[dep]; ok {
				dep = id
			}
			deps[j] = dep
		}
		ts.Dependencies = deps
		spec.Tasks[i] = ts
	}
	wf, tasks, err := e.dispatcher.SubmitWorkflow(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("execute workflow %s: %w", workflowID, err)
	}
	e.log.Debug().Str("workflow_id", workflowID).Str("execution_id", wf.ID).Int("tasks", len(tasks)).Msg("workflow template submitted")
	return wf.ID, nil
}
