// Package orchestrator owns the in-memory task store and routes tasks to
// registered workers.
//
// All task and registry mutations happen under one mutex, so every
// submit/complete/fail call runs its state transitions without interleaving.
// Message sends only enqueue into mailboxes and never block.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"taskflow/internal/bus"
	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
	"taskflow/internal/registry"
)

// SenderID is the From field of every message the orchestrator sends.
const SenderID = "orchestrator"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrDuplicateTask       = errors.New("task already exists")
	ErrInvalidTask         = errors.New("invalid task")
	ErrInvalidWorker       = errors.New("invalid worker")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrDependenciesPending = errors.New("dependencies not completed")
)

type Config struct {
	Policy         dispatch.Policy
	MaxConcurrency int
	// WarnEvery throttles "no eligible worker" warnings per task type.
	WarnEvery time.Duration
}

type Orchestrator struct {
	mu        sync.Mutex
	cfg       Config
	registry  *registry.Registry
	bus       *bus.Bus
	tasks     map[string]*domain.Task
	order     []string
	workflows map[string]*domain.Workflow

	completed       int
	failed          int
	turnaroundTotal time.Duration

	events eventbus.Bus
	log    zerolog.Logger
	now    func() time.Time

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

type Option func(*Orchestrator)

func WithEvents(e eventbus.Bus) Option { return func(o *Orchestrator) { o.events = e } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

func New(cfg Config, b *bus.Bus, opts ...Option) *Orchestrator {
	if cfg.Policy == "" {
		cfg.Policy = dispatch.Sequential
	}
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = 30 * time.Second
	}
	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry.New(),
		bus:       b,
		tasks:     map[string]*domain.Task{},
		workflows: map[string]*domain.Workflow{},
		events:    eventbus.Nop(),
		log:       log.Logger,
		now:       time.Now,
		warn:      map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Policy() dispatch.Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Policy
}

// SetPolicy changes the policy used for tasks outside a workflow with its own policy.
func (o *Orchestrator) SetPolicy(p dispatch.Policy) {
	o.mu.Lock()
	o.cfg.Policy = p
	o.mu.Unlock()
	o.log.Info().Str("policy", string(p)).Msg("dispatch policy changed")
}

// SetMaxConcurrency caps the fan-out of parallel dispatch. Zero means one
// clone per eligible worker.
func (o *Orchestrator) SetMaxConcurrency(n int) {
	o.mu.Lock()
	o.cfg.MaxConcurrency = n
	o.mu.Unlock()
	o.log.Info().Int("max_concurrency", n).Msg("dispatch concurrency changed")
}

func (o *Orchestrator) MaxConcurrency() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MaxConcurrency
}

// RegisterWorker upserts w and attaches its mailbox.
func (o *Orchestrator) RegisterWorker(w domain.Worker) (*bus.Mailbox, error) {
	if w.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidWorker)
	}
	if w.Name == "" {
		w.Name = w.ID
	}
	o.mu.Lock()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = o.now()
	}
	replaced := o.registry.Register(w)
	mb := o.bus.Attach(w.ID)
	o.mu.Unlock()

	o.log.Info().Str("worker_id", w.ID).Str("role", string(w.Role)).Bool("replaced", replaced).Msg("worker registered")
	o.events.Publish(eventbus.Event{Type: eventbus.WorkerRegistered, Data: w})
	return mb, nil
}

// UnregisterWorker reports false when the worker is unknown. Tasks already
// assigned to the worker keep their assignment.
func (o *Orchestrator) UnregisterWorker(id string) bool {
	o.mu.Lock()
	w, ok := o.registry.Unregister(id)
	if ok {
		o.bus.Detach(id)
	}
	o.mu.Unlock()

	if !ok {
		o.log.Debug().Str("worker_id", id).Msg("unregister: worker not found")
		return false
	}
	o.log.Info().Str("worker_id", id).Msg("worker unregistered")
	o.events.Publish(eventbus.Event{Type: eventbus.WorkerUnregistered, Data: w})
	return true
}

func (o *Orchestrator) Worker(id string) (domain.Worker, bool) { return o.registry.Get(id) }

func (o *Orchestrator) Workers() []domain.Worker { return o.registry.List() }

func (o *Orchestrator) Coordinator() (domain.Worker, bool) { return o.registry.Coordinator() }

// Broadcast sends a message of kind to every registered worker not in exclude.
func (o *Orchestrator) Broadcast(kind domain.MessageKind, payload json.RawMessage, exclude ...string) []domain.Message {
	return o.bus.Broadcast(SenderID, kind, payload, exclude...)
}

// Messages returns the most recent outbound messages.
func (o *Orchestrator) Messages(limit int) []domain.Message { return o.bus.Log(limit) }

func (o *Orchestrator) Task(id string) (domain.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return copyTask(t), true
}

// Tasks lists tasks in submission order, optionally filtered by status.
func (o *Orchestrator) Tasks(status ...domain.TaskStatus) []domain.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Task, 0, len(o.order))
	for _, id := range o.order {
		t := o.tasks[id]
		if len(status) > 0 && !hasStatus(t.Status, status) {
			continue
		}
		out = append(out, copyTask(t))
	}
	return out
}

func (o *Orchestrator) PendingTasks() []domain.Task { return o.Tasks(domain.TaskPending) }

func (o *Orchestrator) Workflow(id string) (domain.Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[id]
	if !ok {
		return domain.Workflow{}, false
	}
	out := *wf
	out.TaskIDs = append([]string(nil), wf.TaskIDs...)
	return out, true
}

// Stats counts units of work. Parallel parents are left out; their clones
// are counted instead.
type Stats struct {
	Workers           int           `json:"workers"`
	Coordinator       string        `json:"coordinator,omitempty"`
	Policy            string        `json:"policy"`
	TotalTasks        int           `json:"total_tasks"`
	PendingTasks      int           `json:"pending_tasks"`
	ActiveTasks       int           `json:"active_tasks"`
	Completed         int           `json:"completed"`
	Failed            int           `json:"failed"`
	AverageTurnaround time.Duration `json:"average_turnaround"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{
		Workers:   o.registry.Len(),
		Policy:    string(o.cfg.Policy),
		Completed: o.completed,
		Failed:    o.failed,
	}
	if c, ok := o.registry.Coordinator(); ok {
		st.Coordinator = c.ID
	}
	for _, t := range o.tasks {
		if t.Aggregate() {
			continue
		}
		st.TotalTasks++
		switch {
		case t.Status == domain.TaskPending:
			st.PendingTasks++
		case t.Status.InFlight():
			st.ActiveTasks++
		}
	}
	if o.completed > 0 {
		st.AverageTurnaround = o.turnaroundTotal / time.Duration(o.completed)
	}
	return st
}

// Reset drops every task, workflow and counter. Workers stay registered.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.tasks = map[string]*domain.Task{}
	o.order = nil
	o.workflows = map[string]*domain.Workflow{}
	o.completed, o.failed, o.turnaroundTotal = 0, 0, 0
	o.mu.Unlock()
	o.log.Info().Msg("task store reset")
}

func (o *Orchestrator) warnNoWorker(t *domain.Task, err error) {
	o.warnMu.Lock()
	lim, ok := o.warn[t.Type]
	if !ok {
		lim = rate.NewLimiter(rate.Every(o.cfg.WarnEvery), 1)
		o.warn[t.Type] = lim
	}
	o.warnMu.Unlock()

	ev := o.log.Debug()
	if lim.Allow() {
		ev = o.log.Warn()
	}
	ev.Err(err).Str("task_id", t.ID).Str("task_type", t.Type).Msg("task left pending")
}

func hasStatus(s domain.TaskStatus, set []domain.TaskStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func copyTask(t *domain.Task) domain.Task {
	out := *t
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.Clones = append([]string(nil), t.Clones...)
	return out
}
