// Package worker runs in-process workers that take tasks from their mailbox
// and report results back to the orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskflow/internal/bus"
	"taskflow/internal/domain"
	"taskflow/internal/orchestrator"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Orchestrator is what the pool needs from the orchestrator.
type Orchestrator interface {
	RegisterWorker(w domain.Worker) (*bus.Mailbox, error)
	UnregisterWorker(id string) bool
	StartTask(id string) (domain.Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) (domain.Task, error)
	FailTask(ctx context.Context, id string, reason string) (domain.Task, error)
}

// Local describes one worker hosted by the pool.
type Local struct {
	Worker domain.Worker
	// Timeout bounds each handler call. Zero means no limit.
	Timeout time.Duration
}

type member struct {
	local Local
	box   *bus.Mailbox
}

// Pool hosts local workers. Handlers are keyed by task type; the handler
// registered under domain.CapabilityAny serves every other type.
type Pool struct {
	orch     Orchestrator
	handlers map[string]Handler
	sem      chan struct{}
	log      zerolog.Logger

	mu      sync.Mutex
	members []member
	runCtx  context.Context
	wg      sync.WaitGroup
}

type Option func(*Pool)

func WithLogger(l zerolog.Logger) Option { return func(p *Pool) { p.log = l } }

// NewPool runs at most size handlers at once across all workers.
func NewPool(orch Orchestrator, handlers map[string]Handler, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{orch: orch, handlers: handlers, sem: make(chan struct{}, size), log: log.Logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a worker with the orchestrator. If the pool is running the
// worker starts consuming immediately.
func (p *Pool) Add(l Local) error {
	box, err := p.orch.RegisterWorker(l.Worker)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", l.Worker.ID, err)
	}
	m := member{local: l, box: box}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append(p.members, m)
	if p.runCtx != nil {
		p.consume(p.runCtx, m)
	}
	p.log.Info().Str("worker_id", l.Worker.ID).Strs("capabilities", caps(l.Worker)).Msg("local worker added")
	return nil
}

// Run consumes every worker's mailbox until ctx is done, then waits for
// running handlers and unregisters the workers.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.runCtx = ctx
	for _, m := range p.members {
		p.consume(ctx, m)
	}
	p.mu.Unlock()

	<-ctx.Done()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		p.orch.UnregisterWorker(m.local.Worker.ID)
	}
	p.members = nil
	p.runCtx = nil
}

func (p *Pool) consume(ctx context.Context, m member) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			msg, err := m.box.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrMailboxClosed) {
					p.log.Warn().Err(err).Str("worker_id", m.local.Worker.ID).Msg("mailbox read failed")
				}
				return
			}
			if msg.Kind != domain.MessageTask {
				p.log.Debug().Str("worker_id", m.local.Worker.ID).Str("kind", string(msg.Kind)).Msg("message ignored")
				continue
			}
			var tm orchestrator.TaskMessage
			if err := json.Unmarshal(msg.Payload, &tm); err != nil {
				p.log.Error().Err(err).Str("message_id", msg.ID).Msg("invalid task message")
				continue
			}

			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.handle(ctx, m.local, tm)
			}()
		}
	}()
}

func (p *Pool) handle(ctx context.Context, l Local, tm orchestrator.TaskMessage) {
	logger := p.log.With().Str("worker_id", l.Worker.ID).Str("task_id", tm.TaskID).Str("task_type", tm.Type).Logger()

	if _, err := p.orch.StartTask(tm.TaskID); err != nil {
		logger.Warn().Err(err).Msg("task not started")
		return
	}

	h, ok := p.handlers[tm.Type]
	if !ok {
		h, ok = p.handlers[string(domain.CapabilityAny)]
	}
	if !ok {
		p.fail(ctx, logger, tm.TaskID, "no handler for task type "+tm.Type)
		return
	}

	hctx := ctx
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := invoke(hctx, h, tm.Payload)
	if err != nil {
		p.fail(ctx, logger, tm.TaskID, err.Error())
		return
	}
	// Reporting must survive shutdown so the task does not stay in flight.
	if _, err := p.orch.CompleteTask(context.WithoutCancel(ctx), tm.TaskID, result); err != nil {
		logger.Error().Err(err).Msg("failed to complete task")
		return
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("task completed")
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, id, reason string) {
	if _, err := p.orch.FailTask(context.WithoutCancel(ctx), id, reason); err != nil {
		logger.Error().Err(err).Msg("failed to fail task")
		return
	}
	logger.Warn().Str("reason", reason).Msg("task failed")
}

func invoke(ctx context.Context, h Handler, payload json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, payload)
}

func caps(w domain.Worker) []string {
	out := make([]string, len(w.Capabilities))
	for i, c := range w.Capabilities {
		out[i] = string(c)
	}
	return out
}
