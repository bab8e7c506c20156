// Package registry tracks registered workers and the elected coordinator.
package registry

import (
	"sync"

	"taskflow/internal/domain"
)

// Registry keeps workers in registration order. Re-registering an existing ID
// replaces the config in place, so the worker keeps its original position.
type Registry struct {
	mu          sync.RWMutex
	order       []string
	workers     map[string]domain.Worker
	coordinator string
}

func New() *Registry {
	return &Registry{workers: map[string]domain.Worker{}}
}

// Register upserts w and reports whether an existing entry was replaced.
func (r *Registry) Register(w domain.Worker) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.workers[w.ID]
	if replaced {
		if w.RegisteredAt.IsZero() {
			w.RegisteredAt = prev.RegisteredAt
		}
	} else {
		r.order = append(r.order, w.ID)
	}
	r.workers[w.ID] = w

	switch {
	case r.coordinator == "" && w.Role == domain.RoleCoordinator:
		r.coordinator = w.ID
	case r.coordinator == w.ID && w.Role != domain.RoleCoordinator:
		// the coordinator re-registered with another role
		r.coordinator = ""
		r.electLocked()
	}
	return replaced
}

// Unregister removes the worker. The boolean is false when the ID is unknown.
func (r *Registry) Unregister(id string) (domain.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	delete(r.workers, id)
	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.coordinator == id {
		r.coordinator = ""
		r.electLocked()
	}
	return w, true
}

// electLocked promotes the first remaining coordinator-role worker, if any.
func (r *Registry) electLocked() {
	for _, id := range r.order {
		if r.workers[id].Role == domain.RoleCoordinator {
			r.coordinator = id
			return
		}
	}
}

func (r *Registry) Get(id string) (domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// List returns workers in registration order.
func (r *Registry) List() []domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

func (r *Registry) Coordinator() (domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.coordinator == "" {
		return domain.Worker{}, false
	}
	return r.workers[r.coordinator], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
