// Package eventbus carries lifecycle notifications to observers such as
// loggers, metrics and UIs.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the orchestrator.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	WorkerRegistered     = "worker.registered"
	WorkerUnregistered   = "worker.unregistered"
	TaskSubmitted        = "task.submitted"
	TaskAssigned         = "task.assigned"
	TaskCompleted        = "task.completed"
	TaskFailed           = "task.failed"
	WorkflowCreated      = "workflow.created"
	MessageDelivered     = "message.delivered"
	ScheduleCreated      = "schedule.created"
	ScheduleRunCompleted = "schedule.run.completed"
	ScheduleRunFailed    = "schedule.run.failed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race with a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
