package bus

import (
	"context"
	"errors"
	"sync"

	"taskflow/internal/domain"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO of messages for one recipient.
type Mailbox struct {
	mu     sync.Mutex
	queue  []domain.Message
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (m *Mailbox) push(msg domain.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// TryNext pops the oldest queued message without waiting.
func (m *Mailbox) TryNext() (domain.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return domain.Message{}, false
	}
	msg := m.queue[0]
	m.queue[0] = domain.Message{}
	m.queue = m.queue[1:]
	return msg, true
}

// Next blocks until a message is available, the mailbox is closed and
// drained, or ctx is done.
func (m *Mailbox) Next(ctx context.Context) (domain.Message, error) {
	for {
		if msg, ok := m.TryNext(); ok {
			return msg, nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return domain.Message{}, ErrMailboxClosed
		}
		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case <-m.notify:
		case <-m.done:
		}
	}
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
