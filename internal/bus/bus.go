// Package bus delivers task and result messages to workers.
//
// Every message is appended to an outbound log. Messages addressed to an
// attached recipient are also queued in its mailbox, which preserves
// submission order per recipient. Nothing waits for acknowledgement.
package bus

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskflow/internal/domain"
	"taskflow/internal/eventbus"
)

const defaultLogLimit = 10000

type Bus struct {
	mu       sync.Mutex
	outbound []domain.Message
	logLimit int
	boxes    map[string]*Mailbox

	events eventbus.Bus
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Bus)

// WithLogLimit caps the outbound log; the oldest entries are dropped first.
func WithLogLimit(n int) Option { return func(b *Bus) { b.logLimit = n } }

func WithEvents(e eventbus.Bus) Option { return func(b *Bus) { b.events = e } }

func WithLogger(l zerolog.Logger) Option { return func(b *Bus) { b.log = l } }

func New(opts ...Option) *Bus {
	b := &Bus{
		logLimit: defaultLogLimit,
		boxes:    map[string]*Mailbox{},
		events:   eventbus.Nop(),
		log:      log.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers a recipient and returns its mailbox. Attaching twice
// returns the existing mailbox.
func (b *Bus) Attach(id string) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.boxes[id]; ok {
		return mb
	}
	mb := newMailbox()
	b.boxes[id] = mb
	return mb
}

// Detach removes a recipient and closes its mailbox. Queued messages are
// still readable until drained.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	mb, ok := b.boxes[id]
	delete(b.boxes, id)
	b.mu.Unlock()
	if ok {
		mb.close()
	}
}

func (b *Bus) Mailbox(id string) (*Mailbox, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.boxes[id]
	return mb, ok
}

// Send stamps msg with a fresh ID and timestamp, logs it and queues it for
// the recipient if attached. Unknown recipients are not an error.
func (b *Bus) Send(msg domain.Message) domain.Message {
	b.mu.Lock()
	msg = b.sendLocked(msg)
	b.mu.Unlock()
	return msg
}

func (b *Bus) sendLocked(msg domain.Message) domain.Message {
	msg.ID = "msg_" + uuid.NewString()
	msg.Timestamp = b.now()

	b.outbound = append(b.outbound, msg)
	if b.logLimit > 0 && len(b.outbound) > b.logLimit {
		b.outbound = append(b.outbound[:0:0], b.outbound[len(b.outbound)-b.logLimit:]...)
	}

	mb, ok := b.boxes[msg.To]
	if !ok {
		b.log.Debug().Str("to", msg.To).Str("kind", string(msg.Kind)).Msg("recipient not registered; message logged only")
		return msg
	}
	mb.push(msg)
	b.events.Publish(eventbus.Event{Type: eventbus.MessageDelivered, Time: msg.Timestamp, Data: msg})
	return msg
}

// Broadcast sends one message per attached recipient not in exclude.
func (b *Bus) Broadcast(from string, kind domain.MessageKind, payload json.RawMessage, exclude ...string) []domain.Message {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	recipients := make([]string, 0, len(b.boxes))
	for id := range b.boxes {
		if _, ok := skip[id]; !ok {
			recipients = append(recipients, id)
		}
	}
	sort.Strings(recipients)

	out := make([]domain.Message, 0, len(recipients))
	for _, to := range recipients {
		out = append(out, b.sendLocked(domain.Message{From: from, To: to, Kind: kind, Payload: payload}))
	}
	return out
}

// Log returns up to limit of the most recent outbound messages, oldest first.
// limit <= 0 returns the whole log.
func (b *Bus) Log(limit int) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.outbound
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]domain.Message, len(src))
	copy(out, src)
	return out
}
