package scheduler

import (
	"sync"
	"time"
)

// DefaultMaxTimerDelay is the longest delay armed as an in-process timer
// (2^31-1 ms, about 24.8 days). Later instants are left to the poller.
const DefaultMaxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

type timerEntry struct {
	timer *time.Timer
	seq   uint64
	at    time.Time
}

// TimerManager keeps at most one armed timer per scheduled task.
//
// Every arm gets a new sequence number. A firing callback must Claim its
// entry with that number before running, so a callback from a replaced or
// disarmed timer is ignored.
type TimerManager struct {
	mu       sync.Mutex
	entries  map[string]timerEntry
	seq      uint64
	maxDelay time.Duration
	now      func() time.Time
	fire     func(id string, seq uint64)
}

func NewTimerManager(maxDelay time.Duration, now func() time.Time, fire func(id string, seq uint64)) *TimerManager {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxTimerDelay
	}
	if now == nil {
		now = time.Now
	}
	return &TimerManager{entries: map[string]timerEntry{}, maxDelay: maxDelay, now: now, fire: fire}
}

// Arm replaces any timer for id with one firing at at. It returns false,
// leaving id unarmed, when the delay exceeds the manager's ceiling.
func (m *TimerManager) Arm(id string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked(id)

	delay := at.Sub(m.now())
	if delay > m.maxDelay {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	m.seq++
	seq := m.seq
	e := timerEntry{seq: seq, at: at}
	e.timer = time.AfterFunc(delay, func() { m.fire(id, seq) })
	m.entries[id] = e
	return true
}

// Claim removes the entry for id if it still belongs to seq.
func (m *TimerManager) Claim(id string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.seq != seq {
		return false
	}
	delete(m.entries, id)
	return true
}

func (m *TimerManager) Disarm(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disarmLocked(id)
}

func (m *TimerManager) disarmLocked(id string) bool {
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.entries, id)
	return true
}

func (m *TimerManager) Armed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

func (m *TimerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop disarms every timer.
func (m *TimerManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		e.timer.Stop()
		delete(m.entries, id)
	}
}
