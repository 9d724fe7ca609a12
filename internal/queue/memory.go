package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var _ Transport = (*Memory)(nil)

type memState int

const (
	stateReady memState = iota
	stateDelayed
	stateInflight
)

type memEntry struct {
	body     []byte
	attempts int
	state    memState
	due      time.Time // delayed: visible at; inflight: visibility deadline
	seq      uint64
}

// Memory is an in-process Transport with the same delivery semantics as
// RedisQ. Ready messages are delivered in submission order.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	seq        uint64
	visibility time.Duration
	now        func() time.Time
}

// NewMemory returns an empty queue. A nil now means time.Now and a
// non-positive visibility means DefaultVisibilityTimeout.
func NewMemory(now func() time.Time, visibility time.Duration) *Memory {
	if now == nil {
		now = time.Now
	}
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Memory{entries: make(map[string]*memEntry), visibility: visibility, now: now}
}

func (m *Memory) SendBatch(_ context.Context, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if _, ok := m.entries[msg.ID]; ok {
			continue
		}
		m.seq++
		m.entries[msg.ID] = &memEntry{body: append([]byte(nil), msg.Body...), seq: m.seq}
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []string
	for id, e := range m.entries {
		if e.state != stateReady && !now.Before(e.due) {
			m.seq++
			e.state, e.seq = stateReady, m.seq
		}
		if e.state == stateReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return m.entries[ready[i]].seq < m.entries[ready[j]].seq })

	var out []Delivery
	for _, id := range ready {
		if len(out) >= max {
			break
		}
		e := m.entries[id]
		e.attempts++
		e.state, e.due = stateInflight, now.Add(m.visibility)
		out = append(out, Delivery{ID: id, Body: append([]byte(nil), e.body...), Attempt: e.attempts})
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Retry(_ context.Context, id string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.state != stateInflight {
		return errors.Wrapf(ErrUnknownMessage, "retry %s", id)
	}
	e.state, e.due = stateDelayed, m.now().Add(delay)
	return nil
}

// Len reports how many messages are pending in any state.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
