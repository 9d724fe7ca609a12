package lock

import (
	"context"
	"sync"
	"time"
)

var _ Service = (*Memory)(nil)

// Memory is a mutex-guarded Service for single-process deployments and
// tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{records: make(map[string]Record), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// live returns the record for key, evicting it first when expired.
// Caller holds mu.
func (m *Memory) live(key string, now time.Time) (Record, bool) {
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	if !now.Before(rec.ExpiresAt) {
		delete(m.records, key)
		return Record{}, false
	}
	return rec, true
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (AcquireResult, error) {
	if err := validate(key, owner); err != nil {
		return AcquireResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if rec, ok := m.live(key, now); ok {
		return AcquireResult{Acquired: false, Owner: rec.Owner, ExpiresAt: rec.ExpiresAt}, nil
	}
	rec := Record{Key: key, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ClampTTL(ttl))}
	m.records[key] = rec
	return AcquireResult{Acquired: true, Owner: owner, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.live(key, m.now().UTC())
	if !ok {
		return ReleaseResult{Reason: ReasonNotFound}, nil
	}
	if owner != "" && owner != rec.Owner {
		return ReleaseResult{Reason: ReasonOwnerMismatch}, nil
	}
	delete(m.records, key)
	return ReleaseResult{Released: true}, nil
}

func (m *Memory) Status(_ context.Context, key string) (StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.live(key, m.now().UTC())
	if !ok {
		return StatusResult{}, nil
	}
	exp := rec.ExpiresAt
	return StatusResult{Locked: true, Owner: rec.Owner, ExpiresAt: &exp}, nil
}
