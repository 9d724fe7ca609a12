package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/lendersync/internal/domain"
)

var _ Registry = (*Memory)(nil)

type memRun struct {
	id         string
	runType    domain.RunType
	status     domain.RunStatus
	startedAt  time.Time
	finishedAt *time.Time
	enqueued   map[string]int // nil until SetEnqueuedSummary
	outcomes   map[string]domain.UnitOutcome
	errors     []string
	failed     bool
}

// Memory is an in-process Registry.
type Memory struct {
	mu   sync.Mutex
	runs map[string]*memRun
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*memRun), now: time.Now}
}

func (m *Memory) Create(_ context.Context, runID string, runType domain.RunType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok {
		return false, nil
	}
	m.runs[runID] = &memRun{
		id:        runID,
		runType:   runType,
		status:    domain.StatusRunning,
		startedAt: m.now().UTC(),
		outcomes:  make(map[string]domain.UnitOutcome),
	}
	return true, nil
}

func (m *Memory) MarkFailed(_ context.Context, runID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.failed = true
	r.status = domain.StatusFailed
	r.errors = append(r.errors, message)
	r.finishedAt = Finish(r.finishedAt, true, m.now())
	return nil
}

func (m *Memory) SetEnqueuedSummary(_ context.Context, runID string, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.enqueued = make(map[string]int, len(counts))
	for k, v := range counts {
		r.enqueued[k] = v
	}
	m.derive(r)
	return nil
}

func (m *Memory) RecordOutcome(_ context.Context, runID string, o domain.UnitOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = m.now().UTC()
	}
	r.outcomes[o.UnitKey] = o
	m.derive(r)
	return nil
}

func (m *Memory) Outcome(_ context.Context, runID, unitKey string) (domain.UnitOutcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.UnitOutcome{}, false, ErrRunNotFound
	}
	o, found := r.outcomes[unitKey]
	return o, found, nil
}

func (m *Memory) Reset(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	r.status = domain.StatusRunning
	r.startedAt = m.now().UTC()
	r.finishedAt = nil
	r.enqueued = nil
	r.outcomes = make(map[string]domain.UnitOutcome)
	r.errors = nil
	r.failed = false
	return nil
}

// derive refreshes status; caller holds mu.
func (m *Memory) derive(r *memRun) {
	if r.failed || r.enqueued == nil {
		return
	}
	status, complete := Derive(r.enqueued, r.outcomeList())
	r.status = status
	r.finishedAt = Finish(r.finishedAt, complete, m.now())
}

func (r *memRun) outcomeList() []domain.UnitOutcome {
	out := make([]domain.UnitOutcome, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o)
	}
	return out
}

func (r *memRun) snapshot() domain.Run {
	outcomes := r.outcomeList()
	run := domain.Run{
		ID:        r.id,
		Type:      r.runType,
		Status:    r.status,
		StartedAt: r.startedAt,
		Summary:   Summarize(r.enqueued, outcomes),
		Errors:    append(append([]string{}, r.errors...), UnitErrors(outcomes)...),
	}
	if r.finishedAt != nil {
		t := *r.finishedAt
		run.FinishedAt = &t
	}
	return run
}

func (m *Memory) Get(_ context.Context, runID string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}
	return r.snapshot(), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]domain.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r.snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit = ClampLimit(limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
