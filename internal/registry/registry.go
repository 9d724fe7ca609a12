// Package registry records one row per run plus the latest outcome of every
// unit in it. Implementations live here (memory) and in internal/storage
// (Postgres, SQLite).
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/domain"
)

var ErrRunNotFound = errors.New("run not found")

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type Registry interface {
	// Create inserts the run if absent. created is false when a row with
	// this id already existed; the existing row is left untouched.
	Create(ctx context.Context, runID string, runType domain.RunType) (created bool, err error)
	MarkFailed(ctx context.Context, runID, message string) error
	// SetEnqueuedSummary stores per-target enqueued counts. A run with no
	// enqueued units completes immediately.
	SetEnqueuedSummary(ctx context.Context, runID string, counts map[string]int) error
	// RecordOutcome upserts the outcome for (runID, outcome.UnitKey) and
	// re-derives the run status. Safe to repeat for redelivered messages.
	RecordOutcome(ctx context.Context, runID string, outcome domain.UnitOutcome) error
	// Outcome returns the recorded outcome for one unit, if any.
	Outcome(ctx context.Context, runID, unitKey string) (o domain.UnitOutcome, found bool, err error)
	// Reset returns an existing run to running: the failed flag, errors,
	// enqueued summary, finishedAt and every unit outcome are cleared and
	// startedAt is set to now.
	Reset(ctx context.Context, runID string) error
	List(ctx context.Context, limit int) ([]domain.Run, error)
	Get(ctx context.Context, runID string) (domain.Run, error)
}

// ClampLimit normalizes a List limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// Derive computes the status of a run from its enqueued counts and unit
// outcomes. complete is true once every enqueued unit has an outcome.
func Derive(enqueued map[string]int, outcomes []domain.UnitOutcome) (status domain.RunStatus, complete bool) {
	total := 0
	for _, n := range enqueued {
		total += n
	}
	var ok, failed int
	for _, o := range outcomes {
		if o.Success {
			ok++
		} else {
			failed++
		}
	}
	if ok+failed < total {
		return domain.StatusRunning, false
	}
	switch {
	case failed == 0:
		return domain.StatusOK, true
	case ok > 0:
		return domain.StatusPartial, true
	default:
		return domain.StatusFailed, true
	}
}

// Summarize folds enqueued counts and outcomes into per-target summaries.
func Summarize(enqueued map[string]int, outcomes []domain.UnitOutcome) map[string]domain.UnitSummary {
	out := make(map[string]domain.UnitSummary, len(enqueued))
	for target, n := range enqueued {
		s := out[target]
		s.Enqueued = n
		out[target] = s
	}
	for _, o := range outcomes {
		s := out[o.Target]
		if o.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		out[o.Target] = s
	}
	return out
}

// UnitErrors lists failed outcomes as "unitKey: message", ordered by unit key.
func UnitErrors(outcomes []domain.UnitOutcome) []string {
	failed := make([]domain.UnitOutcome, 0)
	for _, o := range outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UnitKey < failed[j].UnitKey })
	out := make([]string, 0, len(failed))
	for _, o := range failed {
		out = append(out, o.UnitKey+": "+o.Error)
	}
	return out
}

// Finish returns the finishedAt to store: the existing value if set,
// otherwise now when the run just completed.
func Finish(existing *time.Time, complete bool, now time.Time) *time.Time {
	if existing != nil || !complete {
		return existing
	}
	t := now.UTC()
	return &t
}
