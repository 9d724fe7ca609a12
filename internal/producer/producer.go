// Package producer turns a run's units into queued job messages.
package producer

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/idempotency"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/queue"
)

type Result struct {
	Enqueued int
	// PerUnitCounts is keyed by job target.
	PerUnitCounts map[string]int
}

type Producer struct {
	q   queue.Transport
	log *zap.Logger
}

func New(q queue.Transport, log *zap.Logger) *Producer {
	return &Producer{q: q, log: logging.OrNop(log)}
}

// EnqueueUnits stamps every unit with runID and its derived idempotency key
// and submits them as one batch. Units whose keys collide with an earlier
// unit are dropped before counting, so every counted unit has exactly one
// message. It does not retry; a failed batch is returned as a single error
// and nothing is counted.
func (p *Producer) EnqueueUnits(ctx context.Context, runID, cursor string, units []domain.Job) (Result, error) {
	res := Result{PerUnitCounts: make(map[string]int)}
	if len(units) == 0 {
		return res, nil
	}

	msgs := make([]queue.Message, 0, len(units))
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		m := u.Meta()
		key := idempotency.UnitKey(runID, m.UnitKey, cursor)
		if seen[key] {
			p.log.Warn("duplicate unit dropped",
				zap.String("run_id", runID), zap.String("unit_key", m.UnitKey), zap.String("idempotency_key", key))
			continue
		}
		seen[key] = true
		m.RunID = runID
		m.IdempotencyKey = key
		m.Attempt = 1
		body, err := domain.Encode(u)
		if err != nil {
			return Result{}, errors.Wrapf(err, "producer: unit %s", m.UnitKey)
		}
		msgs = append(msgs, queue.Message{ID: m.IdempotencyKey, Body: body})
		res.PerUnitCounts[m.Target]++
	}

	if err := p.q.SendBatch(ctx, msgs); err != nil {
		return Result{}, errors.Wrapf(err, "producer: enqueue %d units for %s", len(msgs), runID)
	}
	res.Enqueued = len(msgs)
	p.log.Info("units enqueued", zap.String("run_id", runID), zap.Int("count", res.Enqueued))
	return res, nil
}
