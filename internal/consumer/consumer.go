// Package consumer processes queued job deliveries: decode, dispatch to the
// kind's handler, record the unit outcome, then ack or schedule a retry.
package consumer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/lendersync/internal/backoff"
	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/queue"
	"github.com/SirClappington/lendersync/internal/registry"
)

const (
	DefaultMaxAttempts  = 6
	DefaultConcurrency  = 4
	DefaultBatchSize    = 10
	DefaultPollInterval = time.Second
)

// Handlers does the actual work for each job kind. Implementations must be
// idempotent on the job's idempotency key.
type Handlers interface {
	HandleDailyFetch(ctx context.Context, j *domain.DailyFetch) error
	HandleProductDetail(ctx context.Context, j *domain.ProductDetail) error
	HandleHistoricalSnapshot(ctx context.Context, j *domain.HistoricalSnapshot) error
}

type Options struct {
	MaxAttempts  int
	Concurrency  int
	BatchSize    int
	PollInterval time.Duration
	Logger       *zap.Logger
}

type Consumer struct {
	q    queue.Transport
	reg  registry.Registry
	h    Handlers
	opts Options
	log  *zap.Logger

	processed atomic.Int64
	// unrecorded holds handler errors, by message id, whose give-up could
	// not be written to the registry.
	unrecorded sync.Map
}

func New(q queue.Transport, reg registry.Registry, h Handlers, opts Options) *Consumer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Consumer{q: q, reg: reg, h: h, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Processed counts deliveries that reached a final ack or retry.
func (c *Consumer) Processed() int64 { return c.processed.Load() }

// Run polls the queue until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		ds, err := c.q.Receive(ctx, c.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			c.log.Error("receive failed", zap.Error(err))
		}
		if len(ds) > 0 {
			if err := c.ProcessBatch(ctx, ds); err != nil {
				c.log.Error("batch had transport failures", zap.Error(err))
			}
			if len(ds) == c.opts.BatchSize {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// ProcessBatch handles deliveries concurrently. The returned error only
// combines queue ack/retry failures; handler failures are retried or
// recorded, never returned.
func (c *Consumer) ProcessBatch(ctx context.Context, ds []queue.Delivery) error {
	errs := make([]error, len(ds))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, d := range ds {
		g.Go(func() error {
			errs[i] = c.Process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Process settles one delivery.
func (c *Consumer) Process(ctx context.Context, d queue.Delivery) error {
	defer c.processed.Add(1)
	log := c.log.With(zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))

	job, err := domain.Decode(d.Body)
	if err != nil {
		return c.reject(ctx, log, d, err)
	}
	m := job.Meta()
	log = log.With(zap.String("run_id", m.RunID), zap.String("unit_key", m.UnitKey), zap.String("kind", string(m.Kind)))

	if d.Attempt > c.opts.MaxAttempts {
		return c.exhausted(ctx, log, d, m)
	}

	if herr := c.dispatch(ctx, job); herr != nil {
		if d.Attempt >= c.opts.MaxAttempts {
			return c.giveUp(ctx, log, d, m, herr)
		}
		return c.retry(ctx, log, d, herr)
	}

	err = c.reg.RecordOutcome(ctx, m.RunID, domain.UnitOutcome{
		UnitKey: m.UnitKey,
		Target:  m.Target,
		Success: true,
		Attempt: d.Attempt,
	})
	if err != nil {
		return c.retry(ctx, log, d, errors.Wrap(err, "record success"))
	}
	log.Debug("unit succeeded")
	return c.ack(ctx, d)
}

func (c *Consumer) dispatch(ctx context.Context, job domain.Job) error {
	switch j := job.(type) {
	case *domain.DailyFetch:
		return c.h.HandleDailyFetch(ctx, j)
	case *domain.ProductDetail:
		return c.h.HandleProductDetail(ctx, j)
	case *domain.HistoricalSnapshot:
		return c.h.HandleHistoricalSnapshot(ctx, j)
	default:
		return errors.Wrapf(domain.ErrUnknownKind, "%T", job)
	}
}

// reject acks a message that can never be processed, recording a failed
// outcome first when the body still names its run and unit.
func (c *Consumer) reject(ctx context.Context, log *zap.Logger, d queue.Delivery, cause error) error {
	log.Warn("malformed job", zap.Error(cause))
	if env, ok := domain.PeekEnvelope(d.Body); ok {
		err := c.reg.RecordOutcome(ctx, env.RunID, domain.UnitOutcome{
			UnitKey: env.UnitKey,
			Target:  env.Target,
			Error:   cause.Error(),
			Attempt: d.Attempt,
		})
		if err != nil {
			log.Error("record malformed outcome", zap.Error(err))
		}
	}
	return c.ack(ctx, d)
}

// exhausted settles a delivery past the attempt limit without running the
// handler. An outcome already in the registry is kept as is; otherwise the
// last handler error is recorded when this process still has it.
func (c *Consumer) exhausted(ctx context.Context, log *zap.Logger, d queue.Delivery, m *domain.Envelope) error {
	_, found, err := c.reg.Outcome(ctx, m.RunID, m.UnitKey)
	if err != nil {
		return c.retry(ctx, log, d, errors.Wrap(err, "load outcome"))
	}
	if found {
		log.Info("outcome already recorded, dropping redelivery")
		c.unrecorded.Delete(d.ID)
		return c.ack(ctx, d)
	}
	cause := errors.Errorf("gave up after %d attempts; last handler error was not recorded", c.opts.MaxAttempts)
	if last, ok := c.unrecorded.Load(d.ID); ok {
		cause = errors.Errorf("gave up after %d attempts: %s", c.opts.MaxAttempts, last)
	}
	return c.giveUp(ctx, log, d, m, cause)
}

func (c *Consumer) giveUp(ctx context.Context, log *zap.Logger, d queue.Delivery, m *domain.Envelope, cause error) error {
	err := c.reg.RecordOutcome(ctx, m.RunID, domain.UnitOutcome{
		UnitKey: m.UnitKey,
		Target:  m.Target,
		Error:   cause.Error(),
		Attempt: d.Attempt,
	})
	if err != nil {
		// Keep the message so the failure is not lost.
		if d.Attempt <= c.opts.MaxAttempts {
			c.unrecorded.Store(d.ID, cause.Error())
		}
		return c.retry(ctx, log, d, errors.Wrap(err, "record failure"))
	}
	c.unrecorded.Delete(d.ID)
	log.Warn("unit failed permanently", zap.Error(cause))
	return c.ack(ctx, d)
}

func (c *Consumer) retry(ctx context.Context, log *zap.Logger, d queue.Delivery, cause error) error {
	delay := backoff.Delay(d.Attempt)
	log.Warn("unit failed, retrying", zap.Error(cause), zap.Int("delay_seconds", backoff.Seconds(d.Attempt)))
	if err := c.q.Retry(ctx, d.ID, delay); err != nil {
		return errors.Wrapf(err, "consumer: retry %s", d.ID)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, d queue.Delivery) error {
	if err := c.q.Ack(ctx, d.ID); err != nil {
		return errors.Wrapf(err, "consumer: ack %s", d.ID)
	}
	return nil
}
