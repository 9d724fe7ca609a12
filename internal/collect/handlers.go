// Package collect holds the job handlers: fetch a unit's data from the
// source and write the raw payload under the unit's idempotency key.
package collect

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/blob"
	"github.com/SirClappington/lendersync/internal/consumer"
	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/idempotency"
	"github.com/SirClappington/lendersync/internal/logging"
)

var _ consumer.Handlers = (*Collector)(nil)

type Collector struct {
	fetch Fetcher
	store blob.Store
	log   *zap.Logger
}

func New(fetch Fetcher, store blob.Store, log *zap.Logger) *Collector {
	return &Collector{fetch: fetch, store: store, log: logging.OrNop(log)}
}

// PayloadKey is where a job's raw payload lives. Rewriting it on
// redelivery replaces the earlier copy.
func PayloadKey(j domain.Job) string {
	m := j.Meta()
	key := m.IdempotencyKey
	if key == "" {
		key = idempotency.UnitKey(m.RunID, m.UnitKey, j.Cursor())
	}
	return "raw/" + string(m.Kind) + "/" + j.Cursor() + "/" + key + ".json"
}

func (c *Collector) HandleDailyFetch(ctx context.Context, j *domain.DailyFetch) error {
	path := "/lenders/" + url.PathEscape(j.LenderCode) + "/products"
	return c.collect(ctx, j, path, url.Values{"date": {j.CollectionDate}})
}

func (c *Collector) HandleProductDetail(ctx context.Context, j *domain.ProductDetail) error {
	path := "/lenders/" + url.PathEscape(j.LenderCode) + "/products/" + url.PathEscape(j.ProductID)
	return c.collect(ctx, j, path, url.Values{"date": {j.CollectionDate}})
}

func (c *Collector) HandleHistoricalSnapshot(ctx context.Context, j *domain.HistoricalSnapshot) error {
	path := "/lenders/" + url.PathEscape(j.LenderCode) + "/snapshots/" + j.SnapshotDate
	return c.collect(ctx, j, path, nil)
}

func (c *Collector) collect(ctx context.Context, j domain.Job, path string, q url.Values) error {
	body, err := c.fetch.Fetch(ctx, path, q)
	if err != nil {
		return err
	}
	key := PayloadKey(j)
	if err := c.store.Put(ctx, key, body); err != nil {
		return errors.Wrapf(err, "collect: store %s", key)
	}
	c.log.Debug("payload stored", zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}
