// Package app wires the configured backends into the components shared by
// the api, scheduler and worker commands.
package app

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/blob"
	"github.com/SirClappington/lendersync/internal/config"
	"github.com/SirClappington/lendersync/internal/lock"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/orchestrator"
	"github.com/SirClappington/lendersync/internal/producer"
	"github.com/SirClappington/lendersync/internal/queue"
	"github.com/SirClappington/lendersync/internal/registry"
	"github.com/SirClappington/lendersync/internal/storage"
)

type Deps struct {
	Config   config.Config
	Log      *zap.Logger
	Registry registry.Registry
	Locks    lock.Service
	Queue    *queue.RedisQ
	Blobs    blob.Store

	pool    *pgxpool.Pool
	sqlite  *sql.DB
	redis   *r.Client
	closers []func() error
}

// Open connects every backend cfg selects. Postgres migrations run here.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *Deps, err error) {
	d := &Deps{Config: cfg, Log: logging.OrNop(log)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Close())
		}
	}()

	if cfg.NeedsPostgres() {
		if d.pool, err = storage.OpenPostgres(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error { d.pool.Close(); return nil })
	}

	d.redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	d.closers = append(d.closers, d.redis.Close)
	if err = d.redis.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "app: ping redis %s", cfg.RedisAddr)
	}
	d.Queue = queue.New(d.redis, cfg.QueueName, queue.WithVisibilityTimeout(cfg.QueueVisibilityTimeout))

	switch cfg.RegistryDriver {
	case "postgres":
		d.Registry = storage.New(d.pool)
	case "sqlite":
		if d.sqlite, err = storage.OpenSQLite(ctx, cfg.SQLitePath); err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.sqlite.Close)
		d.Registry = storage.NewSQLite(d.sqlite)
	default:
		d.Registry = registry.NewMemory()
	}

	switch cfg.LockBackend {
	case "redis":
		d.Locks = lock.NewRedis(d.redis)
	case "postgres":
		d.Locks = storage.NewLocker(d.pool)
	default:
		d.Locks = lock.NewMemory()
	}

	switch cfg.BlobBackend {
	case "postgres":
		d.Blobs = storage.NewPayloadStore(d.pool)
	case "fs":
		d.Blobs = blob.NewDir(cfg.BlobDir)
	default:
		d.Blobs = blob.NewMemory()
	}

	d.Log.Info("backends ready",
		zap.String("registry", cfg.RegistryDriver),
		zap.String("locks", cfg.LockBackend),
		zap.String("blobs", cfg.BlobBackend),
		zap.String("queue", cfg.QueueName),
	)
	return d, nil
}

// Orchestrator builds the run orchestrator from the configured lenders and
// tracked products.
func (d *Deps) Orchestrator() (*orchestrator.Orchestrator, error) {
	products, err := orchestrator.ParseProducts(d.Config.TrackedProducts)
	if err != nil {
		return nil, err
	}
	loc, err := d.Config.Location()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(d.Locks, d.Registry, producer.New(d.Queue, d.Log), orchestrator.Options{
		Lenders:          d.Config.LenderCodes,
		Products:         products,
		Location:         loc,
		LockTTL:          d.Config.DailyLockTTL,
		BackfillPerMonth: d.Config.BackfillMaxPerMonth,
		Logger:           d.Log,
	}), nil
}

// Close releases backends in reverse order of opening.
func (d *Deps) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}
