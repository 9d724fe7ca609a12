package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/lock"
)

var _ lock.Service = (*Locker)(nil)

// Locker is a lock.Service backed by the run_locks table. The primary key
// serializes writers per key; an expired row is taken over in place.
type Locker struct{ db *pgxpool.Pool }

func NewLocker(db *pgxpool.Pool) *Locker { return &Locker{db} }

func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (lock.AcquireResult, error) {
	if key == "" || owner == "" {
		return lock.AcquireResult{}, errors.New("storage: lock key and owner are required")
	}
	ms := lock.ClampTTL(ttl).Milliseconds()

	// The conflicting row can vanish between the upsert and the read, so
	// retry a few times before reporting.
	for i := 0; i < 3; i++ {
		var res lock.AcquireResult
		err := l.db.QueryRow(ctx, `insert into run_locks (lock_key, owner, acquired_at, expires_at)
values ($1, $2, now(), now() + $3::bigint * interval '1 millisecond')
on conflict (lock_key) do update
   set owner = excluded.owner,
       acquired_at = excluded.acquired_at,
       expires_at = excluded.expires_at
 where run_locks.expires_at <= now()
returning owner, expires_at`, key, owner, ms).Scan(&res.Owner, &res.ExpiresAt)
		if err == nil {
			res.Acquired = true
			return res, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return lock.AcquireResult{}, errors.Wrapf(lock.ErrUnavailable, "acquire: %v", err)
		}

		err = l.db.QueryRow(ctx, `select owner, expires_at from run_locks where lock_key = $1 and expires_at > now()`, key).
			Scan(&res.Owner, &res.ExpiresAt)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return lock.AcquireResult{}, errors.Wrapf(lock.ErrUnavailable, "acquire read: %v", err)
		}
	}
	return lock.AcquireResult{}, errors.Wrap(lock.ErrUnavailable, "acquire: lost race repeatedly")
}

func (l *Locker) Release(ctx context.Context, key, owner string) (lock.ReleaseResult, error) {
	var res lock.ReleaseResult
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `delete from run_locks where lock_key = $1 and expires_at <= now()`, key); err != nil {
			return err
		}
		var held string
		err := tx.QueryRow(ctx, `select owner from run_locks where lock_key = $1 for update`, key).Scan(&held)
		if errors.Is(err, pgx.ErrNoRows) {
			res.Reason = lock.ReasonNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if owner != "" && owner != held {
			res.Reason = lock.ReasonOwnerMismatch
			return nil
		}
		if _, err := tx.Exec(ctx, `delete from run_locks where lock_key = $1`, key); err != nil {
			return err
		}
		res.Released = true
		return nil
	})
	if err != nil {
		return lock.ReleaseResult{}, errors.Wrapf(lock.ErrUnavailable, "release: %v", err)
	}
	return res, nil
}

func (l *Locker) Status(ctx context.Context, key string) (lock.StatusResult, error) {
	if _, err := l.db.Exec(ctx, `delete from run_locks where lock_key = $1 and expires_at <= now()`, key); err != nil {
		return lock.StatusResult{}, errors.Wrapf(lock.ErrUnavailable, "status evict: %v", err)
	}
	var (
		owner string
		exp   time.Time
	)
	err := l.db.QueryRow(ctx, `select owner, expires_at from run_locks where lock_key = $1`, key).Scan(&owner, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return lock.StatusResult{}, nil
	}
	if err != nil {
		return lock.StatusResult{}, errors.Wrapf(lock.ErrUnavailable, "status: %v", err)
	}
	return lock.StatusResult{Locked: true, Owner: owner, ExpiresAt: &exp}, nil
}
