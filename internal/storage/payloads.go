package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/blob"
)

var _ blob.Store = (*PayloadStore)(nil)

// PayloadStore keeps raw payloads in Postgres, upserted by key.
type PayloadStore struct{ db *pgxpool.Pool }

func NewPayloadStore(db *pgxpool.Pool) *PayloadStore { return &PayloadStore{db} }

func (p *PayloadStore) Put(ctx context.Context, key string, data []byte) error {
	if err := blob.ValidKey(key); err != nil {
		return err
	}
	_, err := p.db.Exec(ctx, `insert into raw_payloads (payload_key, content, size_bytes, updated_at)
values ($1, $2, $3, now())
on conflict (payload_key) do update
   set content = excluded.content,
       size_bytes = excluded.size_bytes,
       updated_at = excluded.updated_at`, key, data, len(data))
	return errors.Wrap(err, "storage: put payload")
}

func (p *PayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	err := p.db.QueryRow(ctx, `select content from raw_payloads where payload_key = $1`, key).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, blob.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: get payload")
	}
	return b, nil
}
