package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/registry"
)

var _ registry.Registry = (*SQLiteStore)(nil)

// SQLiteStore is the single-node run registry. Timestamps are stored as
// unix nanoseconds. The connection pool is capped at one, which also
// serializes the read-derive-write cycle.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db, now: time.Now} }

func (s *SQLiteStore) Create(ctx context.Context, runID string, runType domain.RunType) (bool, error) {
	now := s.now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, run_type, status, started_at, updated_at)
VALUES (?, ?, 'running', ?, ?)
ON CONFLICT (run_id) DO NOTHING`, runID, string(runType), now, now)
	if err != nil {
		return false, errors.Wrap(err, "storage/sqlite: create run")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, runID, message string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		var finished sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT errors, finished_at FROM runs WHERE run_id = ?`, runID).Scan(&raw, &finished)
		if errors.Is(err, sql.ErrNoRows) {
			return registry.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "storage/sqlite: load run")
		}
		var errs []string
		if err := json.Unmarshal([]byte(raw), &errs); err != nil {
			return errors.Wrap(err, "storage/sqlite: decode errors")
		}
		b, _ := json.Marshal(append(errs, message))

		now := s.now().UTC().UnixNano()
		if !finished.Valid {
			finished = sql.NullInt64{Int64: now, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
UPDATE runs SET failed = 1, status = 'failed', errors = ?, finished_at = ?, updated_at = ?
WHERE run_id = ?`, string(b), finished, now, runID)
		return errors.Wrap(err, "storage/sqlite: mark failed")
	})
}

func (s *SQLiteStore) SetEnqueuedSummary(ctx context.Context, runID string, counts map[string]int) error {
	if counts == nil {
		counts = map[string]int{}
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return errors.Wrap(err, "storage/sqlite: encode summary")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE runs SET enqueued = ?, updated_at = ? WHERE run_id = ?`,
			string(b), s.now().UTC().UnixNano(), runID)
		if err != nil {
			return errors.Wrap(err, "storage/sqlite: set summary")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return registry.ErrRunNotFound
		}
		return s.rederive(ctx, tx, runID)
	})
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, o domain.UnitOutcome) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, runID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return registry.ErrRunNotFound
		}
		if err != nil {
			return errors.Wrap(err, "storage/sqlite: load run")
		}
		recorded := o.RecordedAt
		if recorded.IsZero() {
			recorded = s.now()
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO run_outcomes (run_id, unit_key, target, success, error, attempt, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, unit_key) DO UPDATE SET
  target = excluded.target,
  success = excluded.success,
  error = excluded.error,
  attempt = excluded.attempt,
  recorded_at = excluded.recorded_at`,
			runID, o.UnitKey, o.Target, o.Success, o.Error, o.Attempt, recorded.UTC().UnixNano())
		if err != nil {
			return errors.Wrap(err, "storage/sqlite: upsert outcome")
		}
		return s.rederive(ctx, tx, runID)
	})
}

func (s *SQLiteStore) Outcome(ctx context.Context, runID, unitKey string) (domain.UnitOutcome, bool, error) {
	var (
		target   sql.NullString
		success  sql.NullBool
		msg      sql.NullString
		attempt  sql.NullInt64
		recorded sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT o.target, o.success, o.error, o.attempt, o.recorded_at
FROM runs r
LEFT JOIN run_outcomes o ON o.run_id = r.run_id AND o.unit_key = ?
WHERE r.run_id = ?`, unitKey, runID).Scan(&target, &success, &msg, &attempt, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UnitOutcome{}, false, registry.ErrRunNotFound
	}
	if err != nil {
		return domain.UnitOutcome{}, false, errors.Wrap(err, "storage/sqlite: get outcome")
	}
	if !target.Valid {
		return domain.UnitOutcome{}, false, nil
	}
	return domain.UnitOutcome{
		UnitKey:    unitKey,
		Target:     target.String,
		Success:    success.Bool,
		Error:      msg.String,
		Attempt:    int(attempt.Int64),
		RecordedAt: time.Unix(0, recorded.Int64).UTC(),
	}, true, nil
}

func (s *SQLiteStore) Reset(ctx context.Context, runID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC().UnixNano()
		res, err := tx.ExecContext(ctx, `
UPDATE runs SET failed = 0, status = 'running', enqueued = NULL, errors = '[]',
  started_at = ?, finished_at = NULL, updated_at = ?
WHERE run_id = ?`, now, now, runID)
		if err != nil {
			return errors.Wrap(err, "storage/sqlite: reset run")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return registry.ErrRunNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM run_outcomes WHERE run_id = ?`, runID)
		return errors.Wrap(err, "storage/sqlite: clear outcomes")
	})
}

func (s *SQLiteStore) rederive(ctx context.Context, tx *sql.Tx, runID string) error {
	var (
		failed   bool
		enqueued sql.NullString
		finished sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `SELECT failed, enqueued, finished_at FROM runs WHERE run_id = ?`, runID).
		Scan(&failed, &enqueued, &finished)
	if err != nil {
		return errors.Wrap(err, "storage/sqlite: load run for derive")
	}
	if failed || !enqueued.Valid {
		return nil
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(enqueued.String), &counts); err != nil {
		return errors.Wrap(err, "storage/sqlite: decode summary")
	}
	outcomes, err := s.outcomes(ctx, tx, []string{runID})
	if err != nil {
		return err
	}
	status, complete := registry.Derive(counts, outcomes[runID])
	fin := registry.Finish(fromNanos(finished), complete, s.now())
	_, err = tx.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ?, updated_at = ? WHERE run_id = ?`,
		string(status), toNanos(fin), s.now().UTC().UnixNano(), runID)
	return errors.Wrap(err, "storage/sqlite: update status")
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) outcomes(ctx context.Context, q sqlQuerier, runIDs []string) (map[string][]domain.UnitOutcome, error) {
	out := make(map[string][]domain.UnitOutcome, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runIDs)), ",")
	rows, err := q.QueryContext(ctx, `
SELECT run_id, unit_key, target, success, error, attempt, recorded_at
FROM run_outcomes WHERE run_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage/sqlite: query outcomes")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       string
			o        domain.UnitOutcome
			recorded int64
		)
		if err := rows.Scan(&id, &o.UnitKey, &o.Target, &o.Success, &o.Error, &o.Attempt, &recorded); err != nil {
			return nil, errors.Wrap(err, "storage/sqlite: scan outcome")
		}
		o.RecordedAt = time.Unix(0, recorded).UTC()
		out[id] = append(out[id], o)
	}
	return out, errors.Wrap(rows.Err(), "storage/sqlite: iterate outcomes")
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row sqliteRow) (runRow, error) {
	var (
		r        runRow
		typ      string
		status   string
		started  int64
		finished sql.NullInt64
		enqueued sql.NullString
		errs     string
	)
	if err := row.Scan(&r.run.ID, &typ, &status, &started, &finished, &enqueued, &errs); err != nil {
		return runRow{}, err
	}
	r.run.Type = domain.RunType(typ)
	r.run.Status = domain.RunStatus(status)
	r.run.StartedAt = time.Unix(0, started).UTC()
	r.run.FinishedAt = fromNanos(finished)
	if enqueued.Valid {
		r.enqueued = []byte(enqueued.String)
	}
	r.errs = []byte(errs)
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (domain.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, registry.ErrRunNotFound
	}
	if err != nil {
		return domain.Run{}, errors.Wrap(err, "storage/sqlite: get run")
	}
	outcomes, err := s.outcomes(ctx, s.db, []string{runID})
	if err != nil {
		return domain.Run{}, err
	}
	return r.assemble(outcomes[runID])
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`,
		registry.ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "storage/sqlite: list runs")
	}
	var (
		heads []runRow
		ids   []string
	)
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "storage/sqlite: scan run")
		}
		heads = append(heads, r)
		ids = append(ids, r.run.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage/sqlite: iterate runs")
	}

	outcomes, err := s.outcomes(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	runs := make([]domain.Run, 0, len(heads))
	for _, h := range heads {
		run, err := h.assemble(outcomes[h.run.ID])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage/sqlite: begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "storage/sqlite: commit")
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}
