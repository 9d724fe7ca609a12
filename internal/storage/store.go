package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/registry"
)

var _ registry.Registry = (*Store)(nil)

// Store is the Postgres run registry. Postgres is the source of truth for
// run status; the queue only carries work.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) Create(ctx context.Context, runID string, runType domain.RunType) (bool, error) {
	tag, err := s.db.Exec(ctx, `insert into runs (run_id, run_type, status, started_at, updated_at)
values ($1, $2, 'running', now(), now())
on conflict (run_id) do nothing`, runID, string(runType))
	if err != nil {
		return false, errors.Wrap(err, "storage: create run")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) MarkFailed(ctx context.Context, runID, message string) error {
	tag, err := s.db.Exec(ctx, `update runs
   set failed = true,
       status = 'failed',
       errors = errors || jsonb_build_array($2::text),
       finished_at = coalesce(finished_at, now()),
       updated_at = now()
 where run_id = $1`, runID, message)
	if err != nil {
		return errors.Wrap(err, "storage: mark run failed")
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrRunNotFound
	}
	return nil
}

func (s *Store) SetEnqueuedSummary(ctx context.Context, runID string, counts map[string]int) error {
	if counts == nil {
		counts = map[string]int{}
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return errors.Wrap(err, "storage: encode summary")
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update runs set enqueued = $2::jsonb, updated_at = now() where run_id = $1`, runID, string(b))
		if err != nil {
			return errors.Wrap(err, "storage: set enqueued summary")
		}
		if tag.RowsAffected() == 0 {
			return registry.ErrRunNotFound
		}
		return rederive(ctx, tx, runID)
	})
}

func (s *Store) RecordOutcome(ctx context.Context, runID string, o domain.UnitOutcome) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `select true from runs where run_id = $1 for update`, runID).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return registry.ErrRunNotFound
			}
			return errors.Wrap(err, "storage: lock run")
		}
		_, err := tx.Exec(ctx, `insert into run_outcomes (run_id, unit_key, target, success, error, attempt, recorded_at)
values ($1, $2, $3, $4, $5, $6, now())
on conflict (run_id, unit_key) do update
   set target = excluded.target,
       success = excluded.success,
       error = excluded.error,
       attempt = excluded.attempt,
       recorded_at = excluded.recorded_at`,
			runID, o.UnitKey, o.Target, o.Success, o.Error, o.Attempt)
		if err != nil {
			return errors.Wrap(err, "storage: upsert outcome")
		}
		return rederive(ctx, tx, runID)
	})
}

func (s *Store) Outcome(ctx context.Context, runID, unitKey string) (domain.UnitOutcome, bool, error) {
	var (
		target, msg *string
		success     *bool
		attempt     *int
		recordedAt  *time.Time
	)
	err := s.db.QueryRow(ctx, `select o.target, o.success, o.error, o.attempt, o.recorded_at
  from runs r
  left join run_outcomes o on o.run_id = r.run_id and o.unit_key = $2
 where r.run_id = $1`, runID, unitKey).Scan(&target, &success, &msg, &attempt, &recordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UnitOutcome{}, false, registry.ErrRunNotFound
		}
		return domain.UnitOutcome{}, false, errors.Wrap(err, "storage: get outcome")
	}
	if target == nil {
		return domain.UnitOutcome{}, false, nil
	}
	return domain.UnitOutcome{
		UnitKey:    unitKey,
		Target:     *target,
		Success:    *success,
		Error:      *msg,
		Attempt:    *attempt,
		RecordedAt: *recordedAt,
	}, true, nil
}

func (s *Store) Reset(ctx context.Context, runID string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update runs
   set failed = false,
       status = 'running',
       enqueued = null,
       errors = '[]'::jsonb,
       started_at = now(),
       finished_at = null,
       updated_at = now()
 where run_id = $1`, runID)
		if err != nil {
			return errors.Wrap(err, "storage: reset run")
		}
		if tag.RowsAffected() == 0 {
			return registry.ErrRunNotFound
		}
		if _, err := tx.Exec(ctx, `delete from run_outcomes where run_id = $1`, runID); err != nil {
			return errors.Wrap(err, "storage: clear outcomes")
		}
		return nil
	})
}

// rederive recomputes status inside tx after the run row was touched.
func rederive(ctx context.Context, tx pgx.Tx, runID string) error {
	var (
		failed   bool
		enqueued []byte
		finished *time.Time
	)
	err := tx.QueryRow(ctx, `select failed, enqueued, finished_at from runs where run_id = $1 for update`, runID).
		Scan(&failed, &enqueued, &finished)
	if err != nil {
		return errors.Wrap(err, "storage: load run for derive")
	}
	if failed || enqueued == nil {
		return nil
	}
	var counts map[string]int
	if err := json.Unmarshal(enqueued, &counts); err != nil {
		return errors.Wrap(err, "storage: decode summary")
	}
	outcomes, err := loadOutcomes(ctx, tx, []string{runID})
	if err != nil {
		return err
	}
	status, complete := registry.Derive(counts, outcomes[runID])
	_, err = tx.Exec(ctx, `update runs set status = $2, finished_at = $3, updated_at = now() where run_id = $1`,
		runID, string(status), registry.Finish(finished, complete, time.Now()))
	if err != nil {
		return errors.Wrap(err, "storage: update status")
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadOutcomes(ctx context.Context, q querier, runIDs []string) (map[string][]domain.UnitOutcome, error) {
	rows, err := q.Query(ctx, `select run_id, unit_key, target, success, error, attempt, recorded_at
  from run_outcomes where run_id = any($1)`, runIDs)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query outcomes")
	}
	defer rows.Close()

	out := make(map[string][]domain.UnitOutcome, len(runIDs))
	for rows.Next() {
		var id string
		var o domain.UnitOutcome
		if err := rows.Scan(&id, &o.UnitKey, &o.Target, &o.Success, &o.Error, &o.Attempt, &o.RecordedAt); err != nil {
			return nil, errors.Wrap(err, "storage: scan outcome")
		}
		out[id] = append(out[id], o)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate outcomes")
}

type runRow struct {
	run      domain.Run
	enqueued []byte
	errs     []byte
}

const runColumns = `run_id, run_type, status, started_at, finished_at, enqueued, errors`

func scanRun(row pgx.Row) (runRow, error) {
	var r runRow
	var typ, status string
	if err := row.Scan(&r.run.ID, &typ, &status, &r.run.StartedAt, &r.run.FinishedAt, &r.enqueued, &r.errs); err != nil {
		return runRow{}, err
	}
	r.run.Type = domain.RunType(typ)
	r.run.Status = domain.RunStatus(status)
	return r, nil
}

func (r runRow) assemble(outcomes []domain.UnitOutcome) (domain.Run, error) {
	run := r.run
	var counts map[string]int
	if r.enqueued != nil {
		if err := json.Unmarshal(r.enqueued, &counts); err != nil {
			return domain.Run{}, errors.Wrap(err, "storage: decode summary")
		}
	}
	var runErrs []string
	if err := json.Unmarshal(r.errs, &runErrs); err != nil {
		return domain.Run{}, errors.Wrap(err, "storage: decode errors")
	}
	run.Summary = registry.Summarize(counts, outcomes)
	run.Errors = append(runErrs, registry.UnitErrors(outcomes)...)
	return run, nil
}

func (s *Store) Get(ctx context.Context, runID string) (domain.Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx, `select `+runColumns+` from runs where run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, registry.ErrRunNotFound
		}
		return domain.Run{}, errors.Wrap(err, "storage: get run")
	}
	outcomes, err := loadOutcomes(ctx, s.db, []string{runID})
	if err != nil {
		return domain.Run{}, err
	}
	return r.assemble(outcomes[runID])
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.Query(ctx, `select `+runColumns+` from runs order by started_at desc, run_id desc limit $1`,
		registry.ClampLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "storage: list runs")
	}
	var (
		heads []runRow
		ids   []string
	)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "storage: scan run")
		}
		heads = append(heads, r)
		ids = append(ids, r.run.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate runs")
	}

	outcomes, err := loadOutcomes(ctx, s.db, ids)
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
