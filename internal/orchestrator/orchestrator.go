// Package orchestrator drives a run from trigger to enqueued units: lock,
// registry row, unit expansion, producer, summary.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/idempotency"
	"github.com/SirClappington/lendersync/internal/lock"
	"github.com/SirClappington/lendersync/internal/logging"
	"github.com/SirClappington/lendersync/internal/producer"
	"github.com/SirClappington/lendersync/internal/registry"
)

const (
	ReasonLockUnavailable   = "lock_unavailable"
	ReasonDailyRunLocked    = "daily_run_locked"
	ReasonBackfillRunLocked = "backfill_run_locked"
	ReasonRunAlreadyExists  = "run_already_exists"
	ReasonOutsideTargetHour = "outside_target_hour"
)

const (
	DefaultLockTTL          = 2 * time.Hour
	DefaultBackfillPerMonth = 4
	MaxBackfillPerMonth     = 31
)

// ErrInvalidRequest marks trigger input that can never succeed.
var ErrInvalidRequest = errors.New("invalid trigger request")

// Result is what every trigger returns for expected outcomes. Enqueued is
// only meaningful when OK is set.
type Result struct {
	OK       bool   `json:"ok"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	RunID    string `json:"runId,omitempty"`
	Enqueued int    `json:"enqueued"`
}

func Skipped(reason, runID string) Result {
	return Result{Skipped: true, Reason: reason, RunID: runID}
}

// Enqueuer is the producer as seen by the orchestrator.
type Enqueuer interface {
	EnqueueUnits(ctx context.Context, runID, cursor string, units []domain.Job) (producer.Result, error)
}

// Product is one tracked lender product.
type Product struct {
	Lender string
	ID     string
}

// ParseProducts reads "lender:product" pairs.
func ParseProducts(specs []string) ([]Product, error) {
	out := make([]Product, 0, len(specs))
	for _, s := range specs {
		lender, id, ok := strings.Cut(strings.TrimSpace(s), ":")
		if !ok || lender == "" || id == "" {
			return nil, errors.Errorf("orchestrator: tracked product %q is not lender:product", s)
		}
		out = append(out, Product{Lender: lender, ID: id})
	}
	return out, nil
}

type Options struct {
	Lenders          []string
	Products         []Product
	Location         *time.Location
	LockTTL          time.Duration
	BackfillPerMonth int
	Logger           *zap.Logger
	// Now and Suffix exist for tests.
	Now              func() time.Time
	Suffix           func() string
}

type Orchestrator struct {
	locks lock.Service
	reg   registry.Registry
	prod  Enqueuer
	opts  Options
	log   *zap.Logger
}

func New(locks lock.Service, reg registry.Registry, prod Enqueuer, opts Options) *Orchestrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.BackfillPerMonth <= 0 {
		opts.BackfillPerMonth = DefaultBackfillPerMonth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Suffix == nil {
		opts.Suffix = func() string { return uuid.NewString()[:8] }
	}
	return &Orchestrator{locks: locks, reg: reg, prod: prod, opts: opts, log: logging.OrNop(opts.Logger)}
}

type DailyRequest struct {
	// Date is the collection date (2006-01-02). Empty means today in the
	// target timezone.
	Date  string
	Force bool
}

// TriggerDaily starts the daily run for req.Date.
func (o *Orchestrator) TriggerDaily(ctx context.Context, req DailyRequest) (Result, error) {
	date := req.Date
	if date == "" {
		date = o.opts.Now().In(o.opts.Location).Format(domain.DateLayout)
	}
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return Result{}, errors.Wrapf(ErrInvalidRequest, "date %q", date)
	}

	units := make([]domain.Job, 0, len(o.opts.Lenders)+len(o.opts.Products))
	for _, l := range o.opts.Lenders {
		units = append(units, domain.NewDailyFetch(l, date))
	}
	for _, p := range o.opts.Products {
		units = append(units, domain.NewProductDetail(p.Lender, p.ID, date))
	}

	return o.execute(ctx, plan{
		runType:      domain.RunDaily,
		runID:        idempotency.RunID(domain.RunDaily, date),
		cursor:       date,
		lockKey:      idempotency.LockKey(domain.RunDaily, date),
		lockedReason: ReasonDailyRunLocked,
		units:        units,
		force:        req.Force,
	})
}

type BackfillRequest struct {
	// LenderCodes defaults to every configured lender.
	LenderCodes []string `json:"lenderCodes"`
	// Month (2006-01) defaults to the previous month in the target
	// timezone.
	Month       string   `json:"month"`
	MaxPerMonth int      `json:"maxPerMonth"`
	Force       bool     `json:"force"`
}

// TriggerBackfill starts a historical snapshot run for one month. Each call
// gets a fresh run id; the month lock keeps backfills of one month apart.
func (o *Orchestrator) TriggerBackfill(ctx context.Context, req BackfillRequest) (Result, error) {
	now := o.opts.Now().In(o.opts.Location)
	month := req.Month
	if month == "" {
		month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, o.opts.Location).AddDate(0, -1, 0).Format(domain.MonthLayout)
	}
	perMonth := req.MaxPerMonth
	if perMonth <= 0 {
		perMonth = o.opts.BackfillPerMonth
	}
	dates, err := SnapshotDates(month, perMonth, now)
	if err != nil {
		return Result{}, err
	}
	lenders := req.LenderCodes
	if len(lenders) == 0 {
		lenders = o.opts.Lenders
	}

	units := make([]domain.Job, 0, len(lenders)*len(dates))
	for _, l := range lenders {
		for _, d := range dates {
			units = append(units, domain.NewHistoricalSnapshot(l, month, d))
		}
	}

	return o.execute(ctx, plan{
		runType:      domain.RunBackfill,
		runID:        idempotency.BackfillRunID(month, o.opts.Suffix()),
		cursor:       month,
		lockKey:      idempotency.LockKey(domain.RunBackfill, month),
		lockedReason: ReasonBackfillRunLocked,
		units:        units,
		force:        req.Force,
	})
}

// SnapshotDates spreads up to perMonth dates over month, starting on day 1 and
// never passing the month's last day or now's date.
func SnapshotDates(month string, perMonth int, now time.Time) ([]string, error) {
	first, err := time.ParseInLocation(domain.MonthLayout, month, now.Location())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "month %q", month)
	}
	if first.After(now) {
		return nil, errors.Wrapf(ErrInvalidRequest, "month %s is in the future", month)
	}
	if perMonth > MaxBackfillPerMonth {
		perMonth = MaxBackfillPerMonth
	}
	if perMonth < 1 {
		perMonth = 1
	}

	last := first.AddDate(0, 1, -1).Day()
	if now.Year() == first.Year() && now.Month() == first.Month() {
		last = now.Day()
	}
	n := perMonth
	if n > last {
		n = last
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		day := 1
		if n > 1 {
			day = 1 + i*(last-1)/(n-1)
		}
		out = append(out, first.AddDate(0, 0, day-1).Format(domain.DateLayout))
	}
	return out, nil
}

type plan struct {
	runType      domain.RunType
	runID        string
	cursor       string
	lockKey      string
	lockedReason string
	units        []domain.Job
	force        bool
}

func (o *Orchestrator) execute(ctx context.Context, p plan) (Result, error) {
	log := o.log.With(zap.String("run_id", p.runID), zap.String("run_type", string(p.runType)), zap.Bool("force", p.force))

	locked := false
	if !p.force {
		ar, err := o.locks.Acquire(ctx, p.lockKey, p.runID, o.opts.LockTTL)
		if err != nil {
			log.Error("lock acquire failed", zap.Error(err))
			return Skipped(ReasonLockUnavailable, p.runID), nil
		}
		if !ar.Acquired {
			log.Info("run locked by another trigger", zap.String("owner", ar.Owner), zap.Time("expires_at", ar.ExpiresAt))
			return Skipped(p.lockedReason, p.runID), nil
		}
		locked = true
	}

	created, err := o.reg.Create(ctx, p.runID, p.runType)
	if err != nil {
		if locked {
			o.release(ctx, log, p)
		}
		return Result{RunID: p.runID}, errors.Wrapf(err, "orchestrator: create run %s", p.runID)
	}
	if !created && !p.force {
		if locked {
			o.release(ctx, log, p)
		}
		log.Info("run already exists")
		return Skipped(ReasonRunAlreadyExists, p.runID), nil
	}
	if !created {
		// Forced re-run of an existing row: drop its failure and outcomes so
		// status is derived from this run's units only.
		if err := o.reg.Reset(ctx, p.runID); err != nil {
			return Result{RunID: p.runID}, errors.Wrapf(err, "orchestrator: reset run %s", p.runID)
		}
		log.Info("existing run reset for forced re-run")
	}

	// From here on the lock is left to its TTL, success or failure.
	res, err := o.prod.EnqueueUnits(ctx, p.runID, p.cursor, p.units)
	if err != nil {
		return o.fail(ctx, log, p.runID, err)
	}
	if err := o.reg.SetEnqueuedSummary(ctx, p.runID, res.PerUnitCounts); err != nil {
		return o.fail(ctx, log, p.runID, errors.Wrap(err, "orchestrator: set enqueued summary"))
	}

	log.Info("run started", zap.Int("enqueued", res.Enqueued))
	return Result{OK: true, RunID: p.runID, Enqueued: res.Enqueued}, nil
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, p plan) {
	if _, err := o.locks.Release(ctx, p.lockKey, p.runID); err != nil {
		log.Warn("lock release failed", zap.Error(err))
	}
}

// fail records cause on the run and returns it. A registry error while
// recording is returned alongside cause.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, runID string, cause error) (Result, error) {
	log.Error("run failed", zap.Error(cause))
	err := cause
	if markErr := o.reg.MarkFailed(ctx, runID, cause.Error()); markErr != nil {
		err = multierr.Append(err, errors.Wrap(markErr, "orchestrator: mark failed"))
	}
	return Result{RunID: runID}, err
}
