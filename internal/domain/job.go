package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindDailyFetch         Kind = "daily_fetch"
	KindProductDetail      Kind = "product_detail"
	KindHistoricalSnapshot Kind = "historical_snapshot"
)

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// ErrMalformedJob marks a message that can never be processed.
var ErrMalformedJob = errors.New("malformed job")

// ErrUnknownKind is the malformed case of a kind this build does not know.
var ErrUnknownKind = errors.Wrap(ErrMalformedJob, "unknown kind")

// Envelope holds the fields every queued job carries.
type Envelope struct {
	Kind           Kind   `json:"kind"`
	RunID          string `json:"runId"`
	UnitKey        string `json:"unitKey"`
	Target         string `json:"target"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Meta gives producers and consumers access to the shared fields.
func (e *Envelope) Meta() *Envelope { return e }

func (e Envelope) validate() error {
	switch {
	case e.RunID == "":
		return errors.Wrap(ErrMalformedJob, "missing runId")
	case e.UnitKey == "":
		return errors.Wrap(ErrMalformedJob, "missing unitKey")
	case e.Target == "":
		return errors.Wrap(ErrMalformedJob, "missing target")
	}
	return nil
}

// Job is the closed set of queued work. Only the types in this
// package implement it.
type Job interface {
	Meta() *Envelope
	// Cursor is the date or month the job collects for.
	Cursor() string
	validate() error
}

// DailyFetch collects one lender's data for a collection date.
type DailyFetch struct {
	Envelope
	LenderCode     string `json:"lenderCode"`
	CollectionDate string `json:"collectionDate"`
}

func NewDailyFetch(lender, date string) *DailyFetch {
	return &DailyFetch{
		Envelope:       Envelope{Kind: KindDailyFetch, UnitKey: lender, Target: lender},
		LenderCode:     lender,
		CollectionDate: date,
	}
}

func (j *DailyFetch) Cursor() string { return j.CollectionDate }

func (j *DailyFetch) validate() error {
	if j.LenderCode == "" {
		return errors.Wrap(ErrMalformedJob, "daily_fetch: missing lenderCode")
	}
	return checkLayout(DateLayout, j.CollectionDate, "daily_fetch: collectionDate")
}

// ProductDetail collects a single tracked product for a collection date.
type ProductDetail struct {
	Envelope
	LenderCode     string `json:"lenderCode"`
	ProductID      string `json:"productId"`
	CollectionDate string `json:"collectionDate"`
}

func NewProductDetail(lender, productID, date string) *ProductDetail {
	return &ProductDetail{
		Envelope:       Envelope{Kind: KindProductDetail, UnitKey: lender + "-" + productID, Target: lender},
		LenderCode:     lender,
		ProductID:      productID,
		CollectionDate: date,
	}
}

func (j *ProductDetail) Cursor() string { return j.CollectionDate }

func (j *ProductDetail) validate() error {
	if j.LenderCode == "" || j.ProductID == "" {
		return errors.Wrap(ErrMalformedJob, "product_detail: missing lenderCode or productId")
	}
	return checkLayout(DateLayout, j.CollectionDate, "product_detail: collectionDate")
}

// HistoricalSnapshot collects a past snapshot during a backfill.
type HistoricalSnapshot struct {
	Envelope
	LenderCode   string `json:"lenderCode"`
	Month        string `json:"month"`
	SnapshotDate string `json:"snapshotDate"`
}

func NewHistoricalSnapshot(lender, month, snapshotDate string) *HistoricalSnapshot {
	return &HistoricalSnapshot{
		Envelope:     Envelope{Kind: KindHistoricalSnapshot, UnitKey: lender + "-" + snapshotDate, Target: lender},
		LenderCode:   lender,
		Month:        month,
		SnapshotDate: snapshotDate,
	}
}

func (j *HistoricalSnapshot) Cursor() string { return j.Month }

func (j *HistoricalSnapshot) validate() error {
	if j.LenderCode == "" {
		return errors.Wrap(ErrMalformedJob, "historical_snapshot: missing lenderCode")
	}
	if err := checkLayout(MonthLayout, j.Month, "historical_snapshot: month"); err != nil {
		return err
	}
	if err := checkLayout(DateLayout, j.SnapshotDate, "historical_snapshot: snapshotDate"); err != nil {
		return err
	}
	if !strings.HasPrefix(j.SnapshotDate, j.Month) {
		return errors.Wrapf(ErrMalformedJob, "historical_snapshot: %s is outside %s", j.SnapshotDate, j.Month)
	}
	return nil
}

func checkLayout(layout, v, field string) error {
	if _, err := time.Parse(layout, v); err != nil {
		return errors.Wrapf(ErrMalformedJob, "%s %q", field, v)
	}
	return nil
}

// Encode serializes a job for the queue.
func Encode(j Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encode job")
	}
	return b, nil
}

// Decode validates a queue body and returns the concrete job. Every
// error it returns wraps ErrMalformedJob.
func Decode(body []byte) (Job, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformedJob, "decode envelope: %v", err)
	}

	var j Job
	switch env.Kind {
	case KindDailyFetch:
		j = &DailyFetch{}
	case KindProductDetail:
		j = &ProductDetail{}
	case KindHistoricalSnapshot:
		j = &HistoricalSnapshot{}
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", env.Kind)
	}
	if err := json.Unmarshal(body, j); err != nil {
		return nil, errors.Wrapf(ErrMalformedJob, "decode %s: %v", env.Kind, err)
	}
	if err := j.Meta().validate(); err != nil {
		return nil, err
	}
	if err := j.validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// PeekEnvelope extracts whatever shared fields a body carries, even when
// it fails full validation.
func PeekEnvelope(body []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, false
	}
	return env, env.RunID != "" && env.UnitKey != ""
}
