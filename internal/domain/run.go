package domain

import "time"

type RunType string

const (
	RunDaily    RunType = "daily"
	RunBackfill RunType = "backfill"
)

type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusOK      RunStatus = "ok"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// Run is one execution of the pipeline for a period.
type Run struct {
	ID         string                 `json:"runId"`
	Type       RunType                `json:"runType"`
	Status     RunStatus              `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
	Summary    map[string]UnitSummary `json:"perWorkerSummary"`
	Errors     []string               `json:"errors"`
}

// Terminal reports whether no further status change is expected.
func (r Run) Terminal() bool {
	return r.FinishedAt != nil || r.Status == StatusOK || r.Status == StatusFailed
}

// UnitSummary aggregates outcomes for one worker target.
type UnitSummary struct {
	Enqueued  int `json:"enqueued"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// UnitOutcome is the latest recorded result for a unit within a run.
type UnitOutcome struct {
	UnitKey    string    `json:"unitKey"`
	Target     string    `json:"target"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	RecordedAt time.Time `json:"recordedAt"`
}
