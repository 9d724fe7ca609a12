// Package registrytest holds the behavioural suite every registry.Registry
// implementation must pass.
package registrytest

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/registry"
)

// Run executes the suite. newRegistry must return an empty registry.
func Run(t *testing.T, newRegistry func(t *testing.T) registry.Registry) {
	ctx := context.Background()

	t.Run("CreateOnce", func(t *testing.T) {
		r := newRegistry(t)
		created, err := r.Create(ctx, "daily-2024-03-15", domain.RunDaily)
		if err != nil || !created {
			t.Fatalf("first Create = %v, %v", created, err)
		}
		if err := r.SetEnqueuedSummary(ctx, "daily-2024-03-15", map[string]int{"cba": 1}); err != nil {
			t.Fatal(err)
		}
		created, err = r.Create(ctx, "daily-2024-03-15", domain.RunBackfill)
		if err != nil || created {
			t.Fatalf("second Create = %v, %v", created, err)
		}
		run, err := r.Get(ctx, "daily-2024-03-15")
		if err != nil {
			t.Fatal(err)
		}
		if run.Type != domain.RunDaily || run.Summary["cba"].Enqueued != 1 {
			t.Errorf("second Create changed the row: %+v", run)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		r := newRegistry(t)
		if _, err := r.Get(ctx, "nope"); !errors.Is(err, registry.ErrRunNotFound) {
			t.Errorf("Get err = %v, want ErrRunNotFound", err)
		}
		if err := r.MarkFailed(ctx, "nope", "x"); !errors.Is(err, registry.ErrRunNotFound) {
			t.Errorf("MarkFailed err = %v, want ErrRunNotFound", err)
		}
		err := r.RecordOutcome(ctx, "nope", domain.UnitOutcome{UnitKey: "u", Target: "t", Success: true})
		if !errors.Is(err, registry.ErrRunNotFound) {
			t.Errorf("RecordOutcome err = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("AllSucceededIsOK", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-ok")
		if err := r.SetEnqueuedSummary(ctx, "run-ok", map[string]int{"cba": 2, "anz": 1}); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-ok", "cba", "cba-a", true, "")
		record(t, r, "run-ok", "cba", "cba-b", true, "")

		run := get(t, r, "run-ok")
		if run.Status != domain.StatusRunning || run.FinishedAt != nil {
			t.Fatalf("status before last unit = %s, finished=%v", run.Status, run.FinishedAt)
		}

		record(t, r, "run-ok", "anz", "anz", true, "")
		run = get(t, r, "run-ok")
		if run.Status != domain.StatusOK || run.FinishedAt == nil {
			t.Fatalf("status = %s, finished=%v, want ok", run.Status, run.FinishedAt)
		}
		want := domain.UnitSummary{Enqueued: 2, Succeeded: 2}
		if run.Summary["cba"] != want {
			t.Errorf("cba summary = %+v, want %+v", run.Summary["cba"], want)
		}
	})

	t.Run("MixedIsPartial", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-mixed")
		if err := r.SetEnqueuedSummary(ctx, "run-mixed", map[string]int{"cba": 1, "anz": 1}); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-mixed", "cba", "cba", true, "")
		record(t, r, "run-mixed", "anz", "anz", false, "upstream 503")

		run := get(t, r, "run-mixed")
		if run.Status != domain.StatusPartial {
			t.Fatalf("status = %s, want partial", run.Status)
		}
		if len(run.Errors) != 1 || run.Errors[0] != "anz: upstream 503" {
			t.Errorf("errors = %v", run.Errors)
		}
	})

	t.Run("RedeliveredOutcomeIsLastWriteWins", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-redeliver")
		if err := r.SetEnqueuedSummary(ctx, "run-redeliver", map[string]int{"cba": 2}); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-redeliver", "cba", "cba-a", false, "boom")
		record(t, r, "run-redeliver", "cba", "cba-a", true, "")
		record(t, r, "run-redeliver", "cba", "cba-a", true, "")

		run := get(t, r, "run-redeliver")
		if run.Status != domain.StatusRunning {
			t.Fatalf("status = %s, want running (one unit outstanding)", run.Status)
		}
		want := domain.UnitSummary{Enqueued: 2, Succeeded: 1}
		if run.Summary["cba"] != want {
			t.Errorf("summary = %+v, want %+v", run.Summary["cba"], want)
		}
		if len(run.Errors) != 0 {
			t.Errorf("errors = %v, want none", run.Errors)
		}
	})

	t.Run("OutcomeBeforeSummaryStaysRunning", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-early")
		record(t, r, "run-early", "cba", "cba", true, "")
		if run := get(t, r, "run-early"); run.Status != domain.StatusRunning {
			t.Fatalf("status = %s, want running", run.Status)
		}
		if err := r.SetEnqueuedSummary(ctx, "run-early", map[string]int{"cba": 1}); err != nil {
			t.Fatal(err)
		}
		if run := get(t, r, "run-early"); run.Status != domain.StatusOK {
			t.Fatalf("status = %s, want ok", run.Status)
		}
	})

	t.Run("ZeroUnitsCompletesOK", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-empty")
		if err := r.SetEnqueuedSummary(ctx, "run-empty", map[string]int{}); err != nil {
			t.Fatal(err)
		}
		run := get(t, r, "run-empty")
		if run.Status != domain.StatusOK || run.FinishedAt == nil {
			t.Errorf("status = %s, finished=%v, want ok", run.Status, run.FinishedAt)
		}
	})

	t.Run("AllFailedIsFailed", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-allfail")
		if err := r.SetEnqueuedSummary(ctx, "run-allfail", map[string]int{"cba": 1}); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-allfail", "cba", "cba", false, "gone")
		if run := get(t, r, "run-allfail"); run.Status != domain.StatusFailed {
			t.Errorf("status = %s, want failed", run.Status)
		}
	})

	t.Run("MarkFailedSticks", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-failed")
		if err := r.MarkFailed(ctx, "run-failed", "queue unreachable"); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-failed", "cba", "cba", true, "")

		run := get(t, r, "run-failed")
		if run.Status != domain.StatusFailed || run.FinishedAt == nil {
			t.Fatalf("status = %s, finished=%v, want failed", run.Status, run.FinishedAt)
		}
		if len(run.Errors) != 1 || run.Errors[0] != "queue unreachable" {
			t.Errorf("errors = %v", run.Errors)
		}
		if !run.Terminal() {
			t.Error("failed run not terminal")
		}
	})

	t.Run("ResetClearsFailureAndOutcomes", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-reset")
		if err := r.SetEnqueuedSummary(ctx, "run-reset", map[string]int{"cba": 1, "anz": 1}); err != nil {
			t.Fatal(err)
		}
		record(t, r, "run-reset", "cba", "cba", true, "")
		record(t, r, "run-reset", "anz", "anz", false, "upstream 503")
		if err := r.MarkFailed(ctx, "run-reset", "queue unreachable"); err != nil {
			t.Fatal(err)
		}

		if err := r.Reset(ctx, "run-reset"); err != nil {
			t.Fatal(err)
		}
		run := get(t, r, "run-reset")
		if run.Status != domain.StatusRunning || run.FinishedAt != nil {
			t.Fatalf("after reset status = %s, finished=%v, want running", run.Status, run.FinishedAt)
		}
		if len(run.Errors) != 0 || len(run.Summary) != 0 {
			t.Fatalf("after reset errors = %v, summary = %v, want empty", run.Errors, run.Summary)
		}
		if _, found, err := r.Outcome(ctx, "run-reset", "cba"); err != nil || found {
			t.Fatalf("Outcome after reset = %v, %v, want none", found, err)
		}

		if err := r.SetEnqueuedSummary(ctx, "run-reset", map[string]int{"cba": 1, "anz": 1}); err != nil {
			t.Fatal(err)
		}
		if run := get(t, r, "run-reset"); run.Status != domain.StatusRunning {
			t.Fatalf("status with no new outcomes = %s, want running", run.Status)
		}
		record(t, r, "run-reset", "cba", "cba", true, "")
		record(t, r, "run-reset", "anz", "anz", true, "")
		run = get(t, r, "run-reset")
		if run.Status != domain.StatusOK || run.FinishedAt == nil {
			t.Errorf("status = %s, finished=%v, want ok", run.Status, run.FinishedAt)
		}
		if len(run.Errors) != 0 {
			t.Errorf("errors = %v, want none", run.Errors)
		}
	})

	t.Run("ResetMissing", func(t *testing.T) {
		r := newRegistry(t)
		if err := r.Reset(ctx, "nope"); !errors.Is(err, registry.ErrRunNotFound) {
			t.Errorf("Reset err = %v, want ErrRunNotFound", err)
		}
		if _, _, err := r.Outcome(ctx, "nope", "u"); !errors.Is(err, registry.ErrRunNotFound) {
			t.Errorf("Outcome err = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("OutcomeReturnsLatest", func(t *testing.T) {
		r := newRegistry(t)
		mustCreate(t, r, "run-outcome")
		if _, found, err := r.Outcome(ctx, "run-outcome", "cba"); err != nil || found {
			t.Fatalf("Outcome before record = %v, %v", found, err)
		}
		record(t, r, "run-outcome", "cba", "cba", false, "boom")
		record(t, r, "run-outcome", "cba", "cba", false, "upstream 503")
		o, found, err := r.Outcome(ctx, "run-outcome", "cba")
		if err != nil || !found {
			t.Fatalf("Outcome = %v, %v", found, err)
		}
		if o.Success || o.Error != "upstream 503" || o.Target != "cba" || o.Attempt != 1 {
			t.Errorf("outcome = %+v", o)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		r := newRegistry(t)
		for _, id := range []string{"a", "b", "c"} {
			mustCreate(t, r, id)
		}
		runs, err := r.List(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 2 {
			t.Fatalf("len = %d, want 2", len(runs))
		}
		all, err := r.List(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("len = %d, want 3", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].StartedAt.After(all[i-1].StartedAt) {
				t.Errorf("list not newest first: %v after %v", all[i].StartedAt, all[i-1].StartedAt)
			}
		}
	})
}

func mustCreate(t *testing.T, r registry.Registry, id string) {
	t.Helper()
	created, err := r.Create(context.Background(), id, domain.RunDaily)
	if err != nil || !created {
		t.Fatalf("Create(%s) = %v, %v", id, created, err)
	}
}

func record(t *testing.T, r registry.Registry, runID, target, unit string, ok bool, msg string) {
	t.Helper()
	o := domain.UnitOutcome{UnitKey: unit, Target: target, Success: ok, Error: msg, Attempt: 1}
	if err := r.RecordOutcome(context.Background(), runID, o); err != nil {
		t.Fatalf("RecordOutcome(%s, %s): %v", runID, unit, err)
	}
}

func get(t *testing.T, r registry.Registry, id string) domain.Run {
	t.Helper()
	run, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return run
}
