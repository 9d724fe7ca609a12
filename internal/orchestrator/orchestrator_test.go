package orchestrator

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/lendersync/internal/domain"
	"github.com/SirClappington/lendersync/internal/lock"
	"github.com/SirClappington/lendersync/internal/producer"
	"github.com/SirClappington/lendersync/internal/queue"
	"github.com/SirClappington/lendersync/internal/registry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type brokenLocks struct{ lock.Service }

func (brokenLocks) Acquire(context.Context, string, string, time.Duration) (lock.AcquireResult, error) {
	return lock.AcquireResult{}, errors.Wrap(lock.ErrUnavailable, "dial tcp: connection refused")
}

type brokenEnqueuer struct{}

func (brokenEnqueuer) EnqueueUnits(context.Context, string, string, []domain.Job) (producer.Result, error) {
	return producer.Result{}, errors.New("queue: send batch of 2: connection reset")
}

type fixture struct {
	orch  *Orchestrator
	locks *lock.Memory
	reg   *registry.Memory
	q     *queue.Memory
	clk   *fakeClock
}

func sydney(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	loc := sydney(t)
	clk := &fakeClock{t: time.Date(2024, 3, 15, 6, 5, 0, 0, loc)}
	f := fixture{
		locks: lock.NewMemory(lock.WithClock(clk.Now)),
		reg:   registry.NewMemory(),
		q:     queue.NewMemory(clk.Now, 0),
		clk:   clk,
	}
	f.orch = New(f.locks, f.reg, producer.New(f.q, nil), Options{
		Lenders:  []string{"CBA", "NAB"},
		Products: []Product{{Lender: "CBA", ID: "home-1"}},
		Location: loc,
		Now:      clk.Now,
		Suffix:   func() string { return "ab12cd34" },
	})
	return f
}

func TestTriggerDaily_ConcurrentExactlyOneProceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
		}(i)
	}
	wg.Wait()

	var ok, skipped int
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("trigger %d: %v", i, errs[i])
		}
		switch {
		case r.OK:
			ok++
			if r.Enqueued != 3 {
				t.Errorf("Enqueued = %d, want 3", r.Enqueued)
			}
		case r.Skipped:
			skipped++
			if r.Reason != ReasonDailyRunLocked {
				t.Errorf("skip reason = %q, want %q", r.Reason, ReasonDailyRunLocked)
			}
		}
	}
	if ok != 1 || skipped != 1 {
		t.Fatalf("ok=%d skipped=%d, want exactly one of each", ok, skipped)
	}
	if n := f.q.Len(); n != 3 {
		t.Errorf("queue holds %d messages, want 3", n)
	}
}

func TestTriggerDaily_SequentialAfterLockExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
	if err != nil || !first.OK {
		t.Fatalf("first = %+v, %v", first, err)
	}
	if first.RunID != "daily-2024-03-15" {
		t.Errorf("RunID = %q", first.RunID)
	}

	f.clk.Advance(3 * time.Hour)
	second, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Skipped || second.Reason != ReasonRunAlreadyExists {
		t.Errorf("second = %+v, want skipped %s", second, ReasonRunAlreadyExists)
	}
	st, _ := f.locks.Status(ctx, "lock-daily-2024-03-15")
	if st.Locked {
		t.Errorf("lock still held after duplicate run: %+v", st)
	}
}

func TestTriggerDaily_LockHeldUntilTTLAfterSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"}); err != nil {
		t.Fatal(err)
	}
	st, _ := f.locks.Status(ctx, "lock-daily-2024-03-15")
	if !st.Locked || st.Owner != "daily-2024-03-15" {
		t.Errorf("Status = %+v, want held by the run", st)
	}
}

func TestTriggerDaily_ForceBypassesLockAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.locks.Acquire(ctx, "lock-daily-2024-03-15", "someone-else", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Create(ctx, "daily-2024-03-15", domain.RunDaily); err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15", Force: true})
	if err != nil || !res.OK {
		t.Fatalf("forced = %+v, %v", res, err)
	}
	st, _ := f.locks.Status(ctx, "lock-daily-2024-03-15")
	if st.Owner != "someone-else" {
		t.Errorf("forced run touched the lock: %+v", st)
	}
}

func TestTriggerDaily_DefaultsToTodayInTargetZone(t *testing.T) {
	f := newFixture(t)
	// 2024-03-14 20:30 UTC is already the 15th in Sydney.
	f.clk.t = time.Date(2024, 3, 14, 20, 30, 0, 0, time.UTC)
	res, err := f.orch.TriggerDaily(context.Background(), DailyRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.RunID != "daily-2024-03-15" {
		t.Errorf("RunID = %q, want daily-2024-03-15", res.RunID)
	}
}

func TestTriggerDaily_LockServiceDown(t *testing.T) {
	f := newFixture(t)
	orch := New(brokenLocks{}, f.reg, producer.New(f.q, nil), Options{Lenders: []string{"CBA"}})
	res, err := orch.TriggerDaily(context.Background(), DailyRequest{Date: "2024-03-15"})
	if err != nil {
		t.Fatalf("TriggerDaily: %v", err)
	}
	if !res.Skipped || res.Reason != ReasonLockUnavailable {
		t.Errorf("res = %+v, want skipped %s", res, ReasonLockUnavailable)
	}
	if _, err := f.reg.Get(context.Background(), "daily-2024-03-15"); !errors.Is(err, registry.ErrRunNotFound) {
		t.Errorf("registry row created: %v", err)
	}
}

func TestTriggerDaily_EnqueueFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	orch := New(f.locks, f.reg, brokenEnqueuer{}, Options{Lenders: []string{"CBA", "NAB"}, Now: f.clk.Now})
	ctx := context.Background()

	_, err := orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
	if err == nil {
		t.Fatal("expected error")
	}
	run, gerr := f.reg.Get(ctx, "daily-2024-03-15")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if run.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "connection reset") {
		t.Errorf("Errors = %v", run.Errors)
	}
	st, _ := f.locks.Status(ctx, "lock-daily-2024-03-15")
	if !st.Locked {
		t.Error("lock released on enqueue failure, want it left to expire")
	}
}

// completeQueued delivers every queued unit, records it as succeeded and
// acks it. It returns the number of units completed.
func completeQueued(t *testing.T, f fixture, runID string) int {
	t.Helper()
	ctx := context.Background()
	ds, err := f.q.Receive(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range ds {
		job, err := domain.Decode(d.Body)
		if err != nil {
			t.Fatal(err)
		}
		m := job.Meta()
		o := domain.UnitOutcome{UnitKey: m.UnitKey, Target: m.Target, Success: true, Attempt: d.Attempt}
		if err := f.reg.RecordOutcome(ctx, runID, o); err != nil {
			t.Fatal(err)
		}
		if err := f.q.Ack(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
	}
	return len(ds)
}

func TestTriggerDaily_ForcedRerunAfterFailureRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := New(f.locks, f.reg, brokenEnqueuer{}, Options{Lenders: []string{"CBA", "NAB"}, Now: f.clk.Now})
	if _, err := broken.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"}); err == nil {
		t.Fatal("expected enqueue error")
	}

	res, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15", Force: true})
	if err != nil || !res.OK {
		t.Fatalf("forced = %+v, %v", res, err)
	}
	if run, _ := f.reg.Get(ctx, res.RunID); run.Status != domain.StatusRunning || len(run.Errors) != 0 {
		t.Fatalf("after forced trigger status = %s, errors = %v, want running with no errors", run.Status, run.Errors)
	}

	if n := completeQueued(t, f, res.RunID); n != 3 {
		t.Fatalf("completed %d units, want 3", n)
	}
	run, err := f.reg.Get(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.StatusOK || run.FinishedAt == nil {
		t.Errorf("Status = %s, finished=%v, want ok", run.Status, run.FinishedAt)
	}
	if len(run.Errors) != 0 {
		t.Errorf("Errors = %v, want none", run.Errors)
	}
	if got := run.Summary["CBA"]; got != (domain.UnitSummary{Enqueued: 2, Succeeded: 2}) {
		t.Errorf("CBA summary = %+v", got)
	}
}

func TestTriggerDaily_ForcedRerunAfterCompletionStartsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
	if err != nil || !first.OK {
		t.Fatalf("first = %+v, %v", first, err)
	}
	completeQueued(t, f, first.RunID)
	if run, _ := f.reg.Get(ctx, first.RunID); run.Status != domain.StatusOK {
		t.Fatalf("first run status = %s, want ok", run.Status)
	}

	f.clk.Advance(time.Hour)
	res, err := f.orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15", Force: true})
	if err != nil || !res.OK || res.Enqueued != 3 {
		t.Fatalf("forced = %+v, %v", res, err)
	}
	run, err := f.reg.Get(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.StatusRunning || run.FinishedAt != nil {
		t.Errorf("Status = %s, finished=%v, want running until the new units report", run.Status, run.FinishedAt)
	}
	if got := run.Summary["NAB"]; got != (domain.UnitSummary{Enqueued: 1}) {
		t.Errorf("NAB summary = %+v, want only the new enqueue", got)
	}
	if n := f.q.Len(); n != 3 {
		t.Errorf("queue holds %d messages, want 3", n)
	}
}

func TestTriggerDaily_CollidingLenderCodesComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orch := New(f.locks, f.reg, producer.New(f.q, nil), Options{Lenders: []string{"CBA", "cba"}, Now: f.clk.Now})

	res, err := orch.TriggerDaily(ctx, DailyRequest{Date: "2024-03-15"})
	if err != nil || !res.OK {
		t.Fatalf("TriggerDaily = %+v, %v", res, err)
	}
	if res.Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1", res.Enqueued)
	}
	if n := completeQueued(t, f, res.RunID); n != 1 {
		t.Fatalf("completed %d units, want 1", n)
	}
	if run, _ := f.reg.Get(ctx, res.RunID); run.Status != domain.StatusOK {
		t.Errorf("Status = %s, want ok", run.Status)
	}
}

func TestTriggerDaily_InvalidDate(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.TriggerDaily(context.Background(), DailyRequest{Date: "15/03/2024"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestTriggerBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.TriggerBackfill(ctx, BackfillRequest{LenderCodes: []string{"ANZ"}, MaxPerMonth: 2})
	if err != nil || !res.OK {
		t.Fatalf("TriggerBackfill = %+v, %v", res, err)
	}
	if res.RunID != "backfill-2024-02-ab12cd34" {
		t.Errorf("RunID = %q", res.RunID)
	}
	if res.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", res.Enqueued)
	}

	// Same month again while the lock is live.
	again, err := f.orch.TriggerBackfill(ctx, BackfillRequest{Month: "2024-02"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Skipped || again.Reason != ReasonBackfillRunLocked {
		t.Errorf("again = %+v", again)
	}
}

func TestSnapshotDates(t *testing.T) {
	loc := sydney(t)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, loc)
	tests := []struct {
		name     string
		month    string
		perMonth int
		want     []string
	}{
		{"leap february", "2024-02", 4, []string{"2024-02-01", "2024-02-10", "2024-02-19", "2024-02-29"}},
		{"current month stops today", "2024-03", 4, []string{"2024-03-01", "2024-03-05", "2024-03-10", "2024-03-15"}},
		{"single", "2024-01", 1, []string{"2024-01-01"}},
		{"zero means one", "2024-01", 0, []string{"2024-01-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SnapshotDates(tt.month, tt.perMonth, now)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SnapshotDates = %v, want %v", got, tt.want)
			}
		})
	}

	all, err := SnapshotDates("2024-01", 50, now)
	if err != nil || len(all) != 31 {
		t.Errorf("capped = %d dates, %v; want 31", len(all), err)
	}
	for _, m := range []string{"2024-04", "March"} {
		if _, err := SnapshotDates(m, 4, now); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("SnapshotDates(%q) err = %v, want ErrInvalidRequest", m, err)
		}
	}
}

func TestParseProducts(t *testing.T) {
	got, err := ParseProducts([]string{"CBA:home-1", " NAB:fixed-3 "})
	if err != nil {
		t.Fatal(err)
	}
	want := []Product{{"CBA", "home-1"}, {"NAB", "fixed-3"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseProducts = %v", got)
	}
	if _, err := ParseProducts([]string{"CBA"}); err == nil {
		t.Error("expected error for missing product id")
	}
}
