package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clawlite/clawlite/internal/errs"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr string
		kind ScheduleKind
		ok   bool
	}{
		{"every 30", KindEvery, true},
		{"every 1", KindEvery, true},
		{"every 0", "", false},
		{"every -5", "", false},
		{"every soon", "", false},
		{"at 2025-06-02T09:00:00Z", KindAt, true},
		{"at 2020-01-01T00:00:00Z", "", false}, // past
		{"at tomorrow", "", false},
		{"*/5 * * * *", KindCron, true},
		{"0 9 * * 1-5", KindCron, true},
		{"not an expression", "", false},
		{"99 99 * * *", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sched, err := ParseExpression(tt.expr, testNow)
			if tt.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if sched.Kind != tt.kind {
					t.Errorf("kind = %s, want %s", sched.Kind, tt.kind)
				}
				return
			}
			if !errs.Is(err, errs.CronExpressionInvalid) {
				t.Errorf("err = %v, want cron_expression_invalid", err)
			}
		})
	}
}

func TestScheduleNext(t *testing.T) {
	every, _ := ParseExpression("every 30", testNow)
	next, err := every.Next(testNow, time.UTC)
	if err != nil || !next.Equal(testNow.Add(30*time.Second)) {
		t.Errorf("every next = %v, %v", next, err)
	}

	at, _ := ParseExpression("at 2025-06-02T09:00:00Z", testNow)
	next, err = at.Next(testNow, time.UTC)
	if err != nil || !next.Equal(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("at next = %v, %v", next, err)
	}
	if _, err := at.Next(next, time.UTC); err == nil {
		t.Error("one-shot produced a second fire time")
	}

	// 5-field evaluated in the scheduler timezone, persisted UTC.
	loc, _ := time.LoadLocation("America/New_York")
	daily, _ := ParseExpression("0 9 * * *", testNow)
	next, err = daily.Next(testNow, loc)
	if err != nil {
		t.Fatal(err)
	}
	if got := next.In(loc).Hour(); got != 9 {
		t.Errorf("cron fires at %d local, want 9", got)
	}
	if next.Location() != time.UTC {
		t.Error("next fire not normalized to UTC")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "cron.db"), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAddListRemove(t *testing.T) {
	store := newTestStore(t)

	j1, err := store.Add("telegram:123", "every 60", "check the oven", "")
	if err != nil {
		t.Fatal(err)
	}
	j2, err := store.Add("telegram:123", "every 120", "water the plants", "")
	if err != nil {
		t.Fatal(err)
	}
	if j2.ID <= j1.ID {
		t.Errorf("ids not monotonic: %d then %d", j1.ID, j2.ID)
	}

	jobs, err := store.List()
	if err != nil || len(jobs) != 2 {
		t.Fatalf("list = %d jobs, err %v", len(jobs), err)
	}
	if jobs[0].ID != j1.ID {
		t.Error("list not ordered by next fire")
	}

	if err := store.Remove(j1.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove(j1.ID); err == nil {
		t.Error("removing missing job succeeded")
	}

	// Deleted ids are never reused.
	j3, err := store.Add("telegram:123", "every 60", "again", "")
	if err != nil {
		t.Fatal(err)
	}
	if j3.ID <= j2.ID {
		t.Errorf("id %d reused after delete", j3.ID)
	}
}

func TestStoreRejectsInvalidExpression(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Add("s", "every 0", "m", ""); !errs.Is(err, errs.CronExpressionInvalid) {
		t.Errorf("err = %v", err)
	}
}

func TestStoreDue(t *testing.T) {
	store := newTestStore(t)
	j, err := store.Add("s", "every 1", "m", "")
	if err != nil {
		t.Fatal(err)
	}

	due, err := store.Due(time.Now().UTC())
	if err != nil || len(due) != 0 {
		t.Fatalf("job due immediately: %v, %v", due, err)
	}

	due, err = store.Due(time.Now().UTC().Add(2 * time.Second))
	if err != nil || len(due) != 1 || due[0].ID != j.ID {
		t.Fatalf("job not due after interval: %v, %v", due, err)
	}
}

func TestStoreDueSkipsDisabled(t *testing.T) {
	store := newTestStore(t)
	j, err := store.Add("s", "every 1", "ping", "")
	if err != nil {
		t.Fatal(err)
	}
	horizon := time.Now().UTC().Add(2 * time.Second)

	if err := store.SetEnabled(j.ID, false); err != nil {
		t.Fatal(err)
	}
	due, err := store.Due(horizon)
	if err != nil || len(due) != 0 {
		t.Fatalf("disabled job came due: %v, %v", due, err)
	}

	if err := store.SetEnabled(j.ID, true); err != nil {
		t.Fatal(err)
	}
	due, err = store.Due(horizon)
	if err != nil || len(due) != 1 {
		t.Fatalf("re-enabled job not due: %v, %v", due, err)
	}
}

func TestStoreJobFieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	j, err := store.Add("telegram:9", "every 60", "water the plants", "plants")
	if err != nil {
		t.Fatal(err)
	}

	jobs, err := store.List()
	if err != nil || len(jobs) != 1 {
		t.Fatalf("list = %v, %v", jobs, err)
	}
	got := jobs[0]
	if got.Name != "plants" || got.Prompt != "water the plants" || !got.Enabled {
		t.Errorf("job = %+v", got)
	}
	if got.LastFireAt != nil {
		t.Error("unfired job has a last fire time")
	}

	firedAt := time.Now().UTC().Truncate(time.Second)
	if err := store.MarkFired(j.ID, firedAt); err != nil {
		t.Fatal(err)
	}
	jobs, _ = store.List()
	if jobs[0].LastFireAt == nil || !jobs[0].LastFireAt.Equal(firedAt) {
		t.Errorf("last fire = %v, want %v", jobs[0].LastFireAt, firedAt)
	}
}

type blockingRunner struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, sessionID, text string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	<-r.release
	return "", nil
}

func (r *blockingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestTickSkipsOverlappingRun(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Add("subagent:x", "every 1", "slow job", ""); err != nil {
		t.Fatal(err)
	}

	runner := &blockingRunner{release: make(chan struct{})}
	sched := NewScheduler(store, runner, nil, time.UTC)

	ctx := context.Background()
	due := time.Now().UTC().Add(5 * time.Second)

	sched.tick(ctx, due)
	waitFor(t, func() bool { return runner.count() == 1 })

	// Second tick while the first run is still blocked: skipped, and
	// the fire time pushed forward.
	sched.tick(ctx, due.Add(time.Second))
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 1 {
		t.Errorf("overlapping run started, calls = %d", runner.count())
	}

	jobs, _ := store.List()
	if len(jobs) != 1 || !jobs[0].NextFireAt.After(due) {
		t.Error("skipped job not recomputed forward")
	}
	if jobs[0].LastFireAt == nil {
		t.Error("fired job has no last fire time")
	}

	close(runner.release)
	sched.wg.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		action string
		ok     bool
	}{
		{"skip", `{"action":"skip","reason":"nothing pending"}`, "skip", true},
		{"run", `{"action":"run","reason":"reminder overdue"}`, "run", true},
		{"prose around json", "Sure: {\"action\":\"skip\",\"reason\":\"quiet\"} done", "skip", true},
		{"no json", "nothing to do", "", false},
		{"unknown action", `{"action":"maybe","reason":"?"}`, "", false},
		{"broken json", `{"action":"run"`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(tt.raw)
			if tt.ok {
				if err != nil || d.Action != tt.action {
					t.Errorf("parseDecision = %+v, %v", d, err)
				}
				return
			}
			if err == nil {
				t.Errorf("malformed decision accepted: %+v", d)
			}
		})
	}
}
