package reaper

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyonlabs/execledger/internal/bus"
	"github.com/halcyonlabs/execledger/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSweepExpiresAndRequeues(t *testing.T) {
	b := bus.New()
	s := openTestStore(t, b)
	s.SetLeaseDuration(time.Millisecond)
	ctx := context.Background()

	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := s.Reserve(ctx, "acme", "run-1", "", decimal.RequireFromString("10"), decimal.Zero, time.Millisecond); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task, err := s.ClaimNext(ctx, "worker-1"); err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	time.Sleep(10 * time.Millisecond)

	sub := b.Subscribe(bus.TopicReaperSwept)
	defer b.Unsubscribe(sub)

	r, err := New(Config{Store: s, Bus: b, RetentionSchedule: "@hourly"})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	sum := r.Sweep(ctx)
	if sum.ExpiredReservations != 1 {
		t.Fatalf("expired = %d, want 1", sum.ExpiredReservations)
	}
	if sum.RequeuedTasks != 1 {
		t.Fatalf("requeued = %d, want 1", sum.RequeuedTasks)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("task status = %s, want QUEUED", task.Status)
	}

	select {
	case ev := <-sub.Ch():
		if got, ok := ev.Payload.(SweepSummary); !ok || got.RequeuedTasks != 1 {
			t.Fatalf("sweep event payload = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep summary published")
	}
}

func TestSweepIsQuietWhenNothingToDo(t *testing.T) {
	b := bus.New()
	s := openTestStore(t, b)
	sub := b.Subscribe(bus.TopicReaperSwept)
	defer b.Unsubscribe(sub)

	r, err := New(Config{Store: s, Bus: b})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	if sum := r.Sweep(context.Background()); sum != (SweepSummary{}) {
		t.Fatalf("sweep did work on empty store: %+v", sum)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected sweep event: %+v", ev)
	default:
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s := openTestStore(t, nil)
	r, err := New(Config{Store: s, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	r.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	r.Stop() // must not hang or panic
}

func TestNewRejectsBadSchedule(t *testing.T) {
	s := openTestStore(t, nil)
	if _, err := New(Config{Store: s, RetentionSchedule: "every now and then"}); err == nil {
		t.Fatal("expected error for malformed schedule")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)
	next, err := NextRunTime("@hourly", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}
	if _, err := NextRunTime("* * *", after); err == nil {
		t.Fatal("expected parse error")
	}
}
