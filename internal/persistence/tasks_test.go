package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func submitTask(t *testing.T, s *Store, tenantID string) string {
	t.Helper()
	id, err := s.SubmitTask(context.Background(), tenantID, json.RawMessage(`{"op":"summarize"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestSubmitAndClaimFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")

	first := submitTask(t, s, "acme")
	second := submitTask(t, s, "acme")

	claimed, err := s.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != first {
		t.Fatalf("claimed %+v, want oldest task %s", claimed, first)
	}
	if claimed.Status != TaskStatusExecuting {
		t.Fatalf("status = %s, want EXECUTING", claimed.Status)
	}
	if claimed.WorkerID != "worker-1" {
		t.Fatalf("worker = %s", claimed.WorkerID)
	}
	if claimed.Version != 2 {
		t.Fatalf("version = %d, want 2 after claim", claimed.Version)
	}
	if claimed.LeaseExpiresAt.IsZero() {
		t.Fatal("lease not set")
	}

	next, err := s.ClaimNext(ctx, "worker-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if next == nil || next.ID != second {
		t.Fatalf("second claim got %+v, want %s", next, second)
	}

	empty, err := s.ClaimNext(ctx, "worker-3")
	if err != nil {
		t.Fatalf("empty claim: %v", err)
	}
	if empty != nil {
		t.Fatalf("claimed %s from empty queue", empty.ID)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.SubmitTask(context.Background(), "acme", json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}

func TestNoDoubleClaimAcrossWorkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")

	const tasks = 8
	for i := 0; i < tasks; i++ {
		submitTask(t, s, "acme")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedBy := make(map[string]string)
	for w := 0; w < 4; w++ {
		workerID := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(ctx, workerID)
				if err != nil {
					t.Errorf("%s claim: %v", workerID, err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimedBy[task.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", task.ID, prev, workerID)
				}
				claimedBy[task.ID] = workerID
				mu.Unlock()
				// Settle before the next claim; an unfinished task would be
				// re-selected by its own worker.
				if err := s.CompleteTask(ctx, task.ID, task.Version, nil); err != nil {
					t.Errorf("%s complete: %v", workerID, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(claimedBy) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(claimedBy), tasks)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, err := s.ClaimNext(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	before := task.LeaseExpiresAt

	time.Sleep(10 * time.Millisecond)
	if err := s.Heartbeat(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	reloaded, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !reloaded.LeaseExpiresAt.After(before) {
		t.Fatalf("lease %v not extended past %v", reloaded.LeaseExpiresAt, before)
	}

	if err := s.Heartbeat(ctx, task.ID, "worker-2"); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for wrong worker, got %v", err)
	}
	if err := s.Heartbeat(ctx, "no-such-task", "worker-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRequeueLapsedClaims(t *testing.T) {
	s := openTestStore(t)
	s.SetLeaseDuration(time.Millisecond)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, err := s.ClaimNext(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	n, err := s.RequeueLapsedClaims(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	reloaded, _ := s.GetTask(ctx, task.ID)
	if reloaded.Status != TaskStatusQueued {
		t.Fatalf("status = %s, want QUEUED", reloaded.Status)
	}
	if reloaded.WorkerID != "" {
		t.Fatalf("worker still set: %s", reloaded.WorkerID)
	}
	if reloaded.Version != task.Version+1 {
		t.Fatalf("version = %d, want %d", reloaded.Version, task.Version+1)
	}

	// The original worker's completion attempt is now stale.
	if err := s.CompleteTask(ctx, task.ID, task.Version, json.RawMessage(`{}`)); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	// Another worker can claim it again.
	again, err := s.ClaimNext(ctx, "worker-2")
	if err != nil || again == nil || again.ID != task.ID {
		t.Fatalf("reclaim: task=%v err=%v", again, err)
	}
}

func TestCompleteAndTerminalTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, err := s.ClaimNext(ctx, "worker-1")
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := s.CompleteTask(ctx, task.ID, task.Version, json.RawMessage(`{"tokens":42}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, _ := s.GetTask(ctx, task.ID)
	if done.Status != TaskStatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if string(done.Result) != `{"tokens":42}` {
		t.Fatalf("result = %s", done.Result)
	}

	// COMPLETED is terminal.
	if err := s.FailTask(ctx, task.ID, done.Version, "nope"); err == nil {
		t.Fatal("expected error for transition out of COMPLETED")
	}
}

func TestFailThenCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, _ := s.ClaimNext(ctx, "worker-1")
	if err := s.FailTask(ctx, task.ID, task.Version, "model refused"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, _ := s.GetTask(ctx, task.ID)
	if failed.Status != TaskStatusFailed || failed.Error != "model refused" {
		t.Fatalf("failed task = %+v", failed)
	}
	// FAILED may only be requeued, not cancelled.
	if err := s.CancelTask(ctx, task.ID, failed.Version); err == nil {
		t.Fatal("expected error cancelling a FAILED task")
	}
}

func TestPauseRecordsSnapshotAndStep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, _ := s.ClaimNext(ctx, "worker-1")
	if err := s.PauseTask(ctx, task.ID, task.Version, `{"cursor":7}`, 7); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := s.GetTask(ctx, task.ID)
	if paused.Status != TaskStatusPaused {
		t.Fatalf("status = %s", paused.Status)
	}
	if paused.Snapshot != `{"cursor":7}` || paused.CurrentStep != 7 {
		t.Fatalf("snapshot = %q step = %d", paused.Snapshot, paused.CurrentStep)
	}
	if paused.WorkerID != "" {
		t.Fatalf("worker still set after pause: %s", paused.WorkerID)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	id := submitTask(t, s, "acme")

	task, _ := s.GetTask(ctx, id)
	if err := s.CancelTask(ctx, id, task.Version); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancelled, _ := s.GetTask(ctx, id)
	if cancelled.Status != TaskStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got, err := s.ClaimNext(ctx, "worker-1"); err != nil || got != nil {
		t.Fatalf("cancelled task claimable: task=%v err=%v", got, err)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, _ := s.ClaimNext(ctx, "worker-1")
	if err := s.AdvanceStep(ctx, task.ID, task.Version, 3); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// The pre-advance version is now stale everywhere.
	if err := s.CompleteTask(ctx, task.ID, task.Version, nil); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
	reloaded, _ := s.GetTask(ctx, task.ID)
	if err := s.CompleteTask(ctx, task.ID, reloaded.Version, nil); err != nil {
		t.Fatalf("complete with fresh version: %v", err)
	}
}

func TestTaskEventsRecordLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "100")
	submitTask(t, s, "acme")

	task, _ := s.ClaimNext(ctx, "worker-1")
	_ = s.CompleteTask(ctx, task.ID, task.Version, nil)

	events, err := s.ListTaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []string{"task.submitted", "task.claimed", "task.completed"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.EventType, want[i])
		}
	}
}

func TestClaimNextRecoversOwnExecutingTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	provisionTenant(t, s, "acme", "10")
	taskID := submitTask(t, s, "acme")

	first, err := s.ClaimNext(ctx, "worker-1")
	if err != nil || first == nil || first.ID != taskID {
		t.Fatalf("claim: task=%v err=%v", first, err)
	}

	// A different worker cannot take the in-flight task before the lease lapses.
	stolen, err := s.ClaimNext(ctx, "worker-2")
	if err != nil {
		t.Fatalf("other worker claim: %v", err)
	}
	if stolen != nil {
		t.Fatalf("worker-2 claimed in-flight task %s", stolen.ID)
	}

	// The original worker, restarted mid-task, recovers its own claim
	// immediately with a fresh lease instead of waiting out the old one.
	again, err := s.ClaimNext(ctx, "worker-1")
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if again == nil || again.ID != taskID {
		t.Fatalf("re-claim got %+v, want %s", again, taskID)
	}
	if again.Status != TaskStatusExecuting || again.WorkerID != "worker-1" {
		t.Fatalf("re-claimed task = %+v", again)
	}
	if again.Version != first.Version+1 {
		t.Fatalf("version = %d, want %d", again.Version, first.Version+1)
	}
	if !again.LeaseExpiresAt.After(first.LeaseExpiresAt.Add(-time.Second)) {
		t.Fatalf("lease not renewed: %v -> %v", first.LeaseExpiresAt, again.LeaseExpiresAt)
	}
}
