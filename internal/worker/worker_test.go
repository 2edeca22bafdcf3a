package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyonlabs/execledger/internal/persistence"
	"github.com/halcyonlabs/execledger/internal/pricing"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForStatus(t *testing.T, s *persistence.Store, taskID string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := s.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (now %s)", taskID, want, task.Status)
	return nil
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return pool
}

func TestPoolCompletesTaskAndSettlesCredits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		// Two metered steps, then done.
		for i := 0; i < 2; i++ {
			if err := exec.Charge(ctx, "tool.search", 0, 0); err != nil {
				return nil, err
			}
			if err := exec.Advance(ctx, fmt.Sprintf(`{"step":%d}`, exec.Step()+1)); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{"answer":42}`), nil
	})
	startPool(t, Config{Store: s, Processor: processor, DefaultBudget: decimal.RequireFromString("0.5")})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{"op":"search"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, s, taskID, persistence.TaskStatusCompleted)
	if string(task.Result) != `{"answer":42}` {
		t.Fatalf("result = %s", task.Result)
	}
	if task.CurrentStep != 2 {
		t.Fatalf("current_step = %d, want 2", task.CurrentStep)
	}

	// Two tool.search calls at 0.005 each were debited; the rest of the
	// hold lapsed at finalize.
	acct, err := s.GetAccount(ctx, "acme")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("99.99")) {
		t.Fatalf("balance = %s, want 99.99", acct.Balance)
	}
	res, err := s.GetReservation(ctx, task.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != persistence.ReservationStatusFinalized {
		t.Fatalf("reservation status = %s, want FINALIZED", res.Status)
	}
	avail, _ := s.AvailableBalance(ctx, "acme")
	if !avail.Equal(acct.Balance) {
		t.Fatalf("available %s != balance %s after settle", avail, acct.Balance)
	}
}

func TestPoolFailsTaskAndReleasesReservation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		if err := exec.Charge(ctx, "tool.search", 0, 0); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("model refused the request")
	})
	startPool(t, Config{Store: s, Processor: processor})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, s, taskID, persistence.TaskStatusFailed)
	if task.Error != "model refused the request" {
		t.Fatalf("error = %q", task.Error)
	}

	res, err := s.GetReservation(ctx, task.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != persistence.ReservationStatusReleased {
		t.Fatalf("reservation status = %s, want RELEASED", res.Status)
	}
	// Only the consumed 0.005 left the balance.
	acct, _ := s.GetAccount(ctx, "acme")
	if !acct.Balance.Equal(decimal.RequireFromString("99.995")) {
		t.Fatalf("balance = %s, want 99.995", acct.Balance)
	}
}

func TestPoolDeniesAdmissionWithoutCredits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "broke", decimal.Zero); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		t.Error("processor ran despite denied admission")
		return nil, nil
	})
	startPool(t, Config{Store: s, Processor: processor})

	taskID, err := s.SubmitTask(ctx, "broke", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, s, taskID, persistence.TaskStatusFailed)
	if task.Error == "" {
		t.Fatal("expected admission error on task")
	}
}

func TestPoolTimesOutSlowTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startPool(t, Config{Store: s, Processor: processor, TaskTimeout: 50 * time.Millisecond})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, s, taskID, persistence.TaskStatusTimeout)

	res, err := s.GetReservation(ctx, task.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != persistence.ReservationStatusReleased {
		t.Fatalf("reservation status = %s, want RELEASED", res.Status)
	}
}

func TestPayloadBudgetOverridesDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	startPool(t, Config{Store: s, Processor: processor})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{"budget":"5","max_budget":"8"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task := waitForStatus(t, s, taskID, persistence.TaskStatusCompleted)

	res, err := s.GetReservation(ctx, task.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if !res.ReservedAmount.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("reserved = %s, want 5", res.ReservedAmount)
	}
	if !res.MaxAmount.Equal(decimal.RequireFromString("8")) {
		t.Fatalf("max = %s, want 8", res.MaxAmount)
	}
}

func TestPeriodicCheckpointCadence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		for i := 0; i < 6; i++ {
			if err := exec.Advance(ctx, fmt.Sprintf(`{"step":%d}`, exec.Step()+1)); err != nil {
				return nil, err
			}
		}
		return json.RawMessage(`{}`), nil
	})
	startPool(t, Config{Store: s, Processor: processor, CheckpointEverySteps: 2, Pricing: pricing.NewTable(nil)})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForStatus(t, s, taskID, persistence.TaskStatusCompleted)

	cps, err := s.ListCheckpoints(ctx, taskID, 0)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	// Steps 2, 4, 6 each produced a periodic checkpoint.
	if len(cps) != 3 {
		t.Fatalf("got %d checkpoints, want 3", len(cps))
	}
	if cps[0].Version != 3 || cps[0].StepNumber != 6 {
		t.Fatalf("newest checkpoint = %+v", cps[0])
	}
}

func TestPoolResumesRestoredTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.ProvisionAccount(ctx, "acme", decimal.RequireFromString("100")); err != nil {
		t.Fatalf("provision: %v", err)
	}

	// First run charges one step, checkpoints it, then fails. The resumed
	// run picks up at the checkpoint and completes.
	var attempts atomic.Int32
	processor := ProcessorFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		if err := exec.Charge(ctx, "tool.search", 0, 0); err != nil {
			return nil, err
		}
		if err := exec.Advance(ctx, fmt.Sprintf(`{"step":%d}`, exec.Step()+1)); err != nil {
			return nil, err
		}
		if attempts.Add(1) == 1 {
			return nil, fmt.Errorf("upstream hiccup")
		}
		return json.RawMessage(`{"resumed":true}`), nil
	})
	startPool(t, Config{Store: s, Processor: processor, CheckpointEverySteps: 1})

	taskID, err := s.SubmitTask(ctx, "acme", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := waitForStatus(t, s, taskID, persistence.TaskStatusFailed)
	if failed.ReservationID == "" {
		t.Fatal("failed run left no reservation attached")
	}
	releasedID := failed.ReservationID

	if _, err := s.RestoreLatestValid(ctx, taskID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	task := waitForStatus(t, s, taskID, persistence.TaskStatusCompleted)
	if string(task.Result) != `{"resumed":true}` {
		t.Fatalf("result = %s", task.Result)
	}
	// The resumed run was funded by a fresh hold, not the released one.
	if task.ReservationID == "" || task.ReservationID == releasedID {
		t.Fatalf("resumed reservation = %q, want a new hold (old %q)", task.ReservationID, releasedID)
	}
	res, err := s.GetReservation(ctx, task.ReservationID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if res.Status != persistence.ReservationStatusFinalized {
		t.Fatalf("reservation status = %s, want FINALIZED", res.Status)
	}
	// Each run consumed one 0.005 search call.
	acct, err := s.GetAccount(ctx, "acme")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("99.99")) {
		t.Fatalf("balance = %s, want 99.99", acct.Balance)
	}
}
