package worker

import (
	"context"
	"fmt"

	"github.com/halcyonlabs/execledger/internal/persistence"
	"github.com/halcyonlabs/execledger/internal/pricing"
)

// Execution is the handle a Processor uses to run one claimed task. It
// tracks the task's optimistic version across mutations and routes all
// spending through the task's reservation.
type Execution struct {
	store   *persistence.Store
	pricing *pricing.Table
	task    *persistence.Task
	version int64
	step    int

	checkpointEvery int
	reservationID   string
}

// Task returns the claimed task as it looked at claim time.
func (e *Execution) Task() *persistence.Task {
	return e.task
}

// Step returns the current step number.
func (e *Execution) Step() int {
	return e.step
}

// Charge consumes credits for one operation against the task's reservation.
// A zero-cost operation is a no-op. ErrMaxAmountExceeded or
// ErrInsufficientCredits abort the task; the processor should return the
// error unmodified.
func (e *Execution) Charge(ctx context.Context, operation string, promptTokens, completionTokens int64) error {
	cost := e.pricing.Cost(operation, promptTokens, completionTokens)
	if cost.IsZero() {
		return nil
	}
	if e.reservationID == "" {
		return fmt.Errorf("task %s has no reservation to charge", e.task.ID)
	}
	return e.store.Consume(ctx, e.reservationID, cost)
}

// Advance records progress to the next step, updating the stored snapshot
// cadence: every checkpointEvery steps a periodic checkpoint is written with
// the given snapshot.
func (e *Execution) Advance(ctx context.Context, snapshot string) error {
	next := e.step + 1
	if err := e.store.AdvanceStep(ctx, e.task.ID, e.version, next); err != nil {
		return err
	}
	e.version++
	e.step = next
	if e.checkpointEvery > 0 && next%e.checkpointEvery == 0 {
		if _, err := e.store.CreateCheckpoint(ctx, e.task.ID, persistence.CheckpointPeriodic, next, snapshot, "", ""); err != nil {
			return fmt.Errorf("periodic checkpoint: %w", err)
		}
	}
	return nil
}

// CheckpointBeforeRisky writes a PRE_RISKY checkpoint ahead of an operation
// with side effects (a purchase, an email, a destructive call).
func (e *Execution) CheckpointBeforeRisky(ctx context.Context, snapshot, description string) (*persistence.Checkpoint, error) {
	return e.store.CreateCheckpoint(ctx, e.task.ID, persistence.CheckpointPreRisky, e.step, snapshot, "", description)
}
