// Package worker runs the claim-execute loop: workers pull queued tasks
// under a lease, reserve credits for them, drive a Processor, and settle the
// reservation when the task finishes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyonlabs/execledger/internal/otel"
	"github.com/halcyonlabs/execledger/internal/persistence"
	"github.com/halcyonlabs/execledger/internal/pricing"
	"github.com/halcyonlabs/execledger/internal/shared"
)

// Processor executes one claimed task. Implementations drive the Execution
// handle for spending, progress, and checkpoints, and return the task result.
type Processor interface {
	Process(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, exec *Execution) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return f(ctx, exec)
}

// Config holds the dependencies and tuning for a worker pool.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics // optional
	Pricing   *pricing.Table
	Processor Processor

	// Workers is the pool size. Defaults to 4.
	Workers int

	// PollInterval between claim attempts when the queue is empty.
	// Defaults to 500ms.
	PollInterval time.Duration

	// HeartbeatInterval between lease renewals. Defaults to a third of the
	// store's lease duration.
	HeartbeatInterval time.Duration

	// TaskTimeout bounds one task execution. Defaults to 10 minutes.
	TaskTimeout time.Duration

	// ReservationTTL bounds how long a task's credit hold can live.
	// Defaults to 1 hour.
	ReservationTTL time.Duration

	// DefaultBudget is reserved for tasks whose payload carries no budget.
	// Defaults to 1 credit with a 2-credit ceiling.
	DefaultBudget    decimal.Decimal
	DefaultMaxBudget decimal.Decimal

	// CheckpointEverySteps is the periodic checkpoint cadence. Defaults to 5.
	CheckpointEverySteps int
}

// Pool runs a fixed set of workers against the queue.
type Pool struct {
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. The processor and store are required.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker pool requires a store")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("worker pool requires a processor")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewTable(nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.Store.LeaseDuration() / 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = time.Hour
	}
	if cfg.DefaultBudget.IsZero() {
		cfg.DefaultBudget = decimal.NewFromInt(1)
	}
	if cfg.DefaultMaxBudget.IsZero() {
		cfg.DefaultMaxBudget = cfg.DefaultBudget.Mul(decimal.NewFromInt(2))
	}
	if cfg.CheckpointEverySteps <= 0 {
		cfg.CheckpointEverySteps = 5
	}
	return &Pool{cfg: cfg}, nil
}

// Start launches the workers. They run until the context is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	p.cfg.Logger.Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight tasks to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cfg.Logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	ctx = shared.WithWorkerID(ctx, workerID)
	logger := p.cfg.Logger.With("worker_id", workerID)

	for {
		task, err := p.cfg.Store.ClaimNext(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.execute(ctx, logger, workerID, task)
	}
}

// taskBudget is the optional budget block inside a task payload.
type taskBudget struct {
	Budget    string `json:"budget"`
	MaxBudget string `json:"max_budget"`
}

func (p *Pool) budgetFor(task *persistence.Task) (decimal.Decimal, decimal.Decimal) {
	amount, maxAmount := p.cfg.DefaultBudget, p.cfg.DefaultMaxBudget
	var tb taskBudget
	if err := json.Unmarshal(task.Payload, &tb); err != nil {
		return amount, maxAmount
	}
	if tb.Budget != "" {
		if d, err := decimal.NewFromString(tb.Budget); err == nil && d.IsPositive() {
			amount = d
			maxAmount = d.Mul(decimal.NewFromInt(2))
		}
	}
	if tb.MaxBudget != "" {
		if d, err := decimal.NewFromString(tb.MaxBudget); err == nil && d.GreaterThanOrEqual(amount) {
			maxAmount = d
		}
	}
	return amount, maxAmount
}

func (p *Pool) execute(parent context.Context, logger *slog.Logger, workerID string, task *persistence.Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, p.cfg.TaskTimeout)
	defer cancel()
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithTenantID(ctx, task.TenantID)
	logger = logger.With("task_id", task.ID, "tenant_id", task.TenantID)

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.TasksClaimed.Add(ctx, 1)
		p.cfg.Metrics.ActiveClaims.Add(ctx, 1)
		defer p.cfg.Metrics.ActiveClaims.Add(ctx, -1)
	}

	// Heartbeat goroutine keeps the lease alive for the duration of the
	// task. It stops as soon as execution settles.
	hbCtx, stopHeartbeat := context.WithCancel(parent)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, logger, task.ID, workerID)

	// Admission: hold credits for the task before doing any work. A denied
	// reservation fails the task without spending anything.
	exec := &Execution{
		store:           p.cfg.Store,
		pricing:         p.cfg.Pricing,
		task:            task,
		version:         task.Version,
		step:            task.CurrentStep,
		checkpointEvery: p.cfg.CheckpointEverySteps,
		reservationID:   task.ReservationID,
	}
	if exec.reservationID != "" {
		// An attached reservation only funds this run while it is still
		// ACTIVE. A settled or expired hold left behind by an earlier run
		// cannot be consumed, so the task re-enters admission.
		res, rerr := p.cfg.Store.GetReservation(ctx, exec.reservationID)
		if rerr != nil || res.Status != persistence.ReservationStatusActive {
			exec.reservationID = ""
		}
	}
	if exec.reservationID == "" {
		amount, maxAmount := p.budgetFor(task)
		resID, err := p.cfg.Store.Reserve(ctx, task.TenantID, task.ID, "", amount, maxAmount, p.cfg.ReservationTTL)
		if err != nil {
			if p.cfg.Metrics != nil && errors.Is(err, persistence.ErrInsufficientCredits) {
				p.cfg.Metrics.ReservationsDenied.Add(ctx, 1)
			}
			logger.Warn("admission denied", "error", err)
			p.settleFailure(parent, logger, exec, err)
			return
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ReservationsCreated.Add(ctx, 1)
		}
		if err := p.cfg.Store.AttachReservation(ctx, task.ID, resID); err != nil {
			logger.Error("attach reservation failed", "error", err)
		}
		exec.reservationID = resID
	}

	result, err := p.cfg.Processor.Process(ctx, exec)
	stopHeartbeat()

	switch {
	case err == nil:
		if ok, ferr := p.cfg.Store.Finalize(parent, exec.reservationID, "task completed"); ferr != nil || !ok {
			logger.Error("finalize reservation failed", "ok", ok, "error", ferr)
		}
		if cerr := p.cfg.Store.CompleteTask(parent, task.ID, exec.version, result); cerr != nil {
			logger.Error("complete failed", "error", cerr)
			return
		}
		logger.Info("task completed", "duration", time.Since(start), "steps", exec.step)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		p.settleTimeout(parent, logger, exec, err)
	case errors.Is(err, persistence.ErrStaleVersion):
		// The lease lapsed and the task moved on without us. Another
		// worker owns it now; walk away without settling.
		logger.Warn("task lost to lapsed lease", "error", err)
	default:
		p.settleFailure(parent, logger, exec, err)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.TaskDuration.Record(parent, time.Since(start).Seconds())
	}
}

func (p *Pool) heartbeat(ctx context.Context, logger *slog.Logger, taskID, workerID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.cfg.Store.Heartbeat(ctx, taskID, workerID); err != nil {
				if ctx.Err() == nil {
					logger.Warn("heartbeat failed", "error", err)
				}
				return
			}
		}
	}
}

func (p *Pool) settleFailure(ctx context.Context, logger *slog.Logger, exec *Execution, cause error) {
	if exec.reservationID != "" {
		if _, err := p.cfg.Store.Release(ctx, exec.reservationID, "task failed"); err != nil &&
			!errors.Is(err, persistence.ErrReservationNotActive) {
			logger.Error("release reservation failed", "error", err)
		}
	}
	if err := p.cfg.Store.FailTask(ctx, exec.task.ID, exec.version, cause.Error()); err != nil {
		logger.Error("fail transition failed", "error", err)
		return
	}
	logger.Warn("task failed", "error", cause)
}

func (p *Pool) settleTimeout(ctx context.Context, logger *slog.Logger, exec *Execution, cause error) {
	if exec.reservationID != "" {
		if _, err := p.cfg.Store.Release(ctx, exec.reservationID, "task timed out"); err != nil &&
			!errors.Is(err, persistence.ErrReservationNotActive) {
			logger.Error("release reservation failed", "error", err)
		}
	}
	msg := "task timed out"
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.cfg.Store.MarkTimeout(ctx, exec.task.ID, exec.version, msg); err != nil {
		logger.Error("timeout transition failed", "error", err)
		return
	}
	logger.Warn("task timed out", "timeout", p.cfg.TaskTimeout)
}
