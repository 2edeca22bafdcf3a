// Package reaper runs the background sweeps that keep the ledger honest:
// expiring stale reservations, requeueing lapsed claims, and pruning the
// idempotency cache, old checkpoints, and aged audit events.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/halcyonlabs/execledger/internal/bus"
	"github.com/halcyonlabs/execledger/internal/otel"
	"github.com/halcyonlabs/execledger/internal/persistence"
)

// cronParser parses standard 5-field cron expressions plus descriptors
// like @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies and cadence for the reaper.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Bus     *bus.Bus      // optional; sweep summaries are published here
	Metrics *otel.Metrics // optional

	// Interval between hot sweeps (expiry, lapsed claims). Defaults to 10s.
	Interval time.Duration

	// RetentionSchedule is a cron expression for the cold sweep. Defaults
	// to @hourly.
	RetentionSchedule string

	// CheckpointKeepPerTask is passed to checkpoint pruning. Defaults to 5.
	CheckpointKeepPerTask int

	// RetentionEventsDays bounds audit event age. 0 disables the purge.
	RetentionEventsDays int
}

// SweepSummary is published on the bus after each hot sweep that did work.
type SweepSummary struct {
	ExpiredReservations int64
	RequeuedTasks       int64
	CachePruned         int64
	CheckpointsPruned   int64
	EventsPurged        int64
}

// Reaper periodically sweeps the store.
type Reaper struct {
	store   *persistence.Store
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	interval      time.Duration
	retentionExpr string
	keepPerTask   int
	eventsDays    int

	nextRetention time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper with the given config.
func New(cfg Config) (*Reaper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.RetentionSchedule
	if expr == "" {
		expr = "@hourly"
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, err
	}
	keep := cfg.CheckpointKeepPerTask
	if keep <= 0 {
		keep = 5
	}
	return &Reaper{
		store:         cfg.Store,
		logger:        logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		interval:      interval,
		retentionExpr: expr,
		keepPerTask:   keep,
		eventsDays:    cfg.RetentionEventsDays,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	next, _ := NextRunTime(r.retentionExpr, time.Now())
	r.nextRetention = next
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started",
		"interval", r.interval,
		"retention_schedule", r.retentionExpr,
		"next_retention", r.nextRetention,
	)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one hot sweep, plus the retention sweep when its schedule is
// due. Every step is independently idempotent, so a failed step is logged
// and the rest continue.
func (r *Reaper) Sweep(ctx context.Context) SweepSummary {
	start := time.Now()
	now := start
	var sum SweepSummary
	var err error

	if sum.ExpiredReservations, err = r.store.ExpireStale(ctx, now); err != nil {
		r.logger.Error("reaper: expire reservations failed", "error", err)
	}
	if sum.RequeuedTasks, err = r.store.RequeueLapsedClaims(ctx, now); err != nil {
		r.logger.Error("reaper: requeue lapsed claims failed", "error", err)
	}

	if !r.nextRetention.IsZero() && !now.Before(r.nextRetention) {
		r.retentionSweep(ctx, now, &sum)
		if next, err := NextRunTime(r.retentionExpr, now); err == nil {
			r.nextRetention = next
		}
	}

	if r.metrics != nil {
		r.metrics.ReaperSweepDuration.Record(ctx, time.Since(start).Seconds())
		if sum.RequeuedTasks > 0 {
			r.metrics.TasksRequeued.Add(ctx, sum.RequeuedTasks)
		}
	}
	if sum != (SweepSummary{}) {
		r.logger.Info("reaper swept",
			"expired_reservations", sum.ExpiredReservations,
			"requeued_tasks", sum.RequeuedTasks,
			"cache_pruned", sum.CachePruned,
			"checkpoints_pruned", sum.CheckpointsPruned,
			"events_purged", sum.EventsPurged,
			"duration", time.Since(start),
		)
		if r.bus != nil {
			r.bus.Publish(bus.TopicReaperSwept, sum)
		}
	}
	return sum
}

func (r *Reaper) retentionSweep(ctx context.Context, now time.Time, sum *SweepSummary) {
	var err error
	if sum.CachePruned, err = r.store.PruneExpiredCache(ctx, now); err != nil {
		r.logger.Error("reaper: cache prune failed", "error", err)
	}
	if sum.CheckpointsPruned, err = r.store.PruneCheckpoints(ctx, r.keepPerTask); err != nil {
		r.logger.Error("reaper: checkpoint prune failed", "error", err)
	}
	if r.eventsDays > 0 {
		cutoff := now.AddDate(0, 0, -r.eventsDays)
		if sum.EventsPurged, err = r.store.PurgeOldEvents(ctx, cutoff); err != nil {
			r.logger.Error("reaper: event purge failed", "error", err)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
