package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ledger metric instruments.
type Metrics struct {
	ReservationsCreated metric.Int64Counter
	ReservationsDenied  metric.Int64Counter
	CreditsConsumed     metric.Float64Counter
	TaskDuration        metric.Float64Histogram
	TasksClaimed        metric.Int64Counter
	TasksRequeued       metric.Int64Counter
	ActiveClaims        metric.Int64UpDownCounter
	CheckpointsWritten  metric.Int64Counter
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	ReaperSweepDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ReservationsCreated, err = meter.Int64Counter("execledger.reservations.created",
		metric.WithDescription("Reservations admitted"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsDenied, err = meter.Int64Counter("execledger.reservations.denied",
		metric.WithDescription("Reservations denied for insufficient credits"),
	)
	if err != nil {
		return nil, err
	}

	m.CreditsConsumed, err = meter.Float64Counter("execledger.credits.consumed",
		metric.WithDescription("Credits debited from tenant balances"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("execledger.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("execledger.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("execledger.tasks.requeued",
		metric.WithDescription("Tasks returned to the queue after a lapsed lease"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveClaims, err = meter.Int64UpDownCounter("execledger.claims.active",
		metric.WithDescription("Tasks currently held under a lease"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsWritten, err = meter.Int64Counter("execledger.checkpoints.written",
		metric.WithDescription("Checkpoints written"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("execledger.cache.hits",
		metric.WithDescription("Idempotency cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("execledger.cache.misses",
		metric.WithDescription("Idempotency cache misses leading to compute"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperSweepDuration, err = meter.Float64Histogram("execledger.reaper.sweep_duration",
		metric.WithDescription("Reaper sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
