// Command execledgerd runs the execution ledger daemon: the reaper and a
// worker pool over a shared sqlite store, with config hot-reload and
// graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halcyonlabs/execledger/internal/bus"
	"github.com/halcyonlabs/execledger/internal/config"
	otelPkg "github.com/halcyonlabs/execledger/internal/otel"
	"github.com/halcyonlabs/execledger/internal/persistence"
	"github.com/halcyonlabs/execledger/internal/pricing"
	"github.com/halcyonlabs/execledger/internal/reaper"
	"github.com/halcyonlabs/execledger/internal/telemetry"
	"github.com/halcyonlabs/execledger/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.OTel.Enabled,
		Exporter:   cfg.OTel.Exporter,
		Endpoint:   cfg.OTel.Endpoint,
		SampleRate: cfg.OTel.SampleRatio,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetLeaseDuration(cfg.LeaseDuration())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Recovery scan: any claim that lapsed while the daemon was down goes
	// back to the queue before workers start.
	requeued, err := store.RequeueLapsedClaims(ctx, time.Now())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	table := pricing.NewTable(cfg.PricingOverrides())

	sweeper, err := reaper.New(reaper.Config{
		Store:                 store,
		Logger:                logger,
		Bus:                   eventBus,
		Metrics:               metrics,
		Interval:              time.Duration(cfg.Reaper.IntervalSeconds) * time.Second,
		RetentionSchedule:     cfg.Reaper.RetentionSchedule,
		CheckpointKeepPerTask: cfg.Reaper.CheckpointKeepPerTask,
		RetentionEventsDays:   cfg.Reaper.RetentionEventsDays,
	})
	if err != nil {
		fatalStartup(logger, "E_REAPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	pool, err := worker.NewPool(worker.Config{
		Store:                store,
		Logger:               logger,
		Metrics:              metrics,
		Pricing:              table,
		Processor:            newStepProcessor(table),
		Workers:              cfg.WorkerCount,
		HeartbeatInterval:    time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		TaskTimeout:          time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		ReservationTTL:       cfg.ReservationTTL(),
		CheckpointEverySteps: cfg.CheckpointEverySteps,
	})
	if err != nil {
		fatalStartup(logger, "E_WORKER_POOL_INIT", err)
	}
	pool.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range watcher.Events() {
			reloaded, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if reloaded.Fingerprint() == cfg.Fingerprint() {
				continue
			}
			// Hot-reloadable knobs only; pool size and db path need a restart.
			store.SetLeaseDuration(reloaded.LeaseDuration())
			table.Reload(reloaded.PricingOverrides())
			cfg = reloaded
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
		}
	}()

	logger.Info("execledgerd ready", "version", Version, "workers", cfg.WorkerCount)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown: stop claiming, drain in-flight tasks with a
	// bounded timeout, then let deferred closes flush the rest.
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout elapsed with tasks in flight", "timeout", drainTimeout)
	}
	logger.Info("shutdown complete")
}

// newStepProcessor returns the built-in reference processor. It interprets a
// task payload of the form
//
//	{"operation": "llm.summarize", "steps": 3,
//	 "prompt_tokens": 1200, "completion_tokens": 400}
//
// charging the operation once per step. Deployments embedding the ledger
// replace this with their own Processor.
func newStepProcessor(table *pricing.Table) worker.Processor {
	return worker.ProcessorFunc(func(ctx context.Context, exec *worker.Execution) (json.RawMessage, error) {
		var payload struct {
			Operation        string `json:"operation"`
			Steps            int    `json:"steps"`
			PromptTokens     int64  `json:"prompt_tokens"`
			CompletionTokens int64  `json:"completion_tokens"`
		}
		if err := json.Unmarshal(exec.Task().Payload, &payload); err != nil {
			return nil, fmt.Errorf("parse task payload: %w", err)
		}
		if payload.Steps <= 0 {
			payload.Steps = 1
		}
		for exec.Step() < payload.Steps {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if payload.Operation != "" {
				if err := exec.Charge(ctx, payload.Operation, payload.PromptTokens, payload.CompletionTokens); err != nil {
					return nil, err
				}
			}
			snapshot := fmt.Sprintf(`{"step":%d}`, exec.Step()+1)
			if err := exec.Advance(ctx, snapshot); err != nil {
				return nil, err
			}
		}
		result, _ := json.Marshal(map[string]any{
			"steps_executed": exec.Step(),
			"operation":      payload.Operation,
		})
		return result, nil
	})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
