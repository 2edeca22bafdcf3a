// Package persistence is the durable core of the execution ledger: tenant
// credit accounts, the reservation ledger, the task queue and claim protocol,
// the checkpoint store, and the idempotent execution cache, all backed by a
// single sqlite database.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/halcyonlabs/execledger/internal/bus"
	"github.com/halcyonlabs/execledger/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "el-v1-2026-08-30-execution-ledger"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	defaultLeaseDuration = 30 * time.Second

	// A pending idempotency claim older than this is treated as abandoned
	// (the claiming process died mid-compute) and may be reclaimed.
	stalePendingAge = 5 * time.Minute
)

type Store struct {
	db            *sql.DB
	bus           *bus.Bus // may be nil in tests
	leaseDuration time.Duration
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".execledger", "ledger.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, leaseDuration: defaultLeaseDuration}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetLeaseDuration overrides the heartbeat window applied to claimed tasks.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		s.leaseDuration = d
	}
}

// LeaseDuration returns the heartbeat window applied to claimed tasks.
func (s *Store) LeaseDuration() time.Duration {
	return s.leaseDuration
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Phase 1: Tables. All credit amounts are integer micro-credits so every
	// balance mutation is a single atomic statement; decimals exist only at
	// the API boundary.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			tenant_id TEXT PRIMARY KEY,
			balance_micro INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES credit_accounts(tenant_id),
			run_id TEXT NOT NULL,
			step TEXT NOT NULL DEFAULT '',
			reserved_micro INTEGER NOT NULL,
			consumed_micro INTEGER NOT NULL DEFAULT 0,
			max_micro INTEGER NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('ACTIVE', 'FINALIZED', 'RELEASED', 'EXPIRED')),
			reason TEXT,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK(consumed_micro >= 0),
			CHECK(consumed_micro <= max_micro),
			CHECK(max_micro >= reserved_micro)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES credit_accounts(tenant_id),
			payload JSON NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'EXECUTING', 'PAUSED', 'COMPLETED', 'FAILED', 'CANCELLED', 'TIMEOUT')),
			worker_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			reservation_id TEXT REFERENCES reservations(id),
			current_step INTEGER NOT NULL DEFAULT 0,
			snapshot TEXT,
			restore_count INTEGER NOT NULL DEFAULT 0,
			lease_expires_at DATETIME,
			error TEXT,
			result JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			version INTEGER NOT NULL,
			step_number INTEGER NOT NULL,
			checkpoint_type TEXT NOT NULL CHECK(checkpoint_type IN ('PERIODIC', 'PRE_RISKY', 'USER_REQUESTED')),
			state_snapshot TEXT NOT NULL,
			context_snapshot TEXT,
			description TEXT,
			consumed_micro INTEGER NOT NULL DEFAULT 0,
			is_valid INTEGER NOT NULL DEFAULT 1,
			invalid_reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
			idempotency_key TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('PENDING', 'SUCCEEDED')),
			result JSON,
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			reservation_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			run_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			status_from TEXT,
			status_to TEXT NOT NULL,
			amount_micro INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			tenant_id TEXT NOT NULL,
			worker_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_reservations_tenant_status ON reservations(tenant_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_expiry ON reservations(status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, version DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_cache(expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_reservation ON ledger_events(reservation_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_tenant ON ledger_events(tenant_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) appendLedgerEventTx(ctx context.Context, tx *sql.Tx, reservationID, tenantID, runID string, from, to ReservationStatus, eventType string, amountMicro int64) error {
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (reservation_id, tenant_id, run_id, trace_id, event_type, status_from, status_to, amount_micro, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, reservationID, tenantID, runID, traceID, eventType, string(from), string(to), amountMicro)
	if err != nil {
		return fmt.Errorf("insert ledger_event: %w", err)
	}
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, tenantID, workerID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, tenant_id, worker_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, tenantID, workerID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
