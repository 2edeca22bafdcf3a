package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyonlabs/execledger/internal/bus"
	"github.com/halcyonlabs/execledger/internal/credits"
)

type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusFinalized ReservationStatus = "FINALIZED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether a reservation status is immutable.
func (st ReservationStatus) Terminal() bool {
	return st == ReservationStatusFinalized || st == ReservationStatusReleased || st == ReservationStatusExpired
}

// Reservation is a soft hold against a tenant's available balance.
// ReservedAmount gates admission; ConsumedAmount is the spend actually
// debited from the stored balance; MaxAmount is the hard ceiling Consume
// can never exceed.
type Reservation struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	RunID          string            `json:"run_id"`
	Step           string            `json:"step,omitempty"`
	ReservedAmount decimal.Decimal   `json:"reserved_amount"`
	ConsumedAmount decimal.Decimal   `json:"consumed_amount"`
	MaxAmount      decimal.Decimal   `json:"max_amount"`
	Status         ReservationStatus `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// LedgerEvent is one audit row for a reservation transition.
type LedgerEvent struct {
	EventID       int64     `json:"event_id"`
	ReservationID string    `json:"reservation_id"`
	TenantID      string    `json:"tenant_id"`
	RunID         string    `json:"run_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	EventType     string    `json:"event_type"`
	StatusFrom    string    `json:"status_from,omitempty"`
	StatusTo      string    `json:"status_to"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reserve creates an active reservation for a run, admitting it against the
// tenant's available balance (stored balance minus unconsumed active holds).
// maxAmount is the hard consumption ceiling; pass zero to default it to
// amount. The reservation expires at now + ttl unless finalized or released
// first. Availability is computed and the row inserted in one transaction, so
// concurrent Reserve calls for a tenant serialize rather than double-admit.
func (s *Store) Reserve(ctx context.Context, tenantID, runID, step string, amount, maxAmount decimal.Decimal, ttl time.Duration) (string, error) {
	amountMicro, err := credits.ToMicro(amount)
	if err != nil {
		return "", err
	}
	if amountMicro <= 0 {
		return "", fmt.Errorf("reserve amount must be positive")
	}
	maxMicro := amountMicro
	if !maxAmount.IsZero() {
		maxMicro, err = credits.ToMicro(maxAmount)
		if err != nil {
			return "", err
		}
	}
	if maxMicro < amountMicro {
		return "", fmt.Errorf("max amount %s is below reserve amount %s", maxAmount.String(), amount.String())
	}
	if ttl <= 0 {
		return "", fmt.Errorf("reservation ttl must be positive")
	}

	reservationID := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		available, err := availableMicroTx(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if available < amountMicro {
			return fmt.Errorf("tenant %s has %s available, requested %s: %w",
				tenantID, credits.FromMicro(available), amount.String(), ErrInsufficientCredits)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (
				id, tenant_id, run_id, step, reserved_micro, consumed_micro, max_micro,
				status, expires_at, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, reservationID, tenantID, runID, step, amountMicro, maxMicro, ReservationStatusActive, expiresAt); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if err := s.appendLedgerEventTx(ctx, tx, reservationID, tenantID, runID,
			"", ReservationStatusActive, "reservation.created", amountMicro); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicReservationCreated, bus.ReservationEvent{
		ReservationID: reservationID,
		TenantID:      tenantID,
		RunID:         runID,
		Amount:        amount.String(),
		Status:        string(ReservationStatusActive),
	})
	return reservationID, nil
}

// Consume charges amount against an active reservation and debits the
// tenant's stored balance. This is the only point where the durable balance
// moves; the increment of consumed_amount and the balance debit are guarded
// single statements inside one transaction, so concurrent consumers can
// neither exceed max_amount nor drive the balance negative.
func (s *Store) Consume(ctx context.Context, reservationID string, amount decimal.Decimal) error {
	amountMicro, err := credits.ToMicro(amount)
	if err != nil {
		return err
	}
	if amountMicro <= 0 {
		return fmt.Errorf("consume amount must be positive")
	}

	var tenantID, runID string
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status ReservationStatus
		var consumedMicro, maxMicro int64
		err = tx.QueryRowContext(ctx, `
			SELECT tenant_id, run_id, status, consumed_micro, max_micro
			FROM reservations
			WHERE id = ?;
		`, reservationID).Scan(&tenantID, &runID, &status, &consumedMicro, &maxMicro)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select reservation for consume: %w", err)
		}
		if status != ReservationStatusActive {
			return fmt.Errorf("reservation %s is %s: %w", reservationID, status, ErrReservationNotActive)
		}
		if consumedMicro+amountMicro > maxMicro {
			return fmt.Errorf("consume %s would exceed max %s (consumed %s): %w",
				amount.String(), credits.FromMicro(maxMicro), credits.FromMicro(consumedMicro), ErrMaxAmountExceeded)
		}

		// Guarded increment: the WHERE clause re-checks the ceiling so a
		// concurrent consumer cannot slip past it between read and write.
		res, err := tx.ExecContext(ctx, `
			UPDATE reservations
			SET consumed_micro = consumed_micro + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'ACTIVE' AND consumed_micro + ? <= max_micro;
		`, amountMicro, reservationID, amountMicro)
		if err != nil {
			return fmt.Errorf("increment consumed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("reservation %s changed underneath consume: %w", reservationID, ErrMaxAmountExceeded)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE credit_accounts
			SET balance_micro = balance_micro - ?, updated_at = CURRENT_TIMESTAMP
			WHERE tenant_id = ? AND balance_micro >= ?;
		`, amountMicro, tenantID, amountMicro)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("debit rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("tenant %s balance cannot cover %s: %w", tenantID, amount.String(), ErrInsufficientCredits)
		}

		if err := s.appendLedgerEventTx(ctx, tx, reservationID, tenantID, runID,
			ReservationStatusActive, ReservationStatusActive, "reservation.consumed", amountMicro); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicReservationConsumed, bus.ReservationEvent{
		ReservationID: reservationID,
		TenantID:      tenantID,
		RunID:         runID,
		Amount:        amount.String(),
		Status:        string(ReservationStatusActive),
	})
	return nil
}

// Finalize transitions an active reservation to FINALIZED. The unconsumed
// remainder lapses: it was never drawn from the stored balance, so nothing is
// refunded, only availability frees up. Returns false without error when the
// reservation is already terminal.
func (s *Store) Finalize(ctx context.Context, reservationID, reason string) (bool, error) {
	ok, _, err := s.closeReservation(ctx, reservationID, reason, ReservationStatusFinalized, "reservation.finalized")
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release transitions an active reservation to RELEASED and returns the freed
// availability, reserved_amount − consumed_amount. No balance adjustment is
// made: only consumed credits were ever debited.
func (s *Store) Release(ctx context.Context, reservationID, reason string) (decimal.Decimal, error) {
	ok, freedMicro, err := s.closeReservation(ctx, reservationID, reason, ReservationStatusReleased, "reservation.released")
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("reservation %s already terminal: %w", reservationID, ErrReservationNotActive)
	}
	return credits.FromMicro(freedMicro), nil
}

func (s *Store) closeReservation(ctx context.Context, reservationID, reason string, to ReservationStatus, eventType string) (bool, int64, error) {
	var tenantID, runID string
	var freedMicro int64
	var closed bool
	err := retryOnBusy(ctx, 5, func() error {
		closed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin close reservation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status ReservationStatus
		var reservedMicro, consumedMicro int64
		err = tx.QueryRowContext(ctx, `
			SELECT tenant_id, run_id, status, reserved_micro, consumed_micro
			FROM reservations
			WHERE id = ?;
		`, reservationID).Scan(&tenantID, &runID, &status, &reservedMicro, &consumedMicro)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select reservation for close: %w", err)
		}
		if status.Terminal() {
			return tx.Commit() // no-op, closed stays false
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE reservations
			SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'ACTIVE';
		`, to, reason, reservationID)
		if err != nil {
			return fmt.Errorf("close reservation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close rows affected: %w", err)
		}
		if n != 1 {
			return tx.Commit()
		}
		freedMicro = reservedMicro - consumedMicro
		if err := s.appendLedgerEventTx(ctx, tx, reservationID, tenantID, runID,
			ReservationStatusActive, to, eventType, freedMicro); err != nil {
			return err
		}
		closed = true
		return tx.Commit()
	})
	if err != nil {
		return false, 0, err
	}
	if closed {
		topic := bus.TopicReservationFinalized
		if to == ReservationStatusReleased {
			topic = bus.TopicReservationReleased
		}
		s.publish(topic, bus.ReservationEvent{
			ReservationID: reservationID,
			TenantID:      tenantID,
			RunID:         runID,
			Amount:        credits.FromMicro(freedMicro).String(),
			Status:        string(to),
		})
	}
	return closed, freedMicro, nil
}

// ExpireStale bulk-transitions all active reservations past their expiry to
// EXPIRED. Idempotent and safe to run concurrently: the transition is a
// single guarded UPDATE, never a per-row read-then-write.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Snapshot the expiring rows for audit before the bulk update; the
		// transaction keeps the two consistent.
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, run_id, reserved_micro - consumed_micro
			FROM reservations
			WHERE status = 'ACTIVE' AND expires_at < ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("query expiring reservations: %w", err)
		}
		type expiring struct {
			id, tenant, run string
			freedMicro      int64
		}
		var expired []expiring
		for rows.Next() {
			var e expiring
			if err := rows.Scan(&e.id, &e.tenant, &e.run, &e.freedMicro); err != nil {
				rows.Close()
				return fmt.Errorf("scan expiring reservation: %w", err)
			}
			expired = append(expired, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expiring reservations: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE reservations
			SET status = 'EXPIRED', reason = 'ttl elapsed', updated_at = CURRENT_TIMESTAMP
			WHERE status = 'ACTIVE' AND expires_at < ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("expire stale reservations: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("expire rows affected: %w", err)
		}
		for _, e := range expired {
			if err := s.appendLedgerEventTx(ctx, tx, e.id, e.tenant, e.run,
				ReservationStatusActive, ReservationStatusExpired, "reservation.expired", e.freedMicro); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.publish(bus.TopicReservationExpired, count)
	}
	return count, nil
}

func scanReservation(scanFn func(dest ...any) error) (*Reservation, error) {
	var r Reservation
	var reservedMicro, consumedMicro, maxMicro int64
	var reason sql.NullString
	if err := scanFn(
		&r.ID,
		&r.TenantID,
		&r.RunID,
		&r.Step,
		&reservedMicro,
		&consumedMicro,
		&maxMicro,
		&r.Status,
		&reason,
		&r.ExpiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.ReservedAmount = credits.FromMicro(reservedMicro)
	r.ConsumedAmount = credits.FromMicro(consumedMicro)
	r.MaxAmount = credits.FromMicro(maxMicro)
	if reason.Valid {
		r.Reason = reason.String
	}
	return &r, nil
}

const reservationColumns = `
	id, tenant_id, run_id, step, reserved_micro, consumed_micro, max_micro,
	status, reason, expires_at, created_at, updated_at`

// GetReservation returns a single reservation.
func (s *Store) GetReservation(ctx context.Context, reservationID string) (*Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE id = ?;
	`, reservationID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select reservation: %w", err)
	}
	return r, nil
}

// ListReservations returns a tenant's reservations, newest first. Used by the
// reporting collaborator; terminal records are never mutated through this path.
func (s *Store) ListReservations(ctx context.Context, tenantID string, limit int) ([]Reservation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservation rows: %w", err)
	}
	return out, nil
}

// ListLedgerEvents returns the audit trail for one reservation in order.
func (s *Store) ListLedgerEvents(ctx context.Context, reservationID string, limit int) ([]LedgerEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, reservation_id, tenant_id, COALESCE(run_id, ''), COALESCE(trace_id, ''),
			event_type, COALESCE(status_from, ''), status_to, amount_micro, created_at
		FROM ledger_events
		WHERE reservation_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, reservationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	var out []LedgerEvent
	for rows.Next() {
		var ev LedgerEvent
		var amountMicro int64
		if err := rows.Scan(
			&ev.EventID,
			&ev.ReservationID,
			&ev.TenantID,
			&ev.RunID,
			&ev.TraceID,
			&ev.EventType,
			&ev.StatusFrom,
			&ev.StatusTo,
			&amountMicro,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		ev.Amount = credits.FromMicro(amountMicro)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger event rows: %w", err)
	}
	return out, nil
}
