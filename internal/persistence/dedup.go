package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ComputeFunc produces the result for an idempotency key. It runs outside
// any database transaction and must return valid JSON.
type ComputeFunc func(ctx context.Context) (json.RawMessage, error)

// claimStampLayout timestamps claims at nanosecond resolution, fixed width.
// The stamp doubles as the claim's identity: a failed claimant only deletes
// the row if it still carries its own stamp, so a claim taken over after the
// abandonment window is never released by the original caller.
const claimStampLayout = "2006-01-02 15:04:05.000000000"

// GetOrCompute returns the cached result for an idempotency key, computing
// it at most once across concurrent callers. The protocol is a two-phase
// claim: a PENDING row is inserted first, compute runs outside the
// transaction, and success flips the row to SUCCEEDED with the result.
//
//   - A SUCCEEDED entry returns the cached result without invoking compute.
//   - A live PENDING entry belongs to another caller: ErrComputeInFlight.
//   - A PENDING entry older than the abandonment window is treated as a
//     crashed claimant and is taken over.
//   - Compute failure deletes the claim so the next caller retries; errors
//     are never cached.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (json.RawMessage, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	if compute == nil {
		return nil, fmt.Errorf("compute func required")
	}

	var cached json.RawMessage
	var claimed bool
	var claimStamp string
	err := retryOnBusy(ctx, 5, func() error {
		cached, claimed = nil, false
		claimStamp = time.Now().UTC().Format(claimStampLayout)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		var result sql.NullString
		var createdAt time.Time
		var expiresAt sql.NullTime
		err = tx.QueryRowContext(ctx, `
			SELECT status, result, created_at, expires_at
			FROM idempotency_cache
			WHERE idempotency_key = ?;
		`, key).Scan(&status, &result, &createdAt, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_cache (idempotency_key, status, created_at, updated_at)
				VALUES (?, 'PENDING', ?, CURRENT_TIMESTAMP);
			`, key, claimStamp); err != nil {
				return fmt.Errorf("insert pending claim: %w", err)
			}
			claimed = true
		case err != nil:
			return fmt.Errorf("select cache entry: %w", err)
		case status == "SUCCEEDED" && expiresAt.Valid && !expiresAt.Time.After(time.Now().UTC()):
			// Expired result that the reaper has not pruned yet: recompute.
			if _, err := tx.ExecContext(ctx, `
				UPDATE idempotency_cache
				SET status = 'PENDING', result = NULL, expires_at = NULL,
					created_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE idempotency_key = ?;
			`, claimStamp, key); err != nil {
				return fmt.Errorf("reclaim expired entry: %w", err)
			}
			claimed = true
		case status == "SUCCEEDED":
			if result.Valid {
				cached = json.RawMessage(result.String)
			}
		case time.Since(createdAt) > stalePendingAge:
			// Abandoned claim: the original caller died mid-compute.
			if _, err := tx.ExecContext(ctx, `
				UPDATE idempotency_cache
				SET created_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE idempotency_key = ? AND status = 'PENDING';
			`, claimStamp, key); err != nil {
				return fmt.Errorf("take over stale claim: %w", err)
			}
			claimed = true
		default:
			return fmt.Errorf("key %q: %w", key, ErrComputeInFlight)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	if !claimed {
		// SUCCEEDED with a NULL result; treat the empty document as the result.
		return json.RawMessage("null"), nil
	}

	result, computeErr := compute(ctx)
	if computeErr != nil {
		// Release our own claim so a later caller can retry. The stamp guard
		// leaves the row alone if another caller took the claim over.
		releaseErr := retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `
				DELETE FROM idempotency_cache
				WHERE idempotency_key = ? AND status = 'PENDING' AND created_at = ?;
			`, key, claimStamp)
			return err
		})
		if releaseErr != nil {
			return nil, fmt.Errorf("compute failed (%v) and claim release failed: %w", computeErr, releaseErr)
		}
		return nil, computeErr
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("compute returned invalid JSON for key %q", key)
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().UTC().Add(ttl)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_cache
			SET status = 'SUCCEEDED', result = ?, expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE idempotency_key = ?;
		`, string(result), expiresAt, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record computed result: %w", err)
	}
	return result, nil
}

// LookupCached returns the cached result for a key without computing.
// ErrNotFound covers both a missing key and an unfinished PENDING claim.
func (s *Store) LookupCached(ctx context.Context, key string) (json.RawMessage, error) {
	var result sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT result
		FROM idempotency_cache
		WHERE idempotency_key = ? AND status = 'SUCCEEDED';
	`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	if !result.Valid {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(result.String), nil
}
