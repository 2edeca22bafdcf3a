package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/halcyonlabs/execledger/internal/credits"
)

// CreditAccount is a tenant's durable credit balance. The stored balance only
// moves on Consume and TopUp; reservations reduce availability, not balance.
type CreditAccount struct {
	TenantID  string          `json:"tenant_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ProvisionAccount creates the credit account for a tenant with an initial
// balance. It is a no-op if the account already exists.
func (s *Store) ProvisionAccount(ctx context.Context, tenantID string, initial decimal.Decimal) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id required")
	}
	micro, err := credits.ToMicro(initial)
	if err != nil {
		return err
	}
	if micro < 0 {
		return fmt.Errorf("initial balance must not be negative")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (tenant_id, balance_micro, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO NOTHING;
	`, tenantID, micro)
	if err != nil {
		return fmt.Errorf("provision account: %w", err)
	}
	return nil
}

// TopUp adds credits to a tenant's stored balance in a single atomic
// statement. The billing collaborator calls this after a successful charge.
func (s *Store) TopUp(ctx context.Context, tenantID string, amount decimal.Decimal) error {
	micro, err := credits.ToMicro(amount)
	if err != nil {
		return err
	}
	if micro <= 0 {
		return fmt.Errorf("top-up amount must be positive")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance_micro = balance_micro + ?, updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ?;
	`, micro, tenantID)
	if err != nil {
		return fmt.Errorf("top up account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("top up rows affected: %w", err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// GetAccount returns a tenant's credit account.
func (s *Store) GetAccount(ctx context.Context, tenantID string) (*CreditAccount, error) {
	var account CreditAccount
	var micro int64
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, balance_micro, created_at, updated_at
		FROM credit_accounts
		WHERE tenant_id = ?;
	`, tenantID).Scan(&account.TenantID, &micro, &account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	account.Balance = credits.FromMicro(micro)
	return &account, nil
}

// AvailableBalance returns the tenant's stored balance minus the unconsumed
// portion of all active reservations.
func (s *Store) AvailableBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	var micro int64
	err := s.db.QueryRowContext(ctx, `
		SELECT a.balance_micro - COALESCE((
			SELECT SUM(r.reserved_micro - r.consumed_micro)
			FROM reservations r
			WHERE r.tenant_id = a.tenant_id AND r.status = 'ACTIVE'
		), 0)
		FROM credit_accounts a
		WHERE a.tenant_id = ?;
	`, tenantID).Scan(&micro)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("available balance: %w", err)
	}
	return credits.FromMicro(micro), nil
}

// availableMicroTx computes availability inside a transaction so concurrent
// Reserve calls for the same tenant serialize on a consistent figure.
func availableMicroTx(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	var micro int64
	err := tx.QueryRowContext(ctx, `
		SELECT a.balance_micro - COALESCE((
			SELECT SUM(r.reserved_micro - r.consumed_micro)
			FROM reservations r
			WHERE r.tenant_id = a.tenant_id AND r.status = 'ACTIVE'
		), 0)
		FROM credit_accounts a
		WHERE a.tenant_id = ?;
	`, tenantID).Scan(&micro)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("available balance in tx: %w", err)
	}
	return micro, nil
}
