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

type CheckpointType string

const (
	CheckpointPeriodic      CheckpointType = "PERIODIC"
	CheckpointPreRisky      CheckpointType = "PRE_RISKY"
	CheckpointUserRequested CheckpointType = "USER_REQUESTED"
)

// Checkpoint is a durable snapshot of a task's execution state. Versions are
// 1-based and strictly increasing per task; a checkpoint is never rewritten,
// only invalidated.
type Checkpoint struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	Version         int             `json:"version"`
	StepNumber      int             `json:"step_number"`
	Type            CheckpointType  `json:"checkpoint_type"`
	StateSnapshot   string          `json:"state_snapshot"`
	ContextSnapshot string          `json:"context_snapshot,omitempty"`
	Description     string          `json:"description,omitempty"`
	ConsumedAmount  decimal.Decimal `json:"consumed_amount"`
	IsValid         bool            `json:"is_valid"`
	InvalidReason   string          `json:"invalid_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

const checkpointColumns = `
	id, task_id, version, step_number, checkpoint_type, state_snapshot,
	context_snapshot, description, consumed_micro, is_valid, invalid_reason, created_at`

func scanCheckpoint(scanFn func(dest ...any) error) (*Checkpoint, error) {
	var cp Checkpoint
	var contextSnapshot, description, invalidReason sql.NullString
	var consumedMicro int64
	if err := scanFn(
		&cp.ID,
		&cp.TaskID,
		&cp.Version,
		&cp.StepNumber,
		&cp.Type,
		&cp.StateSnapshot,
		&contextSnapshot,
		&description,
		&consumedMicro,
		&cp.IsValid,
		&invalidReason,
		&cp.CreatedAt,
	); err != nil {
		return nil, err
	}
	cp.ConsumedAmount = credits.FromMicro(consumedMicro)
	if contextSnapshot.Valid {
		cp.ContextSnapshot = contextSnapshot.String
	}
	if description.Valid {
		cp.Description = description.String
	}
	if invalidReason.Valid {
		cp.InvalidReason = invalidReason.String
	}
	return &cp, nil
}

// CreateCheckpoint writes a new snapshot for a task. The version is assigned
// inside the transaction as max(existing)+1, so concurrent writers for the
// same task cannot collide (the UNIQUE(task_id, version) constraint backstops
// this). The task's consumed credits at checkpoint time are captured so a
// later restore knows how much spend the snapshot already covers.
func (s *Store) CreateCheckpoint(ctx context.Context, taskID string, cpType CheckpointType, stepNumber int, stateSnapshot, contextSnapshot, description string) (*Checkpoint, error) {
	if stateSnapshot == "" {
		return nil, fmt.Errorf("state snapshot required")
	}
	switch cpType {
	case CheckpointPeriodic, CheckpointPreRisky, CheckpointUserRequested:
	default:
		return nil, fmt.Errorf("unknown checkpoint type %q", cpType)
	}

	cp := &Checkpoint{
		ID:              uuid.NewString(),
		TaskID:          taskID,
		StepNumber:      stepNumber,
		Type:            cpType,
		StateSnapshot:   stateSnapshot,
		ContextSnapshot: contextSnapshot,
		Description:     description,
		IsValid:         true,
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin checkpoint tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var reservationID sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT reservation_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&reservationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select task for checkpoint: %w", err)
		}

		var consumedMicro int64
		if reservationID.Valid {
			err = tx.QueryRowContext(ctx, `
				SELECT consumed_micro FROM reservations WHERE id = ?;
			`, reservationID.String).Scan(&consumedMicro)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select reservation spend: %w", err)
			}
		}
		cp.ConsumedAmount = credits.FromMicro(consumedMicro)

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE task_id = ?;
		`, taskID).Scan(&cp.Version); err != nil {
			return fmt.Errorf("next checkpoint version: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (
				id, task_id, version, step_number, checkpoint_type, state_snapshot,
				context_snapshot, description, consumed_micro, is_valid, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, 1, CURRENT_TIMESTAMP);
		`, cp.ID, taskID, cp.Version, stepNumber, cpType, stateSnapshot,
			contextSnapshot, description, consumedMicro); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = time.Now().UTC()
	s.publish(bus.TopicCheckpointCreated, bus.CheckpointEvent{
		TaskID:       taskID,
		CheckpointID: cp.ID,
		Version:      cp.Version,
		Type:         string(cpType),
	})
	return cp, nil
}

// RestoreLatestValid rewinds a resumable task (paused, failed, or timeout) to
// its newest valid checkpoint and requeues it. The task's snapshot and step
// are replaced by the checkpoint's, restore_count increments, and the version
// bumps so in-flight holders of the old version see ErrStaleVersion. The
// funding reservation detaches: it was settled when the task left EXECUTING,
// so the resumed run goes through admission again with a fresh hold.
func (s *Store) RestoreLatestValid(ctx context.Context, taskID string) (*Checkpoint, error) {
	var cp *Checkpoint
	var tenantID string
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restore tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var version int64
		err = tx.QueryRowContext(ctx, `
			SELECT tenant_id, status, version FROM tasks WHERE id = ?;
		`, taskID).Scan(&tenantID, &from, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select task for restore: %w", err)
		}
		if !from.Resumable() {
			return fmt.Errorf("task %s is %s: %w", taskID, from, ErrTaskNotResumable)
		}

		cp, err = scanCheckpoint(tx.QueryRowContext(ctx, `
			SELECT `+checkpointColumns+`
			FROM checkpoints
			WHERE task_id = ? AND is_valid = 1
			ORDER BY version DESC
			LIMIT 1;
		`, taskID).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s has no valid checkpoint: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select latest valid checkpoint: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'QUEUED', worker_id = NULL, lease_expires_at = NULL, reservation_id = NULL,
				snapshot = ?, current_step = ?, error = NULL,
				restore_count = restore_count + 1,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND version = ?;
		`, cp.StateSnapshot, cp.StepNumber, taskID, version)
		if err != nil {
			return fmt.Errorf("restore task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("restore rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("task %s moved during restore: %w", taskID, ErrStaleVersion)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, tenantID, "",
			from, TaskStatusQueued, "task.restored",
			fmt.Sprintf(`{"checkpoint_id":%q,"checkpoint_version":%d}`, cp.ID, cp.Version)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskRequeued, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		TenantID:  tenantID,
		OldStatus: string(from),
		NewStatus: string(TaskStatusQueued),
	})
	return cp, nil
}

// InvalidateCheckpoint marks a checkpoint unusable for restore, recording
// why. The row itself is preserved for audit until retention prunes it.
func (s *Store) InvalidateCheckpoint(ctx context.Context, checkpointID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE checkpoints
			SET is_valid = 0, invalid_reason = ?
			WHERE id = ?;
		`, reason, checkpointID)
		if err != nil {
			return fmt.Errorf("invalidate checkpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("invalidate rows affected: %w", err)
		}
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// GetCheckpoint returns a single checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints WHERE id = ?;
	`, checkpointID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a task's checkpoints, newest version first.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM checkpoints
		WHERE task_id = ?
		ORDER BY version DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}
