package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonlabs/execledger/internal/bus"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusExecuting TaskStatus = "EXECUTING"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusTimeout   TaskStatus = "TIMEOUT"
)

// Terminal reports whether a task status admits no further transitions
// except restore-from-checkpoint.
func (st TaskStatus) Terminal() bool {
	switch st {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// Resumable reports whether a task in this status may be restored from a
// checkpoint back to the queue.
func (st TaskStatus) Resumable() bool {
	switch st {
	case TaskStatusPaused, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// allowedTransitions is the task state machine. A transition absent here is
// rejected regardless of version.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:    {TaskStatusExecuting, TaskStatusCancelled},
	TaskStatusExecuting: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPaused, TaskStatusCancelled, TaskStatusTimeout, TaskStatusQueued},
	TaskStatusPaused:    {TaskStatusQueued, TaskStatusCancelled},
	TaskStatusFailed:    {TaskStatusQueued},
	TaskStatusTimeout:   {TaskStatusQueued},
}

func transitionAllowed(from, to TaskStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Task is one unit of queued work. Version is an optimistic concurrency
// token: it increments on every mutation, and callers that pass a stale
// version get ErrStaleVersion.
type Task struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         TaskStatus      `json:"status"`
	WorkerID       string          `json:"worker_id,omitempty"`
	Version        int64           `json:"version"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	CurrentStep    int             `json:"current_step"`
	Snapshot       string          `json:"snapshot,omitempty"`
	RestoreCount   int             `json:"restore_count"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TaskEvent is one audit row for a task transition.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    string    `json:"task_id"`
	TenantID  string    `json:"tenant_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const taskColumns = `
	id, tenant_id, payload, status, worker_id, version, reservation_id,
	current_step, snapshot, restore_count, lease_expires_at, error, result,
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var t Task
	var payload string
	var workerID, reservationID, snapshot, errMsg, result sql.NullString
	var lease sql.NullTime
	if err := scanFn(
		&t.ID,
		&t.TenantID,
		&payload,
		&t.Status,
		&workerID,
		&t.Version,
		&reservationID,
		&t.CurrentStep,
		&snapshot,
		&t.RestoreCount,
		&lease,
		&errMsg,
		&result,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if workerID.Valid {
		t.WorkerID = workerID.String
	}
	if reservationID.Valid {
		t.ReservationID = reservationID.String
	}
	if snapshot.Valid {
		t.Snapshot = snapshot.String
	}
	if lease.Valid {
		t.LeaseExpiresAt = lease.Time
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	return &t, nil
}

// SubmitTask enqueues a task for a tenant. The payload must be valid JSON;
// ordering within the queue is strictly FIFO by insertion.
func (s *Store) SubmitTask(ctx context.Context, tenantID string, payload json.RawMessage) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id required")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("task payload must be valid JSON")
	}
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin submit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, tenant_id, payload, status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, tenantID, string(payload), TaskStatusQueued); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, tenantID, "", "", TaskStatusQueued, "task.submitted", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		TenantID:  tenantID,
		NewStatus: string(TaskStatusQueued),
	})
	return taskID, nil
}

// claimScanLimit bounds how many queued candidates one claim attempt
// examines before giving up.
const claimScanLimit = 16

// ClaimNext atomically claims the oldest queued task for a worker, moving it
// to EXECUTING with a lease. SQLite has no SELECT ... FOR UPDATE SKIP LOCKED,
// so claiming is emulated: scan the head of the queue inside a transaction
// and attempt a compare-and-set per candidate. A candidate whose version
// moved underneath us was taken by another worker, so we skip to the next.
// An EXECUTING task still stamped with this worker's id is also a candidate:
// a worker that restarted mid-task recovers its own claim with a fresh lease
// instead of waiting out the old one. Returns (nil, nil) when the queue is
// empty.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id required")
	}
	var claimed *Task
	var claimedFrom TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, version, status
			FROM tasks
			WHERE status = 'QUEUED' OR (status = 'EXECUTING' AND worker_id = ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?;
		`, workerID, claimScanLimit)
		if err != nil {
			return fmt.Errorf("scan queued tasks: %w", err)
		}
		type candidate struct {
			id      string
			version int64
			status  TaskStatus
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.version, &c.status); err != nil {
				rows.Close()
				return fmt.Errorf("scan claim candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate claim candidates: %w", err)
		}

		leaseExpiry := time.Now().UTC().Add(s.leaseDuration)
		for _, c := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'EXECUTING', worker_id = ?, version = version + 1,
					lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND version = ?
				  AND (status = 'QUEUED' OR (status = 'EXECUTING' AND worker_id = ?));
			`, workerID, leaseExpiry, c.id, c.version, workerID)
			if err != nil {
				return fmt.Errorf("claim task %s: %w", c.id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim rows affected: %w", err)
			}
			if n != 1 {
				continue // lost the race for this candidate
			}
			t, err := scanTask(tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+`
				FROM tasks WHERE id = ?;
			`, c.id).Scan)
			if err != nil {
				return fmt.Errorf("reload claimed task: %w", err)
			}
			eventType := "task.claimed"
			if c.status == TaskStatusExecuting {
				eventType = "task.reclaimed"
			}
			if err := s.appendTaskEventTx(ctx, tx, t.ID, t.TenantID, workerID,
				c.status, TaskStatusExecuting, eventType, ""); err != nil {
				return err
			}
			claimedFrom = c.status
			claimed = t
			break
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publish(bus.TopicTaskClaimed, bus.TaskStateChangedEvent{
			TaskID:    claimed.ID,
			TenantID:  claimed.TenantID,
			OldStatus: string(claimedFrom),
			NewStatus: string(TaskStatusExecuting),
			WorkerID:  workerID,
		})
	}
	return claimed, nil
}

// Heartbeat extends the lease on a claimed task. The extension only applies
// while the task is still EXECUTING and held by the given worker; a lapsed
// claim that was requeued or re-claimed yields ErrStaleVersion.
func (s *Store) Heartbeat(ctx context.Context, taskID, workerID string) error {
	leaseExpiry := time.Now().UTC().Add(s.leaseDuration)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'EXECUTING' AND worker_id = ?;
		`, leaseExpiry, taskID, workerID)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("heartbeat lookup: %w", err)
		}
		return fmt.Errorf("task %s no longer held by %s: %w", taskID, workerID, ErrStaleVersion)
	})
}

// AttachReservation records the reservation funding a task's execution. Set
// by the worker after admission, before the first consume.
func (s *Store) AttachReservation(ctx context.Context, taskID, reservationID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET reservation_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, reservationID, taskID)
		if err != nil {
			return fmt.Errorf("attach reservation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("attach rows affected: %w", err)
		}
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// taskMutation describes one compare-and-set state transition.
type taskMutation struct {
	to        TaskStatus
	eventType string
	errMsg    string // stored in error column (Fail, MarkTimeout)
	result    string // stored in result column (Complete)
	snapshot  string // stored in snapshot column (Pause)
	step      int    // current_step to record, -1 to leave unchanged
}

// transitionTask applies a version-checked state transition. expectedVersion
// guards against lost updates: if the row's version moved, the caller gets
// ErrStaleVersion and must reload. The version increments on success.
func (s *Store) transitionTask(ctx context.Context, taskID string, expectedVersion int64, m taskMutation) error {
	var tenantID, workerID string
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var worker sql.NullString
		var version int64
		err = tx.QueryRowContext(ctx, `
			SELECT tenant_id, status, worker_id, version
			FROM tasks
			WHERE id = ?;
		`, taskID).Scan(&tenantID, &from, &worker, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select task for transition: %w", err)
		}
		workerID = ""
		if worker.Valid {
			workerID = worker.String
		}
		if version != expectedVersion {
			return fmt.Errorf("task %s is at version %d, expected %d: %w", taskID, version, expectedVersion, ErrStaleVersion)
		}
		if !transitionAllowed(from, m.to) {
			return fmt.Errorf("task %s cannot move %s -> %s", taskID, from, m.to)
		}

		query := `
			UPDATE tasks
			SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP`
		args := []any{m.to}
		switch m.to {
		case TaskStatusCompleted:
			query += `, result = ?, worker_id = NULL, lease_expires_at = NULL`
			args = append(args, m.result)
		case TaskStatusFailed, TaskStatusTimeout:
			query += `, error = ?, worker_id = NULL, lease_expires_at = NULL`
			args = append(args, m.errMsg)
		case TaskStatusPaused:
			query += `, snapshot = ?, worker_id = NULL, lease_expires_at = NULL`
			args = append(args, m.snapshot)
		case TaskStatusCancelled, TaskStatusQueued:
			query += `, worker_id = NULL, lease_expires_at = NULL`
		}
		if m.step >= 0 {
			query += `, current_step = ?`
			args = append(args, m.step)
		}
		query += ` WHERE id = ? AND version = ?;`
		args = append(args, taskID, expectedVersion)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("task %s moved during transition: %w", taskID, ErrStaleVersion)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, tenantID, workerID, from, m.to, m.eventType, ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	topic := bus.TopicTaskStateChanged
	switch m.to {
	case TaskStatusCompleted:
		topic = bus.TopicTaskCompleted
	case TaskStatusFailed:
		topic = bus.TopicTaskFailed
	}
	s.publish(topic, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		TenantID:  tenantID,
		OldStatus: string(from),
		NewStatus: string(m.to),
		WorkerID:  workerID,
	})
	return nil
}

// CompleteTask transitions an executing task to COMPLETED with its result.
func (s *Store) CompleteTask(ctx context.Context, taskID string, expectedVersion int64, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("task result must be valid JSON")
	}
	return s.transitionTask(ctx, taskID, expectedVersion, taskMutation{
		to:        TaskStatusCompleted,
		eventType: "task.completed",
		result:    string(result),
		step:      -1,
	})
}

// FailTask transitions an executing task to FAILED with an error message.
// FAILED tasks remain resumable from their last valid checkpoint.
func (s *Store) FailTask(ctx context.Context, taskID string, expectedVersion int64, errMsg string) error {
	return s.transitionTask(ctx, taskID, expectedVersion, taskMutation{
		to:        TaskStatusFailed,
		eventType: "task.failed",
		errMsg:    errMsg,
		step:      -1,
	})
}

// PauseTask transitions an executing task to PAUSED, recording a snapshot of
// in-flight state and the step it stopped at.
func (s *Store) PauseTask(ctx context.Context, taskID string, expectedVersion int64, snapshot string, step int) error {
	return s.transitionTask(ctx, taskID, expectedVersion, taskMutation{
		to:        TaskStatusPaused,
		eventType: "task.paused",
		snapshot:  snapshot,
		step:      step,
	})
}

// CancelTask cancels a queued, executing, or paused task.
func (s *Store) CancelTask(ctx context.Context, taskID string, expectedVersion int64) error {
	return s.transitionTask(ctx, taskID, expectedVersion, taskMutation{
		to:        TaskStatusCancelled,
		eventType: "task.cancelled",
		step:      -1,
	})
}

// MarkTimeout transitions an executing task to TIMEOUT when its wall-clock
// budget runs out. TIMEOUT tasks remain resumable.
func (s *Store) MarkTimeout(ctx context.Context, taskID string, expectedVersion int64, errMsg string) error {
	return s.transitionTask(ctx, taskID, expectedVersion, taskMutation{
		to:        TaskStatusTimeout,
		eventType: "task.timeout",
		errMsg:    errMsg,
		step:      -1,
	})
}

// AdvanceStep records execution progress without changing status. Used by
// workers between checkpoints; version-checked like every other mutation.
func (s *Store) AdvanceStep(ctx context.Context, taskID string, expectedVersion int64, step int) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET current_step = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'EXECUTING' AND version = ?;
		`, step, taskID, expectedVersion)
		if err != nil {
			return fmt.Errorf("advance step: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("task %s not executing at version %d: %w", taskID, expectedVersion, ErrStaleVersion)
		}
		return nil
	})
}

// RequeueLapsedClaims returns every executing task whose lease has lapsed to
// the queue, clearing the worker so another claimant can pick it up. Run by
// the reaper; safe against a concurrent heartbeat because the transition is a
// guarded bulk UPDATE keyed on the stale lease.
func (s *Store) RequeueLapsedClaims(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	var requeued []bus.TaskStateChangedEvent
	err := retryOnBusy(ctx, 5, func() error {
		requeued = requeued[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, COALESCE(worker_id, '')
			FROM tasks
			WHERE status = 'EXECUTING' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("query lapsed claims: %w", err)
		}
		for rows.Next() {
			var ev bus.TaskStateChangedEvent
			if err := rows.Scan(&ev.TaskID, &ev.TenantID, &ev.WorkerID); err != nil {
				rows.Close()
				return fmt.Errorf("scan lapsed claim: %w", err)
			}
			ev.OldStatus = string(TaskStatusExecuting)
			ev.NewStatus = string(TaskStatusQueued)
			requeued = append(requeued, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate lapsed claims: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'QUEUED', worker_id = NULL, lease_expires_at = NULL,
				version = version + 1, updated_at = CURRENT_TIMESTAMP
			WHERE status = 'EXECUTING' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("requeue lapsed claims: %w", err)
		}
		count, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		for _, ev := range requeued {
			if err := s.appendTaskEventTx(ctx, tx, ev.TaskID, ev.TenantID, ev.WorkerID,
				TaskStatusExecuting, TaskStatusQueued, "task.lease_lapsed", ""); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for _, ev := range requeued {
		s.publish(bus.TopicTaskRequeued, ev)
	}
	return count, nil
}

// GetTask returns a single task.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE id = ?;
	`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

// ListTasks returns a tenant's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, tenantID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns the audit trail for one task in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, tenant_id, COALESCE(worker_id, ''), COALESCE(trace_id, ''),
			event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(
			&ev.EventID,
			&ev.TaskID,
			&ev.TenantID,
			&ev.WorkerID,
			&ev.TraceID,
			&ev.EventType,
			&ev.StateFrom,
			&ev.StateTo,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
