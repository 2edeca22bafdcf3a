package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult summarizes one retention sweep.
type RetentionResult struct {
	CacheEntriesPruned int64
	CheckpointsPruned  int64
	EventsPurged       int64
}

// PruneExpiredCache deletes idempotency cache entries past their TTL, plus
// abandoned PENDING claims older than the abandonment window.
func (s *Store) PruneExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency_cache
			WHERE (status = 'SUCCEEDED' AND expires_at IS NOT NULL AND expires_at < ?)
			   OR (status = 'PENDING' AND created_at < ?);
		`, now.UTC(), now.UTC().Add(-stalePendingAge))
		if err != nil {
			return fmt.Errorf("prune idempotency cache: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune cache rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}

// PruneCheckpoints deletes old checkpoints, keeping the newest keepPerTask
// versions of every task and always preserving each task's newest valid
// checkpoint regardless of age, so restore never loses its target.
func (s *Store) PruneCheckpoints(ctx context.Context, keepPerTask int) (int64, error) {
	if keepPerTask < 1 {
		keepPerTask = 1
	}
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		// COALESCE keeps the delete working for tasks with no valid
		// checkpoint at all; NULL in the comparison would mask every row.
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE id NOT IN (
				SELECT id FROM (
					SELECT id,
						ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY version DESC) AS rn
					FROM checkpoints
				) WHERE rn <= ?
			)
			AND id != COALESCE((
				SELECT c2.id FROM checkpoints c2
				WHERE c2.task_id = checkpoints.task_id AND c2.is_valid = 1
				ORDER BY c2.version DESC LIMIT 1
			), '');
		`, keepPerTask)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune checkpoint rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}

// PurgeOldEvents deletes ledger and task audit rows older than the cutoff.
// Event tables are append-only in the hot path; this is the only delete.
func (s *Store) PurgeOldEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		total = 0
		for _, table := range []string{"ledger_events", "task_events"} {
			res, err := s.db.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?;`, table), olderThan.UTC())
			if err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("purge %s rows affected: %w", table, err)
			}
			total += n
		}
		return nil
	})
	return total, err
}
