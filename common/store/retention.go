package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionStats summarizes one pruning pass.
type RetentionStats struct {
	WorkflowsScanned int
	EventsDeleted    int64
	WorkflowsPurged  int64
}

// PruneEvents applies both retention knobs to every workflow's log: rows
// older than days are deleted, and each workflow is trimmed to its newest
// maxEvents rows. Both conditions apply, so the stricter one wins. A zero
// knob disables that condition.
func (s *Store) PruneEvents(ctx context.Context, days, maxEvents int) (RetentionStats, error) {
	var stats RetentionStats

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM workflows`); err != nil {
		return stats, fmt.Errorf("failed to list workflows for retention: %w", err)
	}
	stats.WorkflowsScanned = len(ids)

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	for _, id := range ids {
		if days > 0 {
			q := s.rebind(`DELETE FROM workflow_log WHERE workflow_id = ? AND timestamp < ?`)
			res, err := s.db.ExecContext(ctx, q, id, cutoff)
			if err != nil {
				return stats, fmt.Errorf("failed to prune old events for %s: %w", id, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				stats.EventsDeleted += n
			}
		}

		if maxEvents > 0 {
			// Sequences are dense per workflow, so the newest maxEvents rows
			// are exactly those above MAX(sequence) - maxEvents.
			q := s.rebind(`DELETE FROM workflow_log WHERE workflow_id = ?
				AND sequence <= (SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = ?) - ?`)
			res, err := s.db.ExecContext(ctx, q, id, id, maxEvents)
			if err != nil {
				return stats, fmt.Errorf("failed to trim events for %s: %w", id, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				stats.EventsDeleted += n
			}
		}
	}
	return stats, nil
}

// PurgeTerminalWorkflows deletes terminal workflows untouched for the given
// number of days; their logs, usage, and checkpoints cascade.
func (s *Store) PurgeTerminalWorkflows(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	q := s.rebind(`DELETE FROM workflows
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
