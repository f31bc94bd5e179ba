package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is one durable snapshot of a workflow's graph state plus an
// optional interrupt marker. Resume loads the latest checkpoint.
type Checkpoint struct {
	WorkflowID    string         `db:"workflow_id"`
	CheckpointID  string         `db:"checkpoint_id"`
	StateJSON     string         `db:"state_json"`
	InterruptJSON sql.NullString `db:"interrupt_json"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Interrupt returns the interrupt marker bytes, or nil when the checkpoint
// was taken at a plain node boundary.
func (c Checkpoint) Interrupt() []byte {
	if !c.InterruptJSON.Valid || c.InterruptJSON.String == "" {
		return nil
	}
	return []byte(c.InterruptJSON.String)
}

// SaveCheckpoint stores a checkpoint under (workflowID, checkpointID)
func (s *Store) SaveCheckpoint(ctx context.Context, workflowID, checkpointID string, stateJSON, interruptJSON []byte) error {
	var interrupt sql.NullString
	if len(interruptJSON) > 0 {
		interrupt = sql.NullString{String: string(interruptJSON), Valid: true}
	}

	q := s.rebind(`INSERT INTO workflow_checkpoints (workflow_id, checkpoint_id, state_json, interrupt_json, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, workflowID, checkpointID, string(stateJSON), interrupt, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for a workflow
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error) {
	var cp Checkpoint
	q := s.rebind(`SELECT workflow_id, checkpoint_id, state_json, interrupt_json, created_at
		FROM workflow_checkpoints WHERE workflow_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &cp, q, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{}, fmt.Errorf("checkpoint for workflow %s: %w", workflowID, ErrNotFound)
		}
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// DeleteCheckpoints removes all checkpoints of a workflow
func (s *Store) DeleteCheckpoints(ctx context.Context, workflowID string) error {
	q := s.rebind(`DELETE FROM workflow_checkpoints WHERE workflow_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, workflowID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
