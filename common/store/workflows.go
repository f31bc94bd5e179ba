package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgeline/overseer/common/state"
)

// Workflow is one persisted workflow row plus its deserialized state
type Workflow struct {
	ID           string
	IssueID      string
	WorktreePath string
	Status       state.WorkflowStatus
	State        state.WorkflowState
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type workflowRow struct {
	ID           string         `db:"id"`
	IssueID      string         `db:"issue_id"`
	WorktreePath sql.NullString `db:"worktree_path"`
	Status       string         `db:"status"`
	StateJSON    string         `db:"state_json"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r workflowRow) toWorkflow() (Workflow, error) {
	var st state.WorkflowState
	if err := json.Unmarshal([]byte(r.StateJSON), &st); err != nil {
		return Workflow{}, fmt.Errorf("failed to decode state for workflow %s: %w", r.ID, err)
	}
	return Workflow{
		ID:           r.ID,
		IssueID:      r.IssueID,
		WorktreePath: r.WorktreePath.String,
		Status:       state.WorkflowStatus(r.Status),
		State:        st,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// CreateWorkflow inserts the initial row for a new workflow
func (s *Store) CreateWorkflow(ctx context.Context, st state.WorkflowState) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	now := time.Now().UTC()
	q := s.rebind(`INSERT INTO workflows (id, issue_id, worktree_path, status, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		st.WorkflowID, st.IssueID, nullable(st.WorktreePath), string(st.WorkflowStatus), string(stateJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow by id
func (s *Store) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var row workflowRow
	q := s.rebind(`SELECT id, issue_id, worktree_path, status, state_json, created_at, updated_at
		FROM workflows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workflow{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toWorkflow()
}

// ListWorkflows returns all workflows, newest first
func (s *Store) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var rows []workflowRow
	q := `SELECT id, issue_id, worktree_path, status, state_json, created_at, updated_at
		FROM workflows ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	out := make([]Workflow, 0, len(rows))
	for _, r := range rows {
		wf, err := r.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// StalePending returns pending workflows created before the cutoff that
// have never emitted an event. The watchdog cancels these.
func (s *Store) StalePending(ctx context.Context, cutoff time.Time) ([]Workflow, error) {
	var rows []workflowRow
	q := s.rebind(`SELECT id, issue_id, worktree_path, status, state_json, created_at, updated_at
		FROM workflows w
		WHERE status = ? AND created_at < ?
		AND NOT EXISTS (SELECT 1 FROM workflow_log l WHERE l.workflow_id = w.id)`)
	if err := s.db.SelectContext(ctx, &rows, q, string(state.StatusPending), cutoff); err != nil {
		return nil, fmt.Errorf("failed to list stale pending workflows: %w", err)
	}

	out := make([]Workflow, 0, len(rows))
	for _, r := range rows {
		wf, err := r.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// DeleteWorkflow removes a workflow row; the log, usage, and checkpoints
// cascade with it.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	q := s.rebind(`DELETE FROM workflows WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveNodeOutput persists one graph node's output atomically: the merged
// state, the events it emitted, and any token usage land in a single
// transaction. The status move is validated against the current row; a
// forbidden transition or a write to a terminal workflow rolls everything
// back.
func (s *Store) SaveNodeOutput(ctx context.Context, st state.WorkflowState, events []state.WorkflowEvent, usage []state.TokenUsage) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		q := tx.Rebind(`SELECT status FROM workflows WHERE id = ?`)
		if err := tx.GetContext(ctx, &current, q, st.WorkflowID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("workflow %s: %w", st.WorkflowID, ErrNotFound)
			}
			return fmt.Errorf("failed to read workflow status: %w", err)
		}

		currentStatus := state.WorkflowStatus(current)
		if currentStatus.IsTerminal() {
			return fmt.Errorf("workflow %s: %w", st.WorkflowID, state.ErrTerminal)
		}
		if err := state.ValidateTransition(currentStatus, st.WorkflowStatus); err != nil {
			return err
		}

		q = tx.Rebind(`UPDATE workflows SET worktree_path = ?, status = ?, state_json = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q,
			nullable(st.WorktreePath), string(st.WorkflowStatus), string(stateJSON), time.Now().UTC(), st.WorkflowID); err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		for _, evt := range events {
			if err := appendEventTx(ctx, tx, evt); err != nil {
				return err
			}
		}

		for _, u := range usage {
			if err := insertUsageTx(ctx, tx, u); err != nil {
				return err
			}
		}

		return nil
	})
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
