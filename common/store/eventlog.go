package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgeline/overseer/common/state"
)

func appendEventTx(ctx context.Context, tx *sqlx.Tx, evt state.WorkflowEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	q := tx.Rebind(`INSERT INTO workflow_log (id, workflow_id, sequence, timestamp, agent, event_type, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q,
		evt.ID, evt.WorkflowID, evt.Sequence, evt.Timestamp.UTC(), evt.Agent, string(evt.EventType), string(payload)); err != nil {
		return fmt.Errorf("failed to append event seq %d: %w", evt.Sequence, err)
	}
	return nil
}

// Events returns a workflow's events with sequence greater than afterSeq,
// in sequence order, bounded by limit.
func (s *Store) Events(ctx context.Context, workflowID string, afterSeq int64, limit int) ([]state.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 1000
	}

	var payloads []string
	q := s.rebind(`SELECT payload_json FROM workflow_log
		WHERE workflow_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &payloads, q, workflowID, afterSeq, limit); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return decodeEvents(payloads)
}

// LatestEvents returns the newest n events of a workflow in sequence order
func (s *Store) LatestEvents(ctx context.Context, workflowID string, n int) ([]state.WorkflowEvent, error) {
	if n <= 0 {
		n = 50
	}

	var payloads []string
	q := s.rebind(`SELECT payload_json FROM workflow_log
		WHERE workflow_id = ?
		ORDER BY sequence DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &payloads, q, workflowID, n); err != nil {
		return nil, fmt.Errorf("failed to list latest events: %w", err)
	}

	events, err := decodeEvents(payloads)
	if err != nil {
		return nil, err
	}

	// reverse into ascending sequence order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// LastSequence returns the highest assigned sequence for a workflow, or 0
func (s *Store) LastSequence(ctx context.Context, workflowID string) (int64, error) {
	var seq sql.NullInt64
	q := s.rebind(`SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = ?`)
	if err := s.db.GetContext(ctx, &seq, q, workflowID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq.Int64, nil
}

func decodeEvents(payloads []string) ([]state.WorkflowEvent, error) {
	events := make([]state.WorkflowEvent, 0, len(payloads))
	for _, p := range payloads {
		var evt state.WorkflowEvent
		if err := json.Unmarshal([]byte(p), &evt); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}
