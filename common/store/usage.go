package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgeline/overseer/common/state"
)

func insertUsageTx(ctx context.Context, tx *sqlx.Tx, u state.TokenUsage) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	q := tx.Rebind(`INSERT INTO token_usage
		(id, workflow_id, agent, model, input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd, duration_ms, num_turns, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q,
		uuid.NewString(), u.WorkflowID, u.Agent, u.Model,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens,
		u.CostUSD, u.DurationMS, u.NumTurns, ts.UTC()); err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates one workflow's token usage per agent and model
type UsageSummary struct {
	Agent               string  `db:"agent" json:"agent"`
	Model               string  `db:"model" json:"model"`
	Calls               int64   `db:"calls" json:"calls"`
	InputTokens         int64   `db:"input_tokens" json:"inputTokens"`
	OutputTokens        int64   `db:"output_tokens" json:"outputTokens"`
	CacheReadTokens     int64   `db:"cache_read_tokens" json:"cacheReadTokens"`
	CacheCreationTokens int64   `db:"cache_creation_tokens" json:"cacheCreationTokens"`
	CostUSD             float64 `db:"cost_usd" json:"costUsd"`
	DurationMS          int64   `db:"duration_ms" json:"durationMs"`
}

// WorkflowUsage returns per-agent/model usage aggregates for a workflow
func (s *Store) WorkflowUsage(ctx context.Context, workflowID string) ([]UsageSummary, error) {
	var out []UsageSummary
	q := s.rebind(`SELECT agent, COALESCE(model, '') AS model, COUNT(*) AS calls,
		SUM(input_tokens) AS input_tokens, SUM(output_tokens) AS output_tokens,
		SUM(cache_read_tokens) AS cache_read_tokens, SUM(cache_creation_tokens) AS cache_creation_tokens,
		SUM(cost_usd) AS cost_usd, SUM(duration_ms) AS duration_ms
		FROM token_usage WHERE workflow_id = ?
		GROUP BY agent, model ORDER BY agent, model`)
	if err := s.db.SelectContext(ctx, &out, q, workflowID); err != nil {
		return nil, fmt.Errorf("failed to aggregate token usage: %w", err)
	}
	return out, nil
}
