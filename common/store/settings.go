package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ServerSettings is the single mutable row of runtime tuning knobs.
// Values here override the environment defaults after startup.
type ServerSettings struct {
	LogRetentionDays            int       `db:"log_retention_days" json:"logRetentionDays"`
	LogRetentionMaxEvents       int       `db:"log_retention_max_events" json:"logRetentionMaxEvents"`
	MaxConcurrentWorkflows      int       `db:"max_concurrent_workflows" json:"maxConcurrentWorkflows"`
	WorkflowStartTimeoutSeconds int       `db:"workflow_start_timeout_seconds" json:"workflowStartTimeoutSeconds"`
	DriverTimeoutSeconds        int       `db:"driver_timeout_seconds" json:"driverTimeoutSeconds"`
	KeepWorktrees               bool      `db:"keep_worktrees" json:"keepWorktrees"`
	UpdatedAt                   time.Time `db:"updated_at" json:"updatedAt"`
}

const settingsColumns = `log_retention_days, log_retention_max_events, max_concurrent_workflows, workflow_start_timeout_seconds, driver_timeout_seconds, keep_worktrees, updated_at`

// HasSettings reports whether the settings row has been written yet.
func (s *Store) HasSettings(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM server_settings WHERE id = 1`); err != nil {
		return false, fmt.Errorf("failed to check settings: %w", err)
	}
	return n > 0, nil
}

// GetSettings returns the settings row, inserting defaults on first read.
func (s *Store) GetSettings(ctx context.Context) (ServerSettings, error) {
	var row ServerSettings
	err := s.db.GetContext(ctx, &row, `SELECT `+settingsColumns+` FROM server_settings WHERE id = 1`)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ServerSettings{}, fmt.Errorf("failed to get settings: %w", err)
	}

	defaults := ServerSettings{
		LogRetentionDays:            30,
		LogRetentionMaxEvents:       5000,
		MaxConcurrentWorkflows:      3,
		WorkflowStartTimeoutSeconds: 90,
		DriverTimeoutSeconds:        600,
		KeepWorktrees:               false,
		UpdatedAt:                   time.Now().UTC(),
	}
	if err := s.UpdateSettings(ctx, defaults); err != nil {
		return ServerSettings{}, err
	}
	return defaults, nil
}

// UpdateSettings replaces the settings row.
func (s *Store) UpdateSettings(ctx context.Context, in ServerSettings) error {
	in.UpdatedAt = time.Now().UTC()

	q := s.rebind(`INSERT INTO server_settings (id, ` + settingsColumns + `) VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			log_retention_days = excluded.log_retention_days,
			log_retention_max_events = excluded.log_retention_max_events,
			max_concurrent_workflows = excluded.max_concurrent_workflows,
			workflow_start_timeout_seconds = excluded.workflow_start_timeout_seconds,
			driver_timeout_seconds = excluded.driver_timeout_seconds,
			keep_worktrees = excluded.keep_worktrees,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q,
		in.LogRetentionDays, in.LogRetentionMaxEvents, in.MaxConcurrentWorkflows,
		in.WorkflowStartTimeoutSeconds, in.DriverTimeoutSeconds, in.KeepWorktrees, in.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	return nil
}
