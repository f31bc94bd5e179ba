package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Prompt is a named system prompt owned by one agent role.
type Prompt struct {
	ID          string    `db:"id" json:"id"`
	Agent       string    `db:"agent" json:"agent"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// PromptVersion is one immutable revision of a prompt's content.
type PromptVersion struct {
	ID            string    `db:"id" json:"id"`
	PromptID      string    `db:"prompt_id" json:"promptId"`
	VersionNumber int       `db:"version_number" json:"versionNumber"`
	Content       string    `db:"content" json:"content"`
	IsActive      bool      `db:"is_active" json:"isActive"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// UpsertPrompt creates the prompt if the name is new and returns its id.
func (s *Store) UpsertPrompt(ctx context.Context, agent, name, description string) (string, error) {
	var id string
	q := s.rebind(`SELECT id FROM prompts WHERE name = ?`)
	err := s.db.GetContext(ctx, &id, q, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up prompt: %w", err)
	}

	id = uuid.NewString()
	q = s.rebind(`INSERT INTO prompts (id, agent, name, description, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, id, agent, name, description, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to create prompt: %w", err)
	}
	return id, nil
}

// CreateVersion appends a new revision and makes it the active one.
func (s *Store) CreateVersion(ctx context.Context, promptID, content string) (PromptVersion, error) {
	v := PromptVersion{
		ID:        uuid.NewString(),
		PromptID:  promptID,
		Content:   content,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var maxVersion sql.NullInt64
		q := tx.Rebind(`SELECT MAX(version_number) FROM prompt_versions WHERE prompt_id = ?`)
		if err := tx.GetContext(ctx, &maxVersion, q, promptID); err != nil {
			return fmt.Errorf("failed to read latest version: %w", err)
		}
		v.VersionNumber = int(maxVersion.Int64) + 1

		q = tx.Rebind(`UPDATE prompt_versions SET is_active = ? WHERE prompt_id = ?`)
		if _, err := tx.ExecContext(ctx, q, false, promptID); err != nil {
			return fmt.Errorf("failed to deactivate old versions: %w", err)
		}

		q = tx.Rebind(`INSERT INTO prompt_versions (id, prompt_id, version_number, content, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q, v.ID, v.PromptID, v.VersionNumber, v.Content, v.IsActive, v.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return PromptVersion{}, err
	}
	return v, nil
}

// ActiveVersion returns the active revision for a prompt name.
func (s *Store) ActiveVersion(ctx context.Context, name string) (PromptVersion, error) {
	var v PromptVersion
	q := s.rebind(`SELECT v.id, v.prompt_id, v.version_number, v.content, v.is_active, v.created_at
		FROM prompt_versions v JOIN prompts p ON p.id = v.prompt_id
		WHERE p.name = ? AND v.is_active = ?`)
	if err := s.db.GetContext(ctx, &v, q, name, true); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptVersion{}, fmt.Errorf("prompt %s: %w", name, ErrNotFound)
		}
		return PromptVersion{}, fmt.Errorf("failed to get active version: %w", err)
	}
	return v, nil
}

// ActiveVersionIDs returns the active version id of every prompt, keyed by name.
func (s *Store) ActiveVersionIDs(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Name      string `db:"name"`
		VersionID string `db:"version_id"`
	}
	q := s.rebind(`SELECT p.name AS name, v.id AS version_id
		FROM prompt_versions v JOIN prompts p ON p.id = v.prompt_id
		WHERE v.is_active = ?`)
	if err := s.db.SelectContext(ctx, &rows, q, true); err != nil {
		return nil, fmt.Errorf("failed to list active versions: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.VersionID
	}
	return out, nil
}

// ActivePrompt pairs a prompt name with its active revision.
type ActivePrompt struct {
	Name      string `db:"name"`
	VersionID string `db:"version_id"`
	Content   string `db:"content"`
}

// ActivePrompts returns the active revision of every prompt.
func (s *Store) ActivePrompts(ctx context.Context) ([]ActivePrompt, error) {
	var rows []ActivePrompt
	q := s.rebind(`SELECT p.name AS name, v.id AS version_id, v.content AS content
		FROM prompt_versions v JOIN prompts p ON p.id = v.prompt_id
		WHERE v.is_active = ?`)
	if err := s.db.SelectContext(ctx, &rows, q, true); err != nil {
		return nil, fmt.Errorf("failed to list active prompts: %w", err)
	}
	return rows, nil
}

// PinnedPrompts returns the prompt contents a workflow was pinned to,
// keyed by prompt name.
func (s *Store) PinnedPrompts(ctx context.Context, workflowID string) (map[string]string, error) {
	var rows []struct {
		Name    string `db:"name"`
		Content string `db:"content"`
	}
	q := s.rebind(`SELECT p.name AS name, v.content AS content
		FROM workflow_prompt_versions w
		JOIN prompt_versions v ON v.id = w.prompt_version_id
		JOIN prompts p ON p.id = v.prompt_id
		WHERE w.workflow_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, fmt.Errorf("failed to load pinned prompts: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Content
	}
	return out, nil
}

// PinWorkflowVersions records which prompt revisions a workflow ran with.
func (s *Store) PinWorkflowVersions(ctx context.Context, workflowID string, versionIDs []string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		q := tx.Rebind(`INSERT INTO workflow_prompt_versions (workflow_id, prompt_version_id) VALUES (?, ?)`)
		for _, vid := range versionIDs {
			if _, err := tx.ExecContext(ctx, q, workflowID, vid); err != nil {
				return fmt.Errorf("failed to pin prompt version: %w", err)
			}
		}
		return nil
	})
}

// WorkflowVersions returns the prompt revisions pinned to a workflow.
func (s *Store) WorkflowVersions(ctx context.Context, workflowID string) ([]PromptVersion, error) {
	var rows []PromptVersion
	q := s.rebind(`SELECT v.id, v.prompt_id, v.version_number, v.content, v.is_active, v.created_at
		FROM workflow_prompt_versions w JOIN prompt_versions v ON v.id = w.prompt_version_id
		WHERE w.workflow_id = ?
		ORDER BY v.created_at`)
	if err := s.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list workflow prompt versions: %w", err)
	}
	return rows, nil
}
