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

// Brainstorm session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// ErrSessionCompleted guards writes against sessions that already handed
// off to implementation.
var ErrSessionCompleted = errors.New("brainstorm session is completed")

// BrainstormSession is one exploratory conversation tied to a profile. The
// driver session id carries multi-turn continuity across messages.
type BrainstormSession struct {
	ID              string    `db:"id"`
	ProfileID       string    `db:"profile_id"`
	DriverSessionID string    `db:"driver_session_id"`
	Status          string    `db:"status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// BrainstormMessage is one turn in a session, ordered by Sequence.
type BrainstormMessage struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Sequence  int64     `db:"sequence"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Artifact is a file the brainstorm produced, detected from write_file tool
// calls and eligible for handoff to implementation.
type Artifact struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Path      string    `db:"path"`
	Type      string    `db:"artifact_type"`
	CreatedAt time.Time `db:"created_at"`
}

type sessionRow struct {
	ID              string         `db:"id"`
	ProfileID       string         `db:"profile_id"`
	DriverSessionID sql.NullString `db:"driver_session_id"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r sessionRow) toSession() BrainstormSession {
	return BrainstormSession{
		ID:              r.ID,
		ProfileID:       r.ProfileID,
		DriverSessionID: r.DriverSessionID.String,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// CreateSession starts a new active brainstorm session for a profile
func (s *Store) CreateSession(ctx context.Context, profileID string) (BrainstormSession, error) {
	now := time.Now().UTC()
	session := BrainstormSession{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Status:    SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := s.rebind(`INSERT INTO brainstorm_sessions (id, profile_id, driver_session_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		session.ID, session.ProfileID, nullable(""), session.Status, now, now); err != nil {
		return BrainstormSession{}, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession loads one session by id
func (s *Store) GetSession(ctx context.Context, id string) (BrainstormSession, error) {
	var row sessionRow
	q := s.rebind(`SELECT id, profile_id, driver_session_id, status, created_at, updated_at
		FROM brainstorm_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BrainstormSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return BrainstormSession{}, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession(), nil
}

// ListSessions returns all sessions, newest first
func (s *Store) ListSessions(ctx context.Context) ([]BrainstormSession, error) {
	var rows []sessionRow
	q := `SELECT id, profile_id, driver_session_id, status, created_at, updated_at
		FROM brainstorm_sessions ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]BrainstormSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSession())
	}
	return out, nil
}

// DeleteSession removes a session; messages and artifacts cascade with it
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	q := s.rebind(`DELETE FROM brainstorm_sessions WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionDriverID records the driver session id obtained from the first
// driver result so later turns continue the same conversation.
func (s *Store) SetSessionDriverID(ctx context.Context, id, driverSessionID string) error {
	q := s.rebind(`UPDATE brainstorm_sessions SET driver_session_id = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, q, driverSessionID, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update session driver id: %w", err)
	}
	return nil
}

// CompleteSession marks a session handed off. Completing twice is an error.
func (s *Store) CompleteSession(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		status, err := sessionStatusTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == SessionCompleted {
			return fmt.Errorf("session %s: %w", id, ErrSessionCompleted)
		}
		q := tx.Rebind(`UPDATE brainstorm_sessions SET status = ?, updated_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, q, SessionCompleted, time.Now().UTC(), id); err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}
		return nil
	})
}

// AppendMessage stores the next message of a session, assigning the next
// per-session sequence inside one transaction. Writes to completed sessions
// are rejected.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (BrainstormMessage, error) {
	msg := BrainstormMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		status, err := sessionStatusTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if status == SessionCompleted {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionCompleted)
		}

		var last sql.NullInt64
		q := tx.Rebind(`SELECT MAX(sequence) FROM brainstorm_messages WHERE session_id = ?`)
		if err := tx.GetContext(ctx, &last, q, sessionID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read last message sequence: %w", err)
		}
		msg.Sequence = last.Int64 + 1

		q = tx.Rebind(`INSERT INTO brainstorm_messages (id, session_id, sequence, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, q,
			msg.ID, msg.SessionID, msg.Sequence, msg.Role, msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
	if err != nil {
		return BrainstormMessage{}, err
	}
	return msg, nil
}

// Messages returns a session's messages in sequence order
func (s *Store) Messages(ctx context.Context, sessionID string) ([]BrainstormMessage, error) {
	var out []BrainstormMessage
	q := s.rebind(`SELECT id, session_id, sequence, role, content, created_at
		FROM brainstorm_messages WHERE session_id = ? ORDER BY sequence ASC`)
	if err := s.db.SelectContext(ctx, &out, q, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

// SaveArtifact records a file the session produced. Re-detecting the same
// path updates nothing and returns the existing artifact.
func (s *Store) SaveArtifact(ctx context.Context, sessionID, path, artifactType string) (Artifact, error) {
	if existing, err := s.ArtifactByPath(ctx, sessionID, path); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Type:      artifactType,
		CreatedAt: time.Now().UTC(),
	}
	q := s.rebind(`INSERT INTO brainstorm_artifacts (id, session_id, path, artifact_type, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		artifact.ID, artifact.SessionID, artifact.Path, artifact.Type, artifact.CreatedAt); err != nil {
		return Artifact{}, fmt.Errorf("failed to save artifact: %w", err)
	}
	return artifact, nil
}

// Artifacts returns a session's artifacts in creation order
func (s *Store) Artifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	var out []Artifact
	q := s.rebind(`SELECT id, session_id, path, artifact_type, created_at
		FROM brainstorm_artifacts WHERE session_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &out, q, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return out, nil
}

// ArtifactByPath finds a session's artifact by its recorded path
func (s *Store) ArtifactByPath(ctx context.Context, sessionID, path string) (Artifact, error) {
	var out Artifact
	q := s.rebind(`SELECT id, session_id, path, artifact_type, created_at
		FROM brainstorm_artifacts WHERE session_id = ? AND path = ?`)
	if err := s.db.GetContext(ctx, &out, q, sessionID, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, fmt.Errorf("artifact %s: %w", path, ErrNotFound)
		}
		return Artifact{}, fmt.Errorf("failed to get artifact: %w", err)
	}
	return out, nil
}

func sessionStatusTx(ctx context.Context, tx *sqlx.Tx, id string) (string, error) {
	var status string
	q := tx.Rebind(`SELECT status FROM brainstorm_sessions WHERE id = ?`)
	if err := tx.GetContext(ctx, &status, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read session status: %w", err)
	}
	return status, nil
}
