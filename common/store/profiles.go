package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/forgeline/overseer/common/state"
)

type profileRow struct {
	ID                string         `db:"id"`
	Tracker           string         `db:"tracker"`
	WorkingDir        string         `db:"working_dir"`
	PlanOutputDir     sql.NullString `db:"plan_output_dir"`
	PlanPathPattern   sql.NullString `db:"plan_path_pattern"`
	AgentsJSON        sql.NullString `db:"agents_json"`
	TrustLevel        string         `db:"trust_level"`
	BatchCheckpoints  bool           `db:"batch_checkpoints"`
	CompetitiveReview bool           `db:"competitive_review"`
	IsActive          bool           `db:"is_active"`
}

func (r profileRow) toProfile() (state.Profile, error) {
	p := state.Profile{
		ID:                r.ID,
		Tracker:           r.Tracker,
		WorkingDir:        r.WorkingDir,
		PlanOutputDir:     r.PlanOutputDir.String,
		PlanPathPattern:   r.PlanPathPattern.String,
		TrustLevel:        state.TrustLevel(r.TrustLevel),
		BatchCheckpoints:  r.BatchCheckpoints,
		CompetitiveReview: r.CompetitiveReview,
		IsActive:          r.IsActive,
	}
	if r.AgentsJSON.Valid && r.AgentsJSON.String != "" {
		if err := json.Unmarshal([]byte(r.AgentsJSON.String), &p.Agents); err != nil {
			return state.Profile{}, fmt.Errorf("failed to decode agents for profile %s: %w", r.ID, err)
		}
	}
	return p, nil
}

const profileColumns = `id, tracker, working_dir, plan_output_dir, plan_path_pattern, agents_json, trust_level, batch_checkpoints, competitive_review, is_active`

// SaveProfile inserts or replaces a profile
func (s *Store) SaveProfile(ctx context.Context, p state.Profile) error {
	var agentsJSON sql.NullString
	if len(p.Agents) > 0 {
		data, err := json.Marshal(p.Agents)
		if err != nil {
			return fmt.Errorf("failed to encode agents: %w", err)
		}
		agentsJSON = sql.NullString{String: string(data), Valid: true}
	}

	trust := string(p.TrustLevel)
	if trust == "" {
		trust = string(state.TrustStandard)
	}

	tracker := p.Tracker
	if tracker == "" {
		tracker = "noop"
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		del := tx.Rebind(`DELETE FROM profiles WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, del, p.ID); err != nil {
			return fmt.Errorf("failed to replace profile: %w", err)
		}

		ins := tx.Rebind(`INSERT INTO profiles (` + profileColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, ins,
			p.ID, tracker, p.WorkingDir,
			nullable(p.PlanOutputDir), nullable(p.PlanPathPattern), agentsJSON,
			trust, p.BatchCheckpoints, p.CompetitiveReview, p.IsActive); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		return nil
	})
}

// GetProfile loads one profile by id
func (s *Store) GetProfile(ctx context.Context, id string) (state.Profile, error) {
	var row profileRow
	q := s.rebind(`SELECT ` + profileColumns + ` FROM profiles WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return state.Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return row.toProfile()
}

// ListProfiles returns all profiles
func (s *Store) ListProfiles(ctx context.Context) ([]state.Profile, error) {
	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+profileColumns+` FROM profiles ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	out := make([]state.Profile, 0, len(rows))
	for _, r := range rows {
		p, err := r.toProfile()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
