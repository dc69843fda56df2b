package sqlite

import (
	"context"
	"time"

	"github.com/kestrelgw/aistudio-gateway/internal/storage"
)

// RecordTokens upserts the running token total for a profile/model pair.
func (s *Store) RecordTokens(ctx context.Context, profilePath, modelID string, tokens int64, at time.Time) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO profile_usage (profile_path, model_id, tokens, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile_path, model_id) DO UPDATE SET
			tokens = tokens + excluded.tokens,
			updated_at = excluded.updated_at
	`, profilePath, modelID, tokens, at)
	return err
}

// RecordRotation appends a rotation history entry.
func (s *Store) RecordRotation(ctx context.Context, profilePath, reason string, at time.Time) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO rotation_events (profile_path, reason, occurred_at)
		VALUES (?, ?, ?)
	`, profilePath, reason, at)
	return err
}

// TotalsForProfile returns accumulated token usage for a profile, one row per model.
func (s *Store) TotalsForProfile(ctx context.Context, profilePath string) ([]storage.ProfileUsage, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT profile_path, model_id, tokens, updated_at
		FROM profile_usage
		WHERE profile_path = ?
		ORDER BY model_id
	`, profilePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ProfileUsage
	for rows.Next() {
		var u storage.ProfileUsage
		if err := rows.Scan(&u.ProfilePath, &u.ModelID, &u.Tokens, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecentRotations returns the most recent rotation events, newest first.
func (s *Store) RecentRotations(ctx context.Context, limit int) ([]storage.RotationEvent, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT profile_path, reason, occurred_at
		FROM rotation_events
		ORDER BY occurred_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RotationEvent
	for rows.Next() {
		var e storage.RotationEvent
		if err := rows.Scan(&e.ProfilePath, &e.Reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ storage.UsageLedger = (*Store)(nil)
