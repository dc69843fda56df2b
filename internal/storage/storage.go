// Package storage defines an optional durable ledger for profile token
// usage and rotation history. It complements the authoritative on-disk
// JSON bookkeeping in rotation.FileProfileStore: the gateway runs fine
// without it, but when wired it gives an operator a queryable history
// that survives profile-file rewrites and supports retrospective
// analysis of quota pressure across restarts.
package storage

import (
	"context"
	"time"
)

// ProfileUsage is one profile/model token-usage row.
type ProfileUsage struct {
	ProfilePath string
	ModelID     string
	Tokens      int64
	UpdatedAt   time.Time
}

// RotationEvent is a durable record of a rotation having occurred,
// independent of the in-memory Ledger used for the depletion guard.
type RotationEvent struct {
	ProfilePath string
	Reason      string
	OccurredAt  time.Time
}

// UsageLedger persists per-profile token usage and rotation history.
type UsageLedger interface {
	RecordTokens(ctx context.Context, profilePath, modelID string, tokens int64, at time.Time) error
	RecordRotation(ctx context.Context, profilePath, reason string, at time.Time) error
	TotalsForProfile(ctx context.Context, profilePath string) ([]ProfileUsage, error)
	RecentRotations(ctx context.Context, limit int) ([]RotationEvent, error)
	Close() error
}
