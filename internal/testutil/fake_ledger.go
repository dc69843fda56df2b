package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelgw/aistudio-gateway/internal/storage"
)

// FakeUsageLedger is an in-memory storage.UsageLedger for tests.
type FakeUsageLedger struct {
	mu        sync.Mutex
	Totals    map[string]map[string]int64 // profilePath -> modelID -> tokens
	Rotations []storage.RotationEvent
}

// NewFakeUsageLedger returns an empty FakeUsageLedger.
func NewFakeUsageLedger() *FakeUsageLedger {
	return &FakeUsageLedger{Totals: make(map[string]map[string]int64)}
}

func (f *FakeUsageLedger) RecordTokens(_ context.Context, profilePath, modelID string, tokens int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Totals[profilePath] == nil {
		f.Totals[profilePath] = make(map[string]int64)
	}
	f.Totals[profilePath][modelID] += tokens
	return nil
}

func (f *FakeUsageLedger) RecordRotation(_ context.Context, profilePath, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rotations = append(f.Rotations, storage.RotationEvent{ProfilePath: profilePath, Reason: reason, OccurredAt: at})
	return nil
}

func (f *FakeUsageLedger) TotalsForProfile(_ context.Context, profilePath string) ([]storage.ProfileUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ProfileUsage
	for model, tokens := range f.Totals[profilePath] {
		out = append(out, storage.ProfileUsage{ProfilePath: profilePath, ModelID: model, Tokens: tokens})
	}
	return out, nil
}

func (f *FakeUsageLedger) RecentRotations(_ context.Context, limit int) ([]storage.RotationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > len(f.Rotations) {
		limit = len(f.Rotations)
	}
	return append([]storage.RotationEvent(nil), f.Rotations[len(f.Rotations)-limit:]...), nil
}

func (f *FakeUsageLedger) Close() error { return nil }

var _ storage.UsageLedger = (*FakeUsageLedger)(nil)
