// Package quota implements the soft/hard token-limit state machine and
// its watchdog, grounded on spec §4.7 and
// original_source/config/global_state.py's quota counters (referenced
// from browser_utils/auth_rotation.py, not read verbatim since the
// counters themselves are simple module globals there).
package quota

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelgw/aistudio-gateway/internal/rotation"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/storage"
)

const (
	// DefaultSoftLimit is QUOTA_SOFT_LIMIT's default.
	DefaultSoftLimit int64 = 650_000
	// DefaultHardLimit is QUOTA_HARD_LIMIT's default.
	DefaultHardLimit int64 = 800_000
)

// Limits holds the global soft/hard token thresholds plus per-model
// overrides sourced from QUOTA_LIMIT_<MODEL_ID> environment variables.
type Limits struct {
	Soft     int64
	Hard     int64
	PerModel map[string]int64 // model -> hard limit override
}

// LimitsFromEnviron scans environ (os.Environ() shape) for
// QUOTA_SOFT_LIMIT, QUOTA_HARD_LIMIT, and QUOTA_LIMIT_<MODEL_ID> entries.
func LimitsFromEnviron(environ []string) Limits {
	l := Limits{Soft: DefaultSoftLimit, Hard: DefaultHardLimit, PerModel: map[string]int64{}}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case k == "QUOTA_SOFT_LIMIT":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				l.Soft = n
			}
		case k == "QUOTA_HARD_LIMIT":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				l.Hard = n
			}
		case strings.HasPrefix(k, "QUOTA_LIMIT_"):
			model := strings.ToLower(strings.TrimPrefix(k, "QUOTA_LIMIT_"))
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				l.PerModel[model] = n
			}
		}
	}
	return l
}

// HardFor returns the effective hard limit for model, applying any
// per-model override.
func (l Limits) HardFor(model string) int64 {
	if n, ok := l.PerModel[strings.ToLower(model)]; ok {
		return n
	}
	return l.Hard
}

// AccountTokens records total_tokens from a completed response against
// model, returning whether the response should additionally raise
// QuotaExceeded to unwind the current request (hard-limit crossing,
// spec §4.7).
func AccountTokens(state *runtime.State, limits Limits, model string, totalTokens int64) (hardHit bool) {
	_, hardHit = state.IncrementModelTokens(model, totalTokens, limits.Soft, limits.HardFor(model))
	return hardHit
}

// Recorder accounts tokens against in-memory runtime state and, when a
// Ledger is configured, mirrors the same event into durable storage so
// usage survives process restarts. Ledger is optional: a nil Ledger
// makes Recorder behave exactly like the bare AccountTokens function.
type Recorder struct {
	State  *runtime.State
	Limits Limits
	Ledger storage.UsageLedger
	Logger *slog.Logger
}

// NewRecorder returns a Recorder. ledger may be nil to disable durable
// mirroring.
func NewRecorder(state *runtime.State, limits Limits, ledger storage.UsageLedger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{State: state, Limits: limits, Ledger: ledger, Logger: logger}
}

// Account records total_tokens for profilePath/model, returning whether
// this crossed the hard limit.
func (r *Recorder) Account(ctx context.Context, profilePath, model string, totalTokens int64) (hardHit bool) {
	hardHit = AccountTokens(r.State, r.Limits, model, totalTokens)
	if r.Ledger != nil {
		if err := r.Ledger.RecordTokens(ctx, profilePath, model, totalTokens, time.Now()); err != nil {
			r.Logger.Warn("usage ledger write failed", "profile", profilePath, "model", model, "err", err)
		}
	}
	return hardHit
}

// Monitor is the QuotaMonitor watchdog (spec §4.7): blocks on a wake
// signal, drives rotation, and recovers runtime state around it.
type Monitor struct {
	state       *runtime.State
	coordinator *rotation.Coordinator
	logger      *slog.Logger
	wake        chan struct{}
}

// NewMonitor returns a Monitor. Signal wakes it once per invocation;
// repeated signals while a wake is already pending are coalesced.
func NewMonitor(state *runtime.State, coordinator *rotation.Coordinator, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{state: state, coordinator: coordinator, logger: logger, wake: make(chan struct{}, 1)}
}

// Signal wakes the monitor (non-blocking; coalesces with a pending wake).
func (m *Monitor) Signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run blocks, processing wake signals until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.handleWake(ctx)
		}
	}
}

func (m *Monitor) handleWake(ctx context.Context) {
	if !m.state.RotationLock.IsSet() {
		m.logger.Debug("quota monitor woke but rotation already in progress, skipping")
		return
	}

	m.state.RecoveryEvent.Clear()
	defer m.state.RecoveryEvent.Set()

	target := m.state.CurrentModelID()
	ok, err := m.coordinator.Perform(ctx, target)
	if err != nil {
		m.logger.Error("rotation attempt failed", "err", err)
		time.Sleep(5 * time.Second)
		return
	}
	if !ok {
		return
	}

	if m.state.IsQuotaExceeded() {
		m.logger.Warn("quota flag still set after successful rotation, forcing reset")
		m.state.ResetQuota()
	}
}
