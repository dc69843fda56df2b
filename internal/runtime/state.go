package runtime

import (
	"sync"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// State is the single per-process RuntimeState, replacing the source's
// mixed-singleton globals (spec §9). Every field's synchronization is
// explicit: Events for level-triggered signals, a mutex for the quota
// struct, an atomic-via-mutex counter for queue depth.
type State struct {
	// RotationLock: set = requests may proceed; cleared = parked
	// (spec §4.2).
	RotationLock *Event
	// RecoveryEvent: set = not recovering.
	RecoveryEvent *Event
	// IsShuttingDown: set once graceful shutdown begins.
	IsShuttingDown *Event

	mu             sync.Mutex
	quota          gateway.QuotaState
	currentProfile string
	currentModelID string
	lastErrorType  string // "RATE_LIMIT" | "QUOTA_EXCEEDED" | ""
	queuedRequests int
	emergencyMode  bool
}

// New returns a State with rotation unlocked (set), not recovering (set),
// and not shutting down (cleared).
func New() *State {
	return &State{
		RotationLock:   NewEvent(true),
		RecoveryEvent:  NewEvent(true),
		IsShuttingDown: NewEvent(false),
		quota: gateway.QuotaState{
			PerModelTokens:  map[string]int64{},
			ExhaustedModels: map[string]struct{}{},
		},
	}
}

// Quota returns a copy of the current quota state for read-only inspection.
func (s *State) Quota() gateway.QuotaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneQuotaLocked()
}

func (s *State) cloneQuotaLocked() gateway.QuotaState {
	q := s.quota
	q.PerModelTokens = make(map[string]int64, len(s.quota.PerModelTokens))
	for k, v := range s.quota.PerModelTokens {
		q.PerModelTokens[k] = v
	}
	q.ExhaustedModels = make(map[string]struct{}, len(s.quota.ExhaustedModels))
	for k := range s.quota.ExhaustedModels {
		q.ExhaustedModels[k] = struct{}{}
	}
	return q
}

// IsQuotaExceeded reports the quota flag without copying the whole struct.
func (s *State) IsQuotaExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota.IsExceeded
}

// SetQuotaExceeded flips the quota flag and records the triggering model
// and error kind (§4.3's jserror detection, §4.7's hard-limit crossing).
func (s *State) SetQuotaExceeded(kind, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota.IsExceeded = true
	s.quota.LastErrorKind = kind
	if kind == "rate_limit" {
		s.lastErrorType = "RATE_LIMIT"
	} else {
		s.lastErrorType = "QUOTA_EXCEEDED"
	}
	if modelID != "" {
		s.quota.ExhaustedModels[modelID] = struct{}{}
	}
}

// LastErrorType returns "RATE_LIMIT" or "QUOTA_EXCEEDED" (or "") for the
// rotation coordinator's cooldown-classification step.
func (s *State) LastErrorType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorType
}

// ExhaustedModels returns a snapshot of the exhausted-model set.
func (s *State) ExhaustedModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.quota.ExhaustedModels))
	for m := range s.quota.ExhaustedModels {
		out = append(out, m)
	}
	return out
}

// IncrementModelTokens adds n tokens to per-model counters and reports
// whether the soft and/or hard limit was crossed (spec §4.7).
func (s *State) IncrementModelTokens(model string, n int64, soft, hard int64) (softHit, hardHit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota.PerModelTokens[model] += n
	total := s.quota.PerModelTokens[model]
	if total >= soft {
		s.quota.NeedsRotation = true
		softHit = true
	}
	if total >= hard {
		s.quota.ExhaustedModels[model] = struct{}{}
		s.quota.IsExceeded = true
		hardHit = true
	}
	return softHit, hardHit
}

// NeedsRotation reports whether a soft-limit crossing requested a
// between-requests rotation.
func (s *State) NeedsRotation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota.NeedsRotation
}

// ResetQuota clears is_exceeded, per-model counters, exhausted models,
// and needs_rotation on a successful rotation (spec §4.6 step 6, §8
// invariant 6).
func (s *State) ResetQuota() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota.IsExceeded = false
	s.quota.NeedsRotation = false
	s.quota.PerModelTokens = map[string]int64{}
	s.quota.ExhaustedModels = map[string]struct{}{}
	s.quota.LastRotationAt = time.Now()
}

// CurrentProfile / SetCurrentProfile track the "current" auth profile path.
func (s *State) CurrentProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProfile
}

func (s *State) SetCurrentProfile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProfile = path
}

// CurrentModelID / SetCurrentModelID track the process-tracked model id
// for model-switch comparison (spec §4.5).
func (s *State) CurrentModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModelID
}

func (s *State) SetCurrentModelID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentModelID = id
}

// IncQueuedRequests / DecQueuedRequests track queued_request_count, used
// by the ParkingGate wait duration and the depletion guard's dynamic
// limit (spec §4.1, §4.6 step 1).
func (s *State) IncQueuedRequests() {
	s.mu.Lock()
	s.queuedRequests++
	s.mu.Unlock()
}

func (s *State) DecQueuedRequests() {
	s.mu.Lock()
	if s.queuedRequests > 0 {
		s.queuedRequests--
	}
	s.mu.Unlock()
}

func (s *State) QueuedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedRequests
}

// EmergencyMode / SetEmergencyMode track the depletion guard's
// soft-degradation flag (spec §4.6 step 1).
func (s *State) EmergencyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyMode
}

func (s *State) SetEmergencyMode(v bool) {
	s.mu.Lock()
	s.emergencyMode = v
	s.mu.Unlock()
}

// LastRotationAt returns the timestamp of the last successful rotation,
// used by the post-rotation stale-DONE guard (spec §9).
func (s *State) LastRotationAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota.LastRotationAt
}

// CurrentStreamReqID / SetCurrentStreamReqID track the req_id of the
// stream currently in flight against the page, so the post-rotation
// stale-DONE guard can tell a trailing signal from the pre-rotation
// stream apart from this request's own completion (spec §5, §9).
func (s *State) CurrentStreamReqID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quota.CurrentStreamReqID
}

func (s *State) SetCurrentStreamReqID(id string) {
	s.mu.Lock()
	s.quota.CurrentStreamReqID = id
	s.mu.Unlock()
}
