package pipeline

import (
	"context"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
)

// GateTimeout is ParkingGate's total wall-time bound (spec §4.1).
const GateTimeout = 60 * time.Second

// GateLockSubTimeout bounds any single wait on rotation_lock (spec §4.1).
const GateLockSubTimeout = 30 * time.Second

// ParkingGate is the pre-queue barrier a request must pass before
// joining the Queue: it waits while a rotation is in progress or quota
// is flagged exceeded (spec §4.1).
type ParkingGate struct {
	state *runtime.State
}

// NewParkingGate returns a ParkingGate bound to state.
func NewParkingGate(state *runtime.State) *ParkingGate {
	return &ParkingGate{state: state}
}

// Wait blocks until rotation_lock is set and quota is not exceeded, or
// returns a "state resolution timeout" error carrying status 530 after
// GateTimeout. It
// increments queued_request_count for the duration of the wait.
func (g *ParkingGate) Wait(ctx context.Context) error {
	if g.state.RotationLock.IsSet() && !g.state.IsQuotaExceeded() {
		return nil
	}

	g.state.IncQueuedRequests()
	defer g.state.DecQueuedRequests()

	deadline := time.Now().Add(GateTimeout)
	for {
		if time.Now().After(deadline) {
			return gatewayStateResolutionTimeout()
		}
		remaining := time.Until(deadline)
		subTimeout := GateLockSubTimeout
		if remaining < subTimeout {
			subTimeout = remaining
		}

		wctx, cancel := context.WithTimeout(ctx, subTimeout)
		err := g.state.RotationLock.Wait(wctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue // sub-timeout expired, re-check outer deadline
		}

		if !g.state.IsQuotaExceeded() {
			return nil
		}
		// Lock is set but quota still flagged: brief re-check loop rather
		// than busy-spin.
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func gatewayStateResolutionTimeout() error {
	return gateway.WithStatus(errStateResolutionTimeout{}, 530, 0)
}

type errStateResolutionTimeout struct{}

func (errStateResolutionTimeout) Error() string { return "state resolution timeout" }
