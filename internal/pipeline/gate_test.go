package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
)

func TestParkingGateImmediateWhenUnlockedAndNotExceeded(t *testing.T) {
	state := runtime.New()
	gate := NewParkingGate(state)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := gate.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v; want nil", err)
	}
	if state.QueuedRequests() != 0 {
		t.Fatalf("queued count should return to 0, got %d", state.QueuedRequests())
	}
}

func TestParkingGateWaitsForLockThenProceeds(t *testing.T) {
	state := runtime.New()
	state.RotationLock.Clear()
	gate := NewParkingGate(state)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- gate.Wait(ctx) }()

	time.Sleep(30 * time.Millisecond)
	state.RotationLock.Set()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after lock was set")
	}
}
