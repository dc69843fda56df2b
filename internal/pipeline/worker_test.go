package pipeline

import (
	"context"
	"testing"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
)

// stubProcessor is a minimal Processor for exercising Worker in isolation
// from RequestProcessor's browser plumbing.
type stubProcessor struct {
	handle Handle
	err    error
	stopFn func(ctx context.Context) error
}

func (s *stubProcessor) Process(ctx context.Context, item *gateway.QueueItem) (Handle, error) {
	return s.handle, s.err
}

func (s *stubProcessor) ClearChatHistory(ctx context.Context) error { return nil }

func (s *stubProcessor) StopGeneration(ctx context.Context) error {
	if s.stopFn != nil {
		return s.stopFn(ctx)
	}
	return nil
}

func TestMonitorUntilDoneStopsGenerationOnConfirmedStreamingDisconnect(t *testing.T) {
	stopped := make(chan struct{})
	proc := &stubProcessor{stopFn: func(ctx context.Context) error {
		close(stopped)
		return nil
	}}
	w := NewWorker(NewQueue(), runtime.New(), nil, proc, nil, time.Second)

	item := &gateway.QueueItem{ReqID: "r1", HTTPRequestAlive: func() bool { return false }}
	handle := Handle{Done: make(chan struct{}), Streaming: true}

	disconnected := w.monitorUntilDone(context.Background(), item, handle)
	if !disconnected {
		t.Fatal("monitorUntilDone() = false, want true on confirmed disconnect")
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected StopGeneration to be called after the disconnect trip")
	}
}

func TestMonitorUntilDoneSkipsStopGenerationForNonStreaming(t *testing.T) {
	proc := &stubProcessor{stopFn: func(ctx context.Context) error {
		t.Fatal("StopGeneration should not be called for a non-streaming disconnect")
		return nil
	}}
	w := NewWorker(NewQueue(), runtime.New(), nil, proc, nil, time.Second)

	item := &gateway.QueueItem{ReqID: "r2", HTTPRequestAlive: func() bool { return false }}
	handle := Handle{Done: make(chan struct{}), Streaming: false}

	disconnected := w.monitorUntilDone(context.Background(), item, handle)
	if !disconnected {
		t.Fatal("monitorUntilDone() = false, want true on confirmed disconnect")
	}
}
