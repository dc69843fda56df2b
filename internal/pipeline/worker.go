package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/rotation"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
)

// Handle is what a Processor returns once it has kicked off work for a
// QueueItem: Done closes when generation has fully finished (the
// response is complete or failed), letting the worker's disconnect
// monitor know when to stop polling. Streaming requests additionally
// fill item.ResultSink as soon as the stream channel itself is ready,
// well before Done closes.
type Handle struct {
	Done      chan struct{}
	Streaming bool
}

// Processor drives the nine-step per-request flow (spec §4.1.1):
// page health, model switching, parameter cache, prompt assembly,
// submission, and response-handling dispatch. It is responsible for
// filling item.ResultSink.
type Processor interface {
	Process(ctx context.Context, item *gateway.QueueItem) (Handle, error)
	// ClearChatHistory runs the post-stream cleanup step (spec §4.1
	// step 9): clear upstream chat, or reload the page on failure.
	ClearChatHistory(ctx context.Context) error
	// StopGeneration clicks the upstream "stop generation" UI through
	// the PageController, used by the disconnect monitor once a client
	// drop is confirmed (spec §4.1 step 8).
	StopGeneration(ctx context.Context) error
}

const (
	maxDisconnectSweep    = 10
	dequeueIdleTimeout    = 5 * time.Second
	responseExtraTimeout  = 60 * time.Second
	streamPollInterval    = 200 * time.Millisecond
	nonStreamPollInterval = 300 * time.Millisecond
	streamDisconnectTrip  = 3
	minStreamGap          = time.Second
)

// Worker is the single QueueWorker draining Queue, serializing all
// browser interaction behind ProcessingLock (spec §4.1, §4.2).
type Worker struct {
	Queue           *Queue
	ProcessingLock  sync.Mutex
	State           *runtime.State
	Coordinator     *rotation.Coordinator
	Processor       Processor
	Logger          *slog.Logger
	ResponseTimeout time.Duration

	wasLastStreaming bool
	lastCompletionAt time.Time
}

// NewWorker wires a Worker. responseTimeout is RESPONSE_COMPLETION_TIMEOUT.
func NewWorker(q *Queue, state *runtime.State, coordinator *rotation.Coordinator, processor Processor, logger *slog.Logger, responseTimeout time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{Queue: q, State: state, Coordinator: coordinator, Processor: processor, Logger: logger, ResponseTimeout: responseTimeout}
}

// Run drains the queue until ctx is cancelled or shutdown is signalled.
func (w *Worker) Run(ctx context.Context) {
	w.Logger.Info("queue worker started")
	defer w.Logger.Info("queue worker stopped")

	for {
		if w.State.IsShuttingDown.IsSet() {
			return
		}

		w.sweepDisconnected()

		if w.State.IsQuotaExceeded() || w.State.NeedsRotation() {
			w.handlePendingRotation(ctx)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if w.State.IsShuttingDown.IsSet() {
			return
		}

		dctx, cancel := context.WithTimeout(ctx, dequeueIdleTimeout)
		item, ok := w.Queue.Pop(dctx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		w.processOne(ctx, item)
	}
}

func (w *Worker) sweepDisconnected() {
	if w.Queue.Len() == 0 {
		return
	}
	w.Queue.SweepDisconnected(maxDisconnectSweep, func(item *gateway.QueueItem) bool {
		w.Logger.Info("client disconnect detected while queued", "req_id", item.ReqID)
		item.ResultSink.Fill(gateway.Outcome{Err: gateway.ErrClientDisconnected, Status: 499})
		return true
	})
}

func (w *Worker) handlePendingRotation(ctx context.Context) {
	reason := "graceful rotation pending"
	if w.State.IsQuotaExceeded() {
		reason = "quota exceeded"
	}
	w.Logger.Info("pausing worker for auth rotation", "reason", reason)

	w.State.RecoveryEvent.Clear()
	ok, err := w.Coordinator.Perform(ctx, w.State.CurrentModelID())
	w.State.RecoveryEvent.Set()

	if err != nil || !ok {
		w.Logger.Error("auth rotation failed", "err", err)
		time.Sleep(time.Second)
	}
}

func (w *Worker) processOne(ctx context.Context, item *gateway.QueueItem) {
	defer w.Queue.drainDone()

	if item.Cancelled {
		item.ResultSink.Fill(gateway.Outcome{Err: gateway.ErrClientCancelled, Status: 499})
		return
	}
	if w.State.IsQuotaExceeded() {
		w.Logger.Warn("quota exceeded, re-queueing", "req_id", item.ReqID)
		w.Queue.Push(item)
		return
	}
	if item.HTTPRequestAlive != nil && !item.HTTPRequestAlive() {
		item.ResultSink.Fill(gateway.Outcome{Err: gateway.ErrClientDisconnected, Status: 499})
		return
	}

	isStreaming := item.Request != nil && item.Request.Stream
	w.throttleStreamGap(isStreaming)

	w.ProcessingLock.Lock()
	defer w.ProcessingLock.Unlock()

	w.Logger.Info("processing lock acquired", "req_id", item.ReqID)

	if item.HTTPRequestAlive != nil && !item.HTTPRequestAlive() {
		item.ResultSink.Fill(gateway.Outcome{Err: gateway.ErrClientDisconnected, Status: 499})
		return
	}

	handle, err := w.Processor.Process(ctx, item)
	if err != nil {
		item.ResultSink.Fill(gateway.Outcome{Err: err, Status: 500})
		return
	}

	disconnectedEarly := w.monitorUntilDone(ctx, item, handle)

	justRotated := false
	if w.State.NeedsRotation() {
		if ok, _ := w.Coordinator.Perform(ctx, w.State.CurrentModelID()); ok {
			justRotated = true
		}
	}

	if !disconnectedEarly && !w.State.IsQuotaExceeded() && !justRotated && !w.State.IsShuttingDown.IsSet() {
		if err := w.Processor.ClearChatHistory(ctx); err != nil {
			w.Logger.Debug("clear chat history failed", "req_id", item.ReqID, "err", err)
		}
	}

	w.wasLastStreaming = isStreaming
	w.lastCompletionAt = time.Now()
}

// monitorUntilDone polls client liveness alongside handle.Done, aborting
// generation early on disconnect (streaming: 3 consecutive failed
// checks; non-streaming: first failure) or on quota-exceeded-not-
// recovering (spec §4.1 step 8).
func (w *Worker) monitorUntilDone(ctx context.Context, item *gateway.QueueItem, handle Handle) bool {
	if handle.Done == nil {
		return false
	}

	interval := nonStreamPollInterval
	trip := 1
	if handle.Streaming {
		interval = streamPollInterval
		trip = streamDisconnectTrip
	}

	timeout := w.ResponseTimeout + responseExtraTimeout
	deadline := time.After(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	discoCount := 0
	for {
		select {
		case <-handle.Done:
			return false
		case <-deadline:
			return false
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if w.State.IsShuttingDown.IsSet() {
				return true
			}
			if w.State.IsQuotaExceeded() && w.State.RecoveryEvent.IsSet() {
				return true
			}
			if item.HTTPRequestAlive != nil && !item.HTTPRequestAlive() {
				discoCount++
				if discoCount >= trip {
					if handle.Streaming {
						if err := w.Processor.StopGeneration(ctx); err != nil {
							w.Logger.Debug("stop generation after disconnect failed", "req_id", item.ReqID, "err", err)
						}
					}
					return true
				}
			} else {
				discoCount = 0
			}
		}
	}
}

// throttleStreamGap inserts the original's >=1s spacing between two
// consecutive streaming requests to avoid hammering the upstream.
func (w *Worker) throttleStreamGap(isStreaming bool) {
	if !w.wasLastStreaming || !isStreaming {
		return
	}
	gap := time.Since(w.lastCompletionAt)
	if gap < minStreamGap {
		time.Sleep(minStreamGap - gap)
	}
}

// drainDone is a no-op hook kept for symmetry with Queue's task_done
// bookkeeping; the mutex-guarded slice queue needs no explicit ack.
func (q *Queue) drainDone() {}
