package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/assembly"
	"github.com/kestrelgw/aistudio-gateway/internal/tokencount"
)

var promptCounter = tokencount.NewCounter()

// responseExtraBudget bounds how much longer than ResponseTimeout the
// handler waits on the ResultSink before giving up; the worker applies
// the same margin around its own deadline (see pipeline.Worker).
const responseExtraBudget = 60 * time.Second

// handleChatCompletion admits a request through the ParkingGate and
// Queue, then waits for the QueueWorker to fill the item's ResultSink,
// writing either a non-streaming JSON body or an SSE stream.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	reqID := gateway.ReqIDFromContext(r.Context())

	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeUpstreamError(w, reqID, gateway.ErrBadRequest)
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeUpstreamError(w, reqID, gateway.ErrBadRequest)
		return
	}
	req.ReqID = reqID

	item := &gateway.QueueItem{
		ReqID:            reqID,
		Request:          &req,
		HTTPRequestAlive: func() bool { return r.Context().Err() == nil },
		ResultSink:       gateway.NewResultSink(),
		EnqueuedAt:       time.Now(),
	}

	s.registerInFlight(reqID, item)
	defer s.deregisterInFlight(reqID)

	if err := s.deps.Gate.Wait(r.Context()); err != nil {
		writeUpstreamError(w, reqID, err)
		return
	}

	s.deps.Queue.Push(item)
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueueDepth.Set(float64(s.deps.Queue.Len()))
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.deps.ResponseTimeout+responseExtraBudget)
	defer cancel()

	outcome, err := item.ResultSink.Wait(waitCtx)
	if err != nil {
		writeUpstreamError(w, reqID, err)
		return
	}
	if outcome.Err != nil {
		writeUpstreamError(w, reqID, outcome.Err)
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()

	switch {
	case outcome.Stream != nil && req.Stream:
		assembly.Generator(r.Context(), w, completionID, req.Model, outcome.Stream, s.restartViaQueue(reqID, &req))
	case outcome.Stream != nil:
		c := assembly.Drain(r.Context(), outcome.Stream)
		if c.Err != nil {
			writeUpstreamError(w, reqID, c.Err)
			return
		}
		promptTokens := promptCounter.EstimateRequest(req.Model, req.Messages)
		writeJSON(w, http.StatusOK, assembly.BuildResponse(completionID, req.Model, c, promptTokens))
	case outcome.Response != nil:
		writeJSON(w, http.StatusOK, outcome.Response)
	default:
		writeUpstreamError(w, reqID, gateway.ErrInternal)
	}
}

// restartViaQueue backs assembly.Generator's resilient restart-once (spec
// §4.4) by re-enqueueing req as a fresh QueueItem and waiting for the
// worker to drive it through the processor again, the same path the
// original request took. A restart therefore gets a genuinely new
// upstream submission rather than a replay of the first attempt.
func (s *server) restartViaQueue(reqID string, req *gateway.Request) assembly.Restarter {
	return func(ctx context.Context) (<-chan gateway.StreamEvent, error) {
		item := &gateway.QueueItem{
			ReqID:            reqID,
			Request:          req,
			HTTPRequestAlive: func() bool { return ctx.Err() == nil },
			ResultSink:       gateway.NewResultSink(),
			EnqueuedAt:       time.Now(),
		}
		s.deps.Queue.Push(item)

		outcome, err := item.ResultSink.Wait(ctx)
		switch {
		case err != nil:
			return nil, err
		case outcome.Err != nil:
			return nil, outcome.Err
		case outcome.Stream == nil:
			return nil, gateway.ErrInternal
		default:
			return outcome.Stream, nil
		}
	}
}

// handleCancel marks the in-flight request identified by {req_id} as
// cancelled and, best-effort, resolves its ResultSink immediately so a
// client polling for cancellation doesn't wait on the full timeout.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqID := chi.URLParam(r, "req_id")
	item, ok := s.lookupInFlight(reqID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("no in-flight request with that id"))
		return
	}
	item.Cancelled = true
	item.ResultSink.Fill(gateway.Outcome{Err: gateway.ErrClientCancelled, Status: 499})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleQueueStatus reports the current queue depth and recovery state
// for operator/debugging visibility (spec §6's GET /v1/queue).
func (s *server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatus{
		Depth:         s.deps.Queue.Len(),
		QuotaExceeded: s.deps.State.IsQuotaExceeded(),
		Rotating:      !s.deps.State.RotationLock.IsSet(),
	})
}

type queueStatus struct {
	Depth         int  `json:"depth"`
	QuotaExceeded bool `json:"quota_exceeded"`
	Rotating      bool `json:"rotating"`
}
