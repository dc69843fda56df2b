package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// fakeWorker pops exactly one item from deps.Queue and fills its
// ResultSink, standing in for pipeline.Worker in HTTP-layer tests.
func fakeWorker(t *testing.T, deps Deps, fill func(*gateway.QueueItem)) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		item, ok := deps.Queue.Pop(ctx)
		if !ok {
			return
		}
		fill(item)
	}()
}

func TestHandleChatCompletionNonStreaming(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	fakeWorker(t, deps, func(item *gateway.QueueItem) {
		ch := make(chan gateway.StreamEvent, 2)
		ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "hello there"}
		ch <- gateway.StreamEvent{Kind: gateway.EventDone}
		close(ch)
		item.ResultSink.Fill(gateway.Outcome{Stream: ch})
	})

	h := New(deps)
	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content == nil || *resp.Choices[0].Message.Content != "hello there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleChatCompletionStreaming(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	fakeWorker(t, deps, func(item *gateway.QueueItem) {
		ch := make(chan gateway.StreamEvent, 2)
		ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "partial"}
		ch <- gateway.StreamEvent{Kind: gateway.EventDone}
		close(ch)
		item.ResultSink.Fill(gateway.Outcome{Stream: ch})
	})

	h := New(deps)
	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "partial") {
		t.Errorf("expected streamed body to contain %q, got %q", "partial", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("expected terminal [DONE] marker, got %q", rec.Body.String())
	}
}

func TestHandleChatCompletionStreamingRestartsOnFirstChunkFailure(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)

	// First attempt: a classifiable upstream failure before any byte is
	// emitted. The resilient-stream adapter should restart once, which
	// re-enqueues onto deps.Queue for a second fakeWorker pop.
	fakeWorker(t, deps, func(item *gateway.QueueItem) {
		ch := make(chan gateway.StreamEvent, 1)
		ch <- gateway.StreamEvent{Kind: gateway.EventError, Err: gateway.WithStatus(gateway.ErrUpstreamPlaywright, 503, 0)}
		close(ch)
		item.ResultSink.Fill(gateway.Outcome{Stream: ch})
	})
	fakeWorker(t, deps, func(item *gateway.QueueItem) {
		ch := make(chan gateway.StreamEvent, 2)
		ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "recovered"}
		ch <- gateway.StreamEvent{Kind: gateway.EventDone}
		close(ch)
		item.ResultSink.Fill(gateway.Outcome{Stream: ch})
	})

	h := New(deps)
	body := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recovered") {
		t.Errorf("expected the restarted stream's body, got %q", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "event: error") {
		t.Errorf("the classifiable first-chunk failure should have been absorbed by the restart, got %q", rec.Body.String())
	}
}

func TestHandleChatCompletionRejectsBadRequest(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestHandleCancelUnknownRequest(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/cancel/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", rec.Code)
	}
}

func TestHandleQueueStatus(t *testing.T) {
	t.Parallel()

	deps := newTestDeps(t)
	h := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
