package assembly

import (
	"context"
	"net/http"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/provider/sseutil"
)

// Pre-allocated byte slices, adapted from internal/server/sse.go.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// flusher is satisfied by http.ResponseWriter in practice; kept as an
// interface so tests can supply a bare io.Writer-backed fake.
type flusher interface {
	Flush()
}

// WriteHeaders sets the SSE response headers.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
	flush(w)
}

func writeError(w http.ResponseWriter, msg string) {
	w.Write([]byte("event: error\ndata: "))
	w.Write([]byte(`{"error":{"message":"`))
	w.Write([]byte(msg))
	w.Write([]byte(`","type":"stream_error"}}`))
	w.Write(sseNewline)
	flush(w)
}

func writeDone(w http.ResponseWriter) {
	w.Write(sseDone)
	flush(w)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

// classifiable reports whether err looks like a rate-limit, quota, or
// generic 5xx upstream failure the resilient-stream adapter should
// retry rather than surface directly (spec §4.4).
func classifiable(err error) bool {
	status, _ := gateway.Classify(err)
	return status == 429 || status == 502 || status == 503 || status == 504
}

// Restarter starts (or restarts) the interceptor-backed event stream
// for one logical request.
type Restarter func(ctx context.Context) (<-chan gateway.StreamEvent, error)

// Generator streams one completed or failed response as an SSE body,
// wrapped by the resilient-stream adapter: a classifiable failure
// observed before any byte has been emitted triggers exactly one
// restart via restart (spec §4.4). Reasoning text is emitted before
// body text as each arrives; after the first emitted byte, failures
// become an SSE error event and the stream terminates.
func Generator(ctx context.Context, w http.ResponseWriter, id, model string, first <-chan gateway.StreamEvent, restart Restarter) {
	WriteHeaders(w)

	src := first
	restarted := false
	firstByteSent := false
	sawFunction := false

	silence := time.NewTimer(SilenceThreshold)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-silence.C:
			writeError(w, "upstream silent")
			writeDone(w)
			return
		case ev, ok := <-src:
			if !ok {
				writeDone(w)
				return
			}
			resetSilence(silence)

			switch ev.Kind {
			case gateway.EventReasoning, gateway.EventBody:
				firstByteSent = true
				writeData(w, sseutil.BuildDeltaChunk(id, model, map[string]any{"content": ev.Text}, ""))
			case gateway.EventFunction:
				sawFunction = true
			case gateway.EventError:
				if !firstByteSent && !restarted && classifiable(ev.Err) {
					if next, err := restart(ctx); err == nil {
						src = next
						restarted = true
						continue
					}
				}
				writeError(w, ev.Err.Error())
				writeDone(w)
				return
			case gateway.EventDone:
				finish := "stop"
				if sawFunction {
					finish = "tool_calls"
				}
				writeData(w, sseutil.BuildFinishChunk(id, model, finish))
				writeDone(w)
				return
			}
		}
	}
}

func resetSilence(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(SilenceThreshold)
}
