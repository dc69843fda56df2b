// Package interceptor implements the upstream response interceptor
// (spec §4.3): chunked+gzip/zlib decoding, the length-tagged wire
// decoder for tool-call arguments, and cross-chunk deduplication.
//
// Grounded on original_source/stream/interceptors.py.
package interceptor

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

const maxBufferBytes = 10 * 1024 * 1024 // 10 MiB persistent-buffer cap

// anchorPattern matches one complete wire-format payload envelope:
// [[[null, ...]], "model"]. Non-greedy, leftmost, across the whole
// accumulated buffer.
var anchorPattern = regexp.MustCompile(`(?s)\[\[\[null,.*?]],"model"]`)

// dedupKey identifies one function call for cross-chunk deduplication:
// (name, canonical-json(params)).
type dedupKey struct {
	name   string
	params string
}

// Interceptor reassembles one logical upstream response (HTTP/1.1
// chunked transfer, gzip/zlib compressed, length-tagged JSON body) into
// body text, reasoning text, and deduplicated function calls.
//
// One Interceptor instance is reused across requests via ResetForNewRequest;
// it is not safe for concurrent use by more than one in-flight request.
type Interceptor struct {
	mu sync.Mutex

	logger *slog.Logger
	buf    []byte

	accumulated map[dedupKey]gateway.FunctionCall
	order       []dedupKey // preserves first-seen order for deterministic output

	onQuotaExceeded func(modelID, message string)
	currentModelID  func() string
}

// New returns an Interceptor. onQuotaExceeded is invoked when a jserror
// path reveals a quota-exhaustion signal; currentModelID supplies the
// model id to tag that signal with.
func New(logger *slog.Logger, onQuotaExceeded func(modelID, message string), currentModelID func() string) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		logger:          logger,
		accumulated:     make(map[dedupKey]gateway.FunctionCall),
		onQuotaExceeded: onQuotaExceeded,
		currentModelID:  currentModelID,
	}
}

// ShouldIntercept reports whether a request/response with this path
// should be processed by the interceptor (spec §4.3).
func ShouldIntercept(path string) bool {
	return strings.Contains(path, "GenerateContent") ||
		strings.Contains(path, "generateContent") ||
		strings.Contains(path, "jserror")
}

var quotaKeywords = []string{"exceeded quota", "RESOURCE_EXHAUSTED", "Failed to generate content"}

// ProcessRequest inspects an outbound request path for the jserror
// quota-exhaustion signal described in spec §4.3.
func (ic *Interceptor) ProcessRequest(path string) {
	if !strings.Contains(path, "jserror") {
		return
	}
	decoded, err := url.QueryUnescape(path)
	if err != nil {
		decoded = path
	}
	for _, kw := range quotaKeywords {
		if strings.Contains(decoded, kw) {
			modelID := ""
			if ic.currentModelID != nil {
				modelID = ic.currentModelID()
			}
			if ic.onQuotaExceeded != nil {
				ic.onQuotaExceeded(modelID, decoded)
			}
			return
		}
	}
}

// ResetForNewRequest clears accumulated buffer and dedup state at the
// start of a new GenerateContent request (spec §4.3.2).
func (ic *Interceptor) ResetForNewRequest() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.buf = nil
	clear(ic.accumulated)
	ic.order = ic.order[:0]
}

// ProcessResult is one parse pass's output.
type ProcessResult struct {
	Body      string
	Reason    string
	Functions []gateway.FunctionCall
	Done      bool
}

// ProcessResponse decodes one raw response chunk (possibly
// chunked-transfer-encoded and gzip/zlib-compressed), accumulates it
// into the persistent buffer, and extracts any complete wire-format
// payloads found so far.
func (ic *Interceptor) ProcessResponse(raw []byte) ProcessResult {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	decoded, done := decodeChunked(raw)
	decoded = decompressStream(decoded)

	if !utf8.Valid(decoded) {
		return ProcessResult{Done: done}
	}
	ic.buf = append(ic.buf, decoded...)

	return ic.parseBufferLocked(done)
}

// parseBufferLocked scans the persistent buffer for complete wire-format
// matches, parses each, and advances the buffer past the last match.
// Caller must hold ic.mu.
func (ic *Interceptor) parseBufferLocked(isDone bool) ProcessResult {
	result := ProcessResult{Done: isDone}

	if len(ic.buf) > maxBufferBytes {
		ic.logger.Warn("interceptor buffer exceeded cap, resetting", "bytes", len(ic.buf))
		ic.buf = nil
		return result
	}

	matches := anchorPattern.FindAllIndex(ic.buf, -1)
	if len(matches) == 0 {
		return result
	}

	var bodySB, reasonSB strings.Builder
	for _, m := range matches {
		raw := ic.buf[m[0]:m[1]]
		var envelope []any
		if err := json.Unmarshal(raw, &envelope); err != nil {
			ic.logger.Debug("failed to parse wire chunk", "err", err)
			continue
		}
		ic.applyPayload(envelope, &bodySB, &reasonSB)
	}

	last := matches[len(matches)-1][1]
	if last < len(ic.buf) {
		ic.buf = ic.buf[last:]
	} else {
		ic.buf = nil
	}

	result.Body = bodySB.String()
	result.Reason = reasonSB.String()

	if len(ic.accumulated) > 0 {
		result.Functions = ic.snapshotFunctionsLocked()
		if isDone {
			clear(ic.accumulated)
			ic.order = ic.order[:0]
		}
	}
	return result
}

// applyPayload inspects one decoded [[[null, ...]], "model"] envelope's
// inner payload = envelope[0][0] and routes it to body, reasoning, or
// the function-call accumulator per spec §4.3.
func (ic *Interceptor) applyPayload(envelope []any, bodySB, reasonSB *strings.Builder) {
	if len(envelope) == 0 {
		return
	}
	outer, ok := envelope[0].([]any)
	if !ok || len(outer) == 0 {
		return
	}
	payload, ok := outer[0].([]any)
	if !ok {
		return
	}

	switch {
	case len(payload) == 2:
		if text, ok := payload[1].(string); ok {
			bodySB.WriteString(text)
		}
	case len(payload) == 11 && payload[1] == nil:
		args, ok := payload[10].([]any)
		if !ok || len(args) < 2 {
			return
		}
		funcName, _ := args[0].(string)
		if funcName == "" {
			return
		}
		params := parseToolcallParams(args[1], ic.logger)
		ic.accumulateLocked(funcName, params)
	case len(payload) > 2:
		if payload[1] != nil {
			if text, ok := payload[1].(string); ok {
				reasonSB.WriteString(text)
			}
		}
	}
}

// canonicalJSON renders v with sorted map keys so dedup keys are stable
// regardless of decode order (spec §9: "the sort must be deep/stable").
func canonicalJSON(v any) string {
	b, _ := json.Marshal(canonicalize(v))
	return string(b)
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonicalize(t[k]))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

func (ic *Interceptor) accumulateLocked(name string, params map[string]any) {
	key := dedupKey{name: name, params: canonicalJSON(params)}
	if _, exists := ic.accumulated[key]; exists {
		ic.logger.Debug("skipping duplicate function call", "name", name)
		return
	}
	ic.accumulated[key] = gateway.FunctionCall{Name: name, Params: params}
	ic.order = append(ic.order, key)
}

func (ic *Interceptor) snapshotFunctionsLocked() []gateway.FunctionCall {
	out := make([]gateway.FunctionCall, 0, len(ic.order))
	for _, k := range ic.order {
		out = append(out, ic.accumulated[k])
	}
	return out
}

// decodeChunked reassembles HTTP/1.1 chunked transfer encoding into a
// flat body. Returns what it has with done=false if the terminal
// "0\r\n\r\n" has not yet been observed (spec §4.3, boundary: partial
// tail chunk never raises).
func decodeChunked(body []byte) ([]byte, bool) {
	var out []byte
	for {
		idx := bytes.Index(body, []byte("\r\n"))
		if idx == -1 {
			break
		}
		hexLen := body[:idx]
		length, err := strconv.ParseInt(string(hexLen), 16, 64)
		if err != nil {
			break
		}
		if length == 0 {
			if bytes.Contains(body, []byte("0\r\n\r\n")) {
				return out, true
			}
		}
		if length+2 > int64(len(body)) {
			break
		}
		start := idx + 2
		end := start + int(length)
		if end > len(body) {
			break
		}
		out = append(out, body[start:end]...)
		if idx+2+int(length)+2 > len(body) {
			break
		}
		body = body[end+2:]
	}
	return out, false
}

// decompressStream decompresses a gzip- or zlib-framed stream, matching
// Python's zlib.decompressobj(wbits=MAX_WBITS|32) auto-detection. If the
// stream isn't recognizably compressed, the original bytes are returned
// unchanged (the interceptor degrades to raw-passthrough rather than
// erroring, matching the source's broad except-and-continue posture).
func decompressStream(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		if r, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return out
			}
		}
		return data
	}
	if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
	}
	return data
}
