package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/assembly"
	"github.com/kestrelgw/aistudio-gateway/internal/quota"
	"github.com/kestrelgw/aistudio-gateway/internal/rotation"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/tokencount"
)

// responseFloor is the lower bound on the dynamic response timeout
// (spec §4.1 step 7).
const responseFloor = 5 * time.Second

// ToolHandler executes one locally-dispatched tool call (spec §4.1.1).
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// RequestProcessor drives the nine-step per-request flow against a
// gateway.PageController, implementing pipeline.Processor.
type RequestProcessor struct {
	Page            gateway.PageController
	State           *runtime.State
	Logger          *slog.Logger
	ResponseTimeout time.Duration // configured floor, RESPONSE_COMPLETION_TIMEOUT
	Recorder        *quota.Recorder
	ToolHandlers    map[string]ToolHandler
	MCPEndpoint     string
	MCPTimeout      time.Duration
	MCPClient       *http.Client

	counter *tokencount.Counter

	paramsMu    sync.Mutex
	modelParams map[string]map[string]any
}

// NewProcessor returns a RequestProcessor. recorder may be nil to skip
// quota accounting (useful in tests driving the processor directly).
func NewProcessor(page gateway.PageController, state *runtime.State, logger *slog.Logger, responseTimeout time.Duration, recorder *quota.Recorder) *RequestProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestProcessor{
		Page:            page,
		State:           state,
		Logger:          logger,
		ResponseTimeout: responseTimeout,
		Recorder:        recorder,
		ToolHandlers:    map[string]ToolHandler{},
		counter:         tokencount.NewCounter(),
		modelParams:     map[string]map[string]any{},
	}
}

// Process implements Processor.
func (p *RequestProcessor) Process(ctx context.Context, item *gateway.QueueItem) (Handle, error) {
	req := item.Request
	cancelCheck := func() bool {
		return item.Cancelled || (item.HTTPRequestAlive != nil && !item.HTTPRequestAlive())
	}

	if !p.Page.IsReady() {
		return Handle{}, gateway.ErrPageNotReady
	}

	modelID := rotation.NormalizeModelID(req.Model)
	if p.State.CurrentModelID() != modelID {
		if err := p.Page.SwitchModel(ctx, modelID); err != nil {
			return Handle{}, fmt.Errorf("%w: %w", gateway.ErrModelSwitchFailed, err)
		}
		p.State.SetCurrentModelID(modelID)
	}

	if err := p.applyParams(ctx, modelID, requestParams(req), cancelCheck); err != nil {
		return Handle{}, err
	}

	prompt, attachments, err := assemblePrompt(req.Messages)
	if err != nil {
		return Handle{}, gateway.WithStatus(err, 400, 0)
	}

	if toolName, ok := resolveLocalTool(req); ok {
		return p.runLocalTool(ctx, item, toolName, cancelCheck)
	}
	if strings.TrimSpace(prompt) == "" {
		return Handle{}, gateway.ErrBadRequest
	}

	if err := validateAttachments(attachments); err != nil {
		return Handle{}, err
	}

	if err := p.Page.Submit(ctx, prompt, attachments, cancelCheck); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", gateway.ErrUpstreamPlaywright, err)
	}

	p.State.SetCurrentStreamReqID(item.ReqID)
	timeout := dynamicTimeout(len(prompt), p.ResponseTimeout)
	stream, err := p.Page.GetResponseStream(ctx, cancelCheck, len(prompt), timeout)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", gateway.ErrUpstreamPlaywright, err)
	}
	stream = p.guardStaleDone(item.ReqID, stream)

	done := make(chan struct{})
	if req.Stream {
		tee := make(chan gateway.StreamEvent, 4)
		item.ResultSink.Fill(gateway.Outcome{Stream: tee})
		go p.forwardStreaming(ctx, item, stream, tee, done, modelID)
		return Handle{Done: done, Streaming: true}, nil
	}

	go p.forwardNonStreaming(ctx, item, stream, done, modelID)
	return Handle{Done: done, Streaming: false}, nil
}

// ClearChatHistory implements Processor's post-stream cleanup step (spec
// §4.1 step 9): clear upstream chat, or reload the page on failure.
func (p *RequestProcessor) ClearChatHistory(ctx context.Context) error {
	if err := p.Page.ClearChatHistory(ctx, func() bool { return false }); err != nil {
		p.Logger.Warn("clear chat history failed, reloading page", "err", err)
		return p.Page.ReloadPage(ctx)
	}
	return nil
}

// StopGeneration implements Processor's disconnect-abort step (spec §4.1
// step 8): click the upstream "stop generation" control.
func (p *RequestProcessor) StopGeneration(ctx context.Context) error {
	return p.Page.StopGeneration(ctx)
}

// staleDoneWindow bounds how long after a rotation a done=true, empty-body
// event carrying a stale req_id is assumed to be the pre-rotation stream's
// trailing signal rather than this request's own (spec §5, §9).
const staleDoneWindow = 45 * time.Second

// guardStaleDone filters src, dropping a done=true event with no
// accompanying text whose ReqID doesn't match reqID, as long as it
// arrives within staleDoneWindow of the last rotation. Events an
// unrelated PageController never tags with a ReqID pass through
// unfiltered.
func (p *RequestProcessor) guardStaleDone(reqID string, src <-chan gateway.StreamEvent) <-chan gateway.StreamEvent {
	out := make(chan gateway.StreamEvent, cap(src))
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Kind == gateway.EventDone && ev.Text == "" && ev.ReqID != "" && ev.ReqID != reqID &&
				time.Since(p.State.LastRotationAt()) < staleDoneWindow {
				p.Logger.Debug("dropping stale post-rotation done event", "req_id", reqID, "stale_event_req_id", ev.ReqID)
				continue
			}
			out <- ev
		}
	}()
	return out
}

func (p *RequestProcessor) forwardStreaming(ctx context.Context, item *gateway.QueueItem, src <-chan gateway.StreamEvent, dst chan<- gateway.StreamEvent, done chan<- struct{}, modelID string) {
	defer close(done)
	defer close(dst)

	var body, reasoning strings.Builder
	for ev := range src {
		switch ev.Kind {
		case gateway.EventBody:
			body.WriteString(ev.Text)
		case gateway.EventReasoning:
			reasoning.WriteString(ev.Text)
		}
		select {
		case dst <- ev:
		case <-ctx.Done():
			return
		}
	}
	p.accountTokens(ctx, modelID, body.String()+reasoning.String())
}

func (p *RequestProcessor) forwardNonStreaming(ctx context.Context, item *gateway.QueueItem, src <-chan gateway.StreamEvent, done chan<- struct{}, modelID string) {
	defer close(done)

	c := assembly.Drain(ctx, src)
	if c.Err != nil {
		item.ResultSink.Fill(gateway.Outcome{Err: c.Err, Status: 502})
		return
	}
	promptTokens := p.counter.EstimateRequest(item.Request.Model, item.Request.Messages)
	resp := assembly.BuildResponse("chatcmpl-"+uuid.NewString(), item.Request.Model, c, promptTokens)
	item.ResultSink.Fill(gateway.Outcome{Response: resp})
	p.accountTokens(ctx, modelID, c.Body+c.Reasoning)
}

func (p *RequestProcessor) accountTokens(ctx context.Context, modelID, text string) {
	if p.Recorder == nil {
		return
	}
	tokens := int64(p.counter.CountText(modelID, text))
	if hardHit := p.Recorder.Account(ctx, p.State.CurrentProfile(), modelID, tokens); hardHit {
		p.Logger.Warn("hard token limit crossed mid-stream", "model", modelID)
	}
}

// applyParams compares the request's resolved UI parameters against the
// per-model cache and applies them through the PageController only on a
// difference (spec §4.1 step 3).
func (p *RequestProcessor) applyParams(ctx context.Context, modelID string, params map[string]any, cancelCheck func() bool) error {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()

	if paramsEqual(p.modelParams[modelID], params) {
		return nil
	}
	if err := p.Page.AdjustParameters(ctx, params, modelID, cancelCheck); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrInternal, err)
	}
	p.modelParams[modelID] = params
	return nil
}

func requestParams(req *gateway.Request) map[string]any {
	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		params["max_output_tokens"] = *req.MaxTokens
	}
	if req.ThinkingLevel != "" {
		params["thinking_level"] = req.ThinkingLevel
	}
	if req.Seed != nil {
		params["seed"] = *req.Seed
	}
	return params
}

// paramsEqual relies on encoding/json sorting map keys so two semantically
// equal parameter sets serialize identically regardless of build order.
func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

func dynamicTimeout(promptLen int, configured time.Duration) time.Duration {
	dynamic := responseFloor + time.Duration(promptLen/1000)*time.Second
	if configured > dynamic {
		return configured
	}
	return dynamic
}

// contentText decodes one message's Content (a string or a ContentPart
// list) into flattened text plus any attachment references it carries.
func contentText(raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}
	var parts []gateway.ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("unrecognized message content shape: %w", err)
	}
	var body strings.Builder
	var refs []string
	for _, part := range parts {
		switch part.Type {
		case "text":
			body.WriteString(part.Text)
		case "image_url":
			refs = append(refs, part.ImageURL)
		case "attachment_ref":
			refs = append(refs, part.Ref)
		}
	}
	return body.String(), refs, nil
}

// assemblePrompt flattens messages into a single prompt string, system
// turns first, then role-labelled turns in order (spec §4.1 step 4).
func assemblePrompt(messages []gateway.Message) (string, []string, error) {
	var system, body strings.Builder
	var attachments []string

	for _, m := range messages {
		text, refs, err := contentText(m.Content)
		if err != nil {
			return "", nil, err
		}
		attachments = append(attachments, refs...)

		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(text)
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(roleLabel(m.Role))
		body.WriteString(": ")
		body.WriteString(text)
	}

	var out strings.Builder
	if system.Len() > 0 {
		out.WriteString(system.String())
		out.WriteString("\n\n")
	}
	out.WriteString(body.String())
	return out.String(), attachments, nil
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	case "tool":
		return "Tool"
	default:
		return role
	}
}

// validateAttachments rejects anything but a data: URI, a file: URI, or
// an absolute path (spec §4.1 step 5).
func validateAttachments(attachments []string) error {
	for _, a := range attachments {
		if strings.HasPrefix(a, "data:") || strings.HasPrefix(a, "file:") || strings.HasPrefix(a, "/") {
			continue
		}
		return gateway.WithStatus(fmt.Errorf("invalid attachment reference: %q", a), 400, 0)
	}
	return nil
}

// resolveLocalTool reports the function name to dispatch locally, per
// the resolved tool_choice shapes spec §4.1 step 4 recognizes: a direct
// function name, a {"type":"function","function":{"name":...}} object,
// or "auto"/"required" when exactly one tool is declared.
func resolveLocalTool(req *gateway.Request) (string, bool) {
	if len(req.Tools) == 0 || len(req.ToolChoice) == 0 {
		return "", false
	}

	var asString string
	if json.Unmarshal(req.ToolChoice, &asString) == nil {
		switch asString {
		case "auto", "required":
			if len(req.Tools) == 1 {
				return req.Tools[0].Function.Name, true
			}
			return "", false
		case "none", "":
			return "", false
		default:
			for _, t := range req.Tools {
				if t.Function.Name == asString {
					return asString, true
				}
			}
			return "", false
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(req.ToolChoice, &obj) == nil && obj.Type == "function" && obj.Function.Name != "" {
		return obj.Function.Name, true
	}
	return "", false
}

// extractJSONArgs scans text for the first balanced {...} span that
// parses as JSON (spec §4.1.1).
func extractJSONArgs(text string) map[string]any {
	depth, start := 0, -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var args map[string]any
				if json.Unmarshal([]byte(text[start:i+1]), &args) == nil {
					return args
				}
				start = -1
			}
		}
	}
	return map[string]any{}
}

func newestUserText(messages []gateway.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		text, _, err := contentText(messages[i].Content)
		if err == nil {
			return text
		}
	}
	return ""
}

// runLocalTool executes a tool-choice short-circuit without involving
// the browser (spec §4.1.1): it resolves arguments, dispatches to an
// in-process handler or the configured MCP endpoint, and fills the
// ResultSink directly with a tool_calls response.
func (p *RequestProcessor) runLocalTool(ctx context.Context, item *gateway.QueueItem, name string, cancelCheck func() bool) (Handle, error) {
	if cancelCheck() {
		return Handle{}, gateway.ErrClientCancelled
	}

	args := extractJSONArgs(newestUserText(item.Request.Messages))
	result, err := p.dispatchTool(ctx, name, args)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: tool %q: %w", gateway.ErrInternal, name, err)
	}
	argsJSON, err := json.Marshal(result)
	if err != nil {
		argsJSON = []byte("{}")
	}

	resp := &gateway.Response{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   item.Request.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			FinishReason: "tool_calls",
			Message: gateway.ResultMessage{
				Role: "assistant",
				ToolCalls: []gateway.ToolCall{{
					ID:   "call_" + uuid.NewString(),
					Type: "function",
					Function: gateway.ToolCallFunction{
						Name:      name,
						Arguments: string(argsJSON),
					},
				}},
			},
		}},
	}

	item.ResultSink.Fill(gateway.Outcome{Response: resp})
	done := make(chan struct{})
	close(done)
	return Handle{Done: done}, nil
}

func (p *RequestProcessor) dispatchTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if h, ok := p.ToolHandlers[name]; ok {
		return h(ctx, args)
	}
	if p.MCPEndpoint == "" {
		return nil, fmt.Errorf("no handler registered for tool %q", name)
	}
	return p.callMCP(ctx, name, args)
}

// callMCP dispatches a tool call to an HTTP MCP endpoint per spec §4.1.1:
// POST {endpoint}/tools/execute {name, arguments}.
func (p *RequestProcessor) callMCP(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	timeout := p.MCPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(p.MCPEndpoint, "/") + "/tools/execute"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := p.MCPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mcp endpoint %s returned status %d", url, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Processor = (*RequestProcessor)(nil)
