package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
	"github.com/kestrelgw/aistudio-gateway/internal/runtime"
	"github.com/kestrelgw/aistudio-gateway/internal/testutil"
)

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func newItem(req *gateway.Request) *gateway.QueueItem {
	return &gateway.QueueItem{
		ReqID:            "test-req",
		Request:          req,
		HTTPRequestAlive: func() bool { return true },
		ResultSink:       gateway.NewResultSink(),
	}
}

func TestProcessNonStreaming(t *testing.T) {
	page := &testutil.FakePageController{
		GetStreamFn: func(ctx context.Context, cancelCheck func() bool, promptLen int, timeout time.Duration) (<-chan gateway.StreamEvent, error) {
			ch := make(chan gateway.StreamEvent, 2)
			ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "hello"}
			ch <- gateway.StreamEvent{Kind: gateway.EventDone}
			close(ch)
			return ch, nil
		},
	}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	req := &gateway.Request{
		Model:    "gemini-2.5-pro",
		Messages: []gateway.Message{{Role: "user", Content: rawString("hi")}},
	}
	item := newItem(req)

	h, err := p.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	<-h.Done

	outcome, err := item.ResultSink.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Response == nil {
		t.Fatal("expected a non-streaming Response")
	}
	if got := *outcome.Response.Choices[0].Message.Content; got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
	if state.CurrentModelID() != "gemini-2.5-pro" {
		t.Errorf("CurrentModelID() = %q", state.CurrentModelID())
	}
}

func TestProcessStreaming(t *testing.T) {
	page := &testutil.FakePageController{
		GetStreamFn: func(ctx context.Context, cancelCheck func() bool, promptLen int, timeout time.Duration) (<-chan gateway.StreamEvent, error) {
			ch := make(chan gateway.StreamEvent, 2)
			ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "chunk"}
			ch <- gateway.StreamEvent{Kind: gateway.EventDone}
			close(ch)
			return ch, nil
		},
	}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	req := &gateway.Request{
		Model:    "gemini-2.5-flash",
		Stream:   true,
		Messages: []gateway.Message{{Role: "user", Content: rawString("hi")}},
	}
	item := newItem(req)

	h, err := p.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !h.Streaming {
		t.Fatal("expected Streaming handle")
	}

	outcome, err := item.ResultSink.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Stream == nil {
		t.Fatal("expected a stream in outcome")
	}

	var saw []string
	for ev := range outcome.Stream {
		if ev.Kind == gateway.EventBody {
			saw = append(saw, ev.Text)
		}
	}
	<-h.Done
	if len(saw) != 1 || saw[0] != "chunk" {
		t.Errorf("forwarded body events = %v", saw)
	}
}

func TestProcessPageNotReady(t *testing.T) {
	page := &testutil.FakePageController{ReadyFn: func() bool { return false }}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	item := newItem(&gateway.Request{Model: "gemini-2.5-pro", Messages: []gateway.Message{{Role: "user", Content: rawString("hi")}}})
	_, err := p.Process(context.Background(), item)
	if err != gateway.ErrPageNotReady {
		t.Errorf("err = %v, want ErrPageNotReady", err)
	}
}

func TestProcessEmptyPromptRejected(t *testing.T) {
	page := &testutil.FakePageController{}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	item := newItem(&gateway.Request{Model: "gemini-2.5-pro", Messages: []gateway.Message{{Role: "system", Content: rawString("")}}})
	_, err := p.Process(context.Background(), item)
	if err != gateway.ErrBadRequest {
		t.Errorf("err = %v, want ErrBadRequest", err)
	}
}

func TestProcessInvalidAttachmentRejected(t *testing.T) {
	page := &testutil.FakePageController{}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	parts := []gateway.ContentPart{
		{Type: "text", Text: "look at this"},
		{Type: "attachment_ref", Ref: "http://evil.example/x"},
	}
	raw, _ := json.Marshal(parts)
	item := newItem(&gateway.Request{Model: "gemini-2.5-pro", Messages: []gateway.Message{{Role: "user", Content: raw}}})

	_, err := p.Process(context.Background(), item)
	if err == nil {
		t.Fatal("expected an error for an invalid attachment reference")
	}
}

func TestProcessLocalToolShortCircuit(t *testing.T) {
	page := &testutil.FakePageController{
		SubmitFn: func(ctx context.Context, prompt string, attachments []string, cancelCheck func() bool) error {
			t.Fatal("Submit should not be called for a local tool dispatch")
			return nil
		},
	}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)
	p.ToolHandlers["get_weather"] = func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"temp_f": 72, "city": args["city"]}, nil
	}

	req := &gateway.Request{
		Model: "gemini-2.5-pro",
		Tools: []gateway.ToolSpec{{Type: "function", Function: gateway.ToolFunction{Name: "get_weather"}}},
		Messages: []gateway.Message{
			{Role: "user", Content: rawString(`What's the weather? {"city": "Austin"}`)},
		},
	}
	item := newItem(req)

	h, err := p.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	<-h.Done

	outcome, err := item.ResultSink.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Response == nil {
		t.Fatal("expected a Response")
	}
	choice := outcome.Response.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", choice.FinishReason)
	}
	if choice.Message.Content != nil {
		t.Errorf("Content = %v, want nil", *choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("ToolCalls = %+v", choice.Message.ToolCalls)
	}
}

func TestGuardStaleDoneDropsStalePreRotationCompletion(t *testing.T) {
	page := &testutil.FakePageController{
		GetStreamFn: func(ctx context.Context, cancelCheck func() bool, promptLen int, timeout time.Duration) (<-chan gateway.StreamEvent, error) {
			ch := make(chan gateway.StreamEvent, 3)
			ch <- gateway.StreamEvent{Kind: gateway.EventDone, ReqID: "stale-req"}
			ch <- gateway.StreamEvent{Kind: gateway.EventBody, Text: "real"}
			ch <- gateway.StreamEvent{Kind: gateway.EventDone}
			close(ch)
			return ch, nil
		},
	}
	state := runtime.New()
	state.ResetQuota() // stamps LastRotationAt as "just now"
	p := NewProcessor(page, state, nil, time.Second, nil)

	req := &gateway.Request{
		Model:    "gemini-2.5-pro",
		Messages: []gateway.Message{{Role: "user", Content: rawString("hi")}},
	}
	item := newItem(req)

	h, err := p.Process(context.Background(), item)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	<-h.Done

	outcome, err := item.ResultSink.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if outcome.Response == nil {
		t.Fatal("expected a non-streaming Response")
	}
	if got := *outcome.Response.Choices[0].Message.Content; got != "real" {
		t.Errorf("content = %q, want %q (stale done should not truncate the stream)", got, "real")
	}
}

func TestClearChatHistoryReloadsOnFailure(t *testing.T) {
	reloaded := false
	page := &testutil.FakePageController{
		ClearHistoryFn: func(ctx context.Context, cancelCheck func() bool) error {
			return gateway.ErrUpstreamPlaywright
		},
		ReloadFn: func(ctx context.Context) error {
			reloaded = true
			return nil
		},
	}
	state := runtime.New()
	p := NewProcessor(page, state, nil, time.Second, nil)

	if err := p.ClearChatHistory(context.Background()); err != nil {
		t.Fatalf("ClearChatHistory() error = %v", err)
	}
	if !reloaded {
		t.Error("expected ReloadPage to be called after a failed clear")
	}
}

func TestResolveLocalToolDirectFunctionChoice(t *testing.T) {
	req := &gateway.Request{
		Tools:      []gateway.ToolSpec{{Function: gateway.ToolFunction{Name: "lookup"}}},
		ToolChoice: rawString("lookup"),
	}
	name, ok := resolveLocalTool(req)
	if !ok || name != "lookup" {
		t.Errorf("resolveLocalTool() = %q, %v", name, ok)
	}
}

func TestResolveLocalToolNoneDisables(t *testing.T) {
	req := &gateway.Request{
		Tools:      []gateway.ToolSpec{{Function: gateway.ToolFunction{Name: "lookup"}}},
		ToolChoice: rawString("none"),
	}
	if _, ok := resolveLocalTool(req); ok {
		t.Error("resolveLocalTool() should disable on \"none\"")
	}
}

func TestExtractJSONArgsBalancedSpan(t *testing.T) {
	args := extractJSONArgs(`before {"a": {"b": 1}} after`)
	inner, ok := args["a"].(map[string]any)
	if !ok {
		t.Fatalf("args = %+v", args)
	}
	if inner["b"].(float64) != 1 {
		t.Errorf("b = %v", inner["b"])
	}
}

func TestDynamicTimeoutFloorsAtConfigured(t *testing.T) {
	if got := dynamicTimeout(100, 10*time.Second); got != 10*time.Second {
		t.Errorf("dynamicTimeout() = %v, want configured floor", got)
	}
	if got := dynamicTimeout(10000, time.Second); got != 15*time.Second {
		t.Errorf("dynamicTimeout() = %v, want dynamic 15s", got)
	}
}
