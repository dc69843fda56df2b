// Package assembly turns the interceptor's per-request event stream
// into an OpenAI-shaped Response (non-streaming) or a channel of
// gateway.StreamEvent destined for an SSE writer (streaming),
// grounded on spec §4.4 and the chunk-building idiom of
// internal/provider/sseutil/chunk.go.
package assembly

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// SilenceThreshold is the streaming no-bytes timeout (spec §4.4).
const SilenceThreshold = 30 * time.Second

// EstimateTokens is a local token estimator standing in for a tokenizer:
// a whitespace-word-count heuristic, used only for the non-streaming
// usage block when the upstream doesn't report token counts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

// Consolidated is the fully-drained result of one logical response:
// reasoning and body text (reasoning emitted first per spec §4.4),
// deduplicated function calls, and whether any were seen (governs
// finish_reason).
type Consolidated struct {
	Reasoning string
	Body      string
	Functions []gateway.FunctionCall
	Err       error
}

// Drain consumes events from src until EventDone or EventError,
// consolidating reasoning/body text and function calls. It does not
// enforce silence detection; callers needing that wrap src themselves
// (streaming mode only, spec §4.4).
func Drain(ctx context.Context, src <-chan gateway.StreamEvent) Consolidated {
	var c Consolidated
	var reasoning, body strings.Builder
	for {
		select {
		case <-ctx.Done():
			c.Err = ctx.Err()
			return c
		case ev, ok := <-src:
			if !ok {
				c.Reasoning = reasoning.String()
				c.Body = body.String()
				return c
			}
			switch ev.Kind {
			case gateway.EventReasoning:
				reasoning.WriteString(ev.Text)
			case gateway.EventBody:
				body.WriteString(ev.Text)
			case gateway.EventFunction:
				if ev.Function != nil {
					c.Functions = append(c.Functions, *ev.Function)
				}
			case gateway.EventDone:
				c.Reasoning = reasoning.String()
				c.Body = body.String()
				return c
			case gateway.EventError:
				c.Err = ev.Err
				c.Reasoning = reasoning.String()
				c.Body = body.String()
				return c
			}
		}
	}
}

// FinishReason returns "tool_calls" if any function calls were seen,
// else "stop" (spec §4.4).
func (c Consolidated) FinishReason() string {
	if len(c.Functions) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// BuildResponse assembles the non-streaming OpenAI response body from a
// fully-drained Consolidated result.
func BuildResponse(id, model string, c Consolidated, promptTokens int) *gateway.Response {
	msg := gateway.ResultMessage{Role: "assistant"}
	if content := joinReasoningAndBody(c.Reasoning, c.Body); content != "" {
		msg.Content = &content
	}
	for _, fc := range c.Functions {
		msg.ToolCalls = append(msg.ToolCalls, toolCallFrom(fc))
	}

	completionTokens := EstimateTokens(c.Body) + EstimateTokens(c.Reasoning)
	return &gateway.Response{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: c.FinishReason(),
		}},
		Usage: &gateway.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// joinReasoningAndBody combines reasoning and body for the non-streaming
// content field, reasoning first, per spec §4.4 (Scenario S2: reasoning
// "think" + body "ans" -> "think\n\nans").
func joinReasoningAndBody(reasoning, body string) string {
	switch {
	case reasoning == "":
		return body
	case body == "":
		return reasoning
	default:
		return reasoning + "\n\n" + body
	}
}

func toolCallFrom(fc gateway.FunctionCall) gateway.ToolCall {
	args, err := json.Marshal(fc.Params)
	if err != nil {
		args = []byte("{}")
	}
	return gateway.ToolCall{
		ID:   "call_" + uuid.NewString(),
		Type: "function",
		Function: gateway.ToolCallFunction{
			Name:      fc.Name,
			Arguments: string(args),
		},
	}
}
