// Package tokencount provides token estimation for prompt accounting and
// quota bookkeeping. Uses a character-based heuristic (~4 chars per
// token for English), sufficient since the upstream never reports exact
// token counts back to us (spec §4.4, §4.7).
package tokencount

import (
	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total token count for a chat completion
// request's messages, accounting for per-message role/formatting overhead.
func (c *Counter) EstimateRequest(model string, messages []gateway.Message) int {
	total := 0
	overhead := messageOverhead(model)
	for _, m := range messages {
		total += overhead
		total += estimateTokens(m.Role)
		total += estimateTokens(string(m.Content))
		if m.ToolCallID != "" {
			total += estimateTokens(m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(_ string, text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses a ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead returns per-message token overhead; uniform across
// models since AI Studio never reports its own tokenizer's accounting.
func messageOverhead(_ string) int {
	return 4
}
