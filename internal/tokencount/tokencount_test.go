package tokencount

import (
	"testing"

	gateway "github.com/kestrelgw/aistudio-gateway/internal"
)

func TestCounter_EstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	tests := []struct {
		name     string
		model    string
		messages []gateway.Message
		wantMin  int
		wantMax  int
	}{
		{
			name:  "single short message",
			model: "gemini-2.5-pro",
			messages: []gateway.Message{
				{Role: "user", Content: []byte(`"hello"`)},
			},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name:  "multiple messages",
			model: "gemini-2.5-pro",
			messages: []gateway.Message{
				{Role: "system", Content: []byte(`"You are helpful."`)},
				{Role: "user", Content: []byte(`"Explain quantum computing."`)},
			},
			wantMin: 15,
			wantMax: 40,
		},
		{
			name:     "empty messages",
			model:    "gemini-2.5-pro",
			messages: nil,
			wantMin:  1,
			wantMax:  10,
		},
		{
			name:  "message with tool_call_id",
			model: "gemini-2.5-flash",
			messages: []gateway.Message{
				{Role: "tool", Content: []byte(`"72F"`), ToolCallID: "call_1"},
			},
			wantMin: 5,
			wantMax: 25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.EstimateRequest(tt.model, tt.messages)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateRequest() = %d, want [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCounter_CountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	got := c.CountText("gemini-2.5-pro", "Hello, world!")
	if got < 1 {
		t.Errorf("CountText() = %d, want >= 1", got)
	}
}

func TestCounter_CountTextEmpty(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	got := c.CountText("gemini-2.5-pro", "")
	if got != 1 {
		t.Errorf("CountText('') = %d, want 1 (min)", got)
	}
}
