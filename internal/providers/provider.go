package providers

import "context"

// ChatRequest is the input for one Generate call.
type ChatRequest struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
	Model    string
}

// ChatResponse is the resolved result of one Generate call.
type ChatResponse struct {
	Message      Message
	Usage        *Usage
	FinishReason string
}

// Provider is the LLM backend contract. Generate streams deltas through
// onDelta (nil = no streaming interest) and resolves with the complete
// assistant message. Failures surface as *Error.
type Provider interface {
	Generate(ctx context.Context, req ChatRequest, onDelta func(StreamChunk)) (*ChatResponse, error)
	Name() string
	DefaultModel() string
}
