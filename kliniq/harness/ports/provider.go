package harnessports

import (
	"context"
	"encoding/json"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // system instructions, already rendered
	Messages []PromptMessage   // ordered chat history (already windowed)
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits for one provider call.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Stop         []string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is a raw model-emitted call before it becomes a ToolInvocation.
type ToolCall struct {
	Name string
	Args json.RawMessage
}

// Completion is the provider's response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall // provider-native calls, when the backend supports them
	Model     string
	Usage     *Usage
}

// Provider is the abstraction over the hosted text-generation endpoint.
//
// Implementations must return errors that the gateway can classify: a
// *StatusError for non-2xx responses, an error wrapping
// ErrUpstreamMalformedResponse for undecodable payloads, and transport errors
// unwrapped so that net and context errors remain detectable.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
