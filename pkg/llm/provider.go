// Package llm abstracts chat-completion providers behind one contract. Each
// provider converts the universal message shape to its wire format, streams
// deltas back as canonical chunks, and reports token usage. Tool calls
// arrive either as complete entries or as keyed argument fragments; the
// Accumulator assembles both into canonical tool calls.
package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stratumhq/stratum/pkg/models"
)

var (
	// ErrNoAPIKey indicates the provider's API key environment variable is
	// unset or empty.
	ErrNoAPIKey = errors.New("llm provider api key not configured")

	// ErrProviderInactive indicates the provider resolved but is disabled in
	// configuration.
	ErrProviderInactive = errors.New("llm provider is inactive")
)

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a blocking completion call.
type Completion struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
	Usage        Usage
}

// ToolCallDelta is one streamed tool-call fragment. Providers that stream
// complete entries set every field at once; providers that stream fragments
// set ID and Name on the first fragment and append Arguments pieces after.
// Index is a hint for providers that key fragments positionally.
type ToolCallDelta struct {
	Index     *int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed event. Exactly one of Content, ToolCall, or Err is
// meaningful; Done marks the end of the stream.
type Chunk struct {
	Content      string
	ToolCall     *ToolCallDelta
	FinishReason string
	Usage        *Usage
	Err          error
	Done         bool
}

// Provider is the uniform contract over chat-completion backends.
type Provider interface {
	// Name returns the registry name this provider was created under.
	Name() string

	// Complete runs a blocking completion.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// Stream runs a streaming completion. The returned channel is closed
	// after a Done or error chunk.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// FormattedToolCall is the canonical wire shape for a tool call.
type FormattedToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// FormatToolCalls converts canonical tool calls to the persisted wire shape.
func FormatToolCalls(calls []models.ToolCall) []FormattedToolCall {
	out := make([]FormattedToolCall, len(calls))
	for i, c := range calls {
		out[i].ID = c.ID
		out[i].Type = "function"
		out[i].Function.Name = c.Name
		out[i].Function.Arguments = c.Arguments
	}
	return out
}
