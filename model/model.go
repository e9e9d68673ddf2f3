package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hupe1980/agentloop/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized completion input. Messages already include
// the system instruction (if any) and resolved attachment bytes.
type Request struct {
	Messages []core.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Model    string           `json:"model,omitempty"`
	Params   Params           `json:"params,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// Response is a complete (batch) completion.
type Response struct {
	ID           string             `json:"id"`
	Content      string             `json:"content"`
	ToolCalls    []core.RawToolCall `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        core.TokenUsage    `json:"usage"`
	Model        string             `json:"model,omitempty"`
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments sharing an
// Index belong to the same call; Arguments are concatenated in arrival order.
// Complete marks the last fragment of that index when the provider signals it.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Complete  bool   `json:"complete,omitempty"`
}

// Chunk is one element of a streamed completion. A chunk carries a content
// fragment, a tool-call fragment, or closing metadata (FinishReason/Usage).
type Chunk struct {
	Content      string           `json:"content,omitempty"`
	ToolCall     *ToolCallDelta   `json:"tool_call,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        *core.TokenUsage `json:"usage,omitempty"`
	Model        string           `json:"model,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name              string `json:"name"`
	Provider          string `json:"provider"` // "openai", "anthropic", "ollama", "scripted", ...
	SupportsTools     bool   `json:"supports_tools"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// Model is the completion service abstraction driven by the completion handler.
//
// Stream returns a chunk channel and an error channel. The chunk channel is
// closed when the stream ends; a failure is delivered on the error channel
// (buffered, at most one value) before both channels close. Implementations
// must stop producing when ctx is done.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ProviderError wraps a transport or API failure with its HTTP status, when known.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed. Client errors
// other than 408 and 429 are permanent.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

// IsRetryable classifies an arbitrary completion error. Context errors are
// never retryable; ProviderErrors decide for themselves; anything else is
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}
