// Package llm defines the provider interface the execution loop and
// swarm workers call against. Concrete providers (Anthropic, OpenAI,
// local models) live outside this module and are wired in by the
// caller; this package only fixes the shape of the conversation.
package llm

import (
	"context"

	"github.com/scaffoldai/agentcore/pkg/thread"
)

// ToolSpec is one tool a Chat call makes available to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Options configures a single Chat call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
	// SystemBlocks carries structured system content (with optional
	// cache-control markers) instead of a flat system string, so
	// providers that support prompt caching can pass it straight
	// through.
	SystemBlocks []thread.ContentBlock
}

// Usage reports token accounting for a completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// Response is one non-streaming completion.
type Response struct {
	Message thread.Message
	Usage   Usage
	Stopped string // "end_turn", "tool_use", "max_tokens", etc.
}

// Chunk is one piece of a streamed response.
type Chunk struct {
	DeltaText    string
	DeltaToolCall *thread.ToolCall
	Done         bool
	Final        *Response
}

// Provider is a chat-completion backend.
type Provider interface {
	Chat(ctx context.Context, messages []thread.Message, opts Options) (Response, error)
	ChatStream(ctx context.Context, messages []thread.Message, opts Options) (<-chan Chunk, error)
}
