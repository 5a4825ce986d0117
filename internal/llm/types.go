// Package llm provides HTTP clients for OpenAI-compatible and Anthropic
// model APIs plus a role-based router with fallback chains.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a model conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool in provider-neutral form.
// Parameters holds a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request carries all parameters for a completion.
type Request struct {
	Messages      []Message        `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	StopSequences []string         `json:"stop,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// Response is the model's reply.
type Response struct {
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	StopReason string         `json:"stop_reason"`
	Usage      TokenUsage     `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption for one request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContentDelta is one streamed fragment of assistant text.
type ContentDelta struct {
	Delta string
	Final bool
}

// StreamCallbacks receives incremental output during StreamComplete.
// Nil callbacks are skipped.
type StreamCallbacks struct {
	OnContentDelta  func(ContentDelta)
	OnThinkingDelta func(string)
}

// UsageFunc is invoked after each completed request with its token usage.
type UsageFunc func(usage TokenUsage, model, provider string)

// Client is an LLM provider client.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error)
	Model() string
}

// UsageTrackingClient is implemented by clients that report token usage.
type UsageTrackingClient interface {
	SetUsageCallback(UsageFunc)
}
