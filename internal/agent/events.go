package agent

// Stream event types, in the order a consumer usually sees them.
const (
	EventDelta      = "delta"
	EventThinking   = "thinking"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// Event is one item of a response stream. Exactly one done or error event
// closes every stream, never both.
type Event struct {
	Type string `json:"type"`

	// delta
	Text string `json:"text,omitempty"`

	// thinking and tool_result
	Tool    string         `json:"tool,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Summary string         `json:"summary,omitempty"`

	// done
	ConversationID string   `json:"conversationId,omitempty"`
	JobIDs         []string `json:"jobIds,omitempty"`
	ToolCallCount  int      `json:"toolCallCount,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
