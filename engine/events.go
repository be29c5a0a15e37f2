package engine

import "time"

// EventType discriminates execution stream events.
type EventType string

const (
	EventAgentLoaded         EventType = "agent_loaded"
	EventConversationStarted EventType = "conversation_started"
	EventContentDelta        EventType = "content_delta"
	EventToolUseStart        EventType = "tool_use_start"
	EventToolUseComplete     EventType = "tool_use_complete"
	EventMessageComplete     EventType = "message_complete"
	EventError               EventType = "error"
)

// Event is one unit of the execution stream. Fields beyond Type are
// populated per event kind; unused fields stay zero.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// agent_loaded
	AgentID   string   `json:"agent_id,omitempty"`
	AgentName string   `json:"agent_name,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// conversation_started
	ConversationID string `json:"conversation_id,omitempty"`

	// content_delta
	Delta string `json:"delta,omitempty"`

	// tool_use_start / tool_use_complete
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Success    bool           `json:"success,omitempty"`

	// message_complete
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// error
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ErrorHint    string `json:"error_hint,omitempty"`
}

func event(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}
