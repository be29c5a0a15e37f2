// Package store persists agents, conversations, tool definitions,
// integrations and credentials.
package store

import (
	"context"
	"time"

	"pulpo/errors"
	"pulpo/tools"
)

// Agent is a stored agent configuration.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	ToolIDs      []string       `json:"tool_ids,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Conversation groups the messages of one ongoing exchange with an
// agent.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored conversation turn. ToolCalls holds the
// assistant's tool invocations and their results, serialized as JSON.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ToolCalls      []byte    `json:"tool_calls,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConversationStore is the persistence surface the engine runs against.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation with the given id,
	// creating it when the id is empty or unknown.
	GetOrCreateConversation(ctx context.Context, agentID, conversationID string) (Conversation, error)
	// SaveMessage persists the message and returns it with its assigned
	// id and timestamp filled in.
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	// History returns the conversation's messages, oldest first. A
	// positive limit returns only the most recent limit messages; zero
	// means unlimited.
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// AgentStore resolves agents and the tool definitions attached to them.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (Agent, error)
	PutAgent(ctx context.Context, agent Agent) error
	GetToolDefinition(ctx context.Context, id string) (tools.Definition, error)
	PutToolDefinition(ctx context.Context, def tools.Definition) error
	GetIntegration(ctx context.Context, id string) (tools.Integration, error)
	PutIntegration(ctx context.Context, integ tools.Integration) error
}
