package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulpo/tools"
)

// MemoryStore is an in-process ConversationStore and AgentStore used in
// tests.
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]Agent
	conversations map[string]Conversation
	messages      map[string][]Message
	definitions   map[string]tools.Definition
	integrations  map[string]tools.Integration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]Agent),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		definitions:   make(map[string]tools.Definition),
		integrations:  make(map[string]tools.Integration),
	}
}

func (s *MemoryStore) GetOrCreateConversation(_ context.Context, agentID, conversationID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != "" {
		if conv, ok := s.conversations[conversationID]; ok {
			return conv, nil
		}
	}
	now := time.Now().UTC()
	conv := Conversation{ID: conversationID, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	if conv, ok := s.conversations[msg.ConversationID]; ok {
		conv.UpdatedAt = msg.CreatedAt
		s.conversations[msg.ConversationID] = conv
	}
	return msg, nil
}

func (s *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return agent, nil
}

func (s *MemoryStore) PutAgent(_ context.Context, agent Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) GetToolDefinition(_ context.Context, id string) (tools.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return tools.Definition{}, ErrNotFound
	}
	return def, nil
}

func (s *MemoryStore) PutToolDefinition(_ context.Context, def tools.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	s.definitions[def.ID] = def
	return nil
}

func (s *MemoryStore) GetIntegration(_ context.Context, id string) (tools.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integ, ok := s.integrations[id]
	if !ok {
		return tools.Integration{}, ErrNotFound
	}
	return integ, nil
}

func (s *MemoryStore) PutIntegration(_ context.Context, integ tools.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if integ.ID == "" {
		integ.ID = uuid.NewString()
	}
	s.integrations[integ.ID] = integ
	return nil
}
