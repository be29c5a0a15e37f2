package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulpo/credentials"
	"pulpo/tools"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "agent-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, "agent-1", conv.AgentID)

	// Same id resolves to the same conversation.
	again, err := s.GetOrCreateConversation(ctx, "agent-1", conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)

	// An unknown id creates a conversation under that id.
	resumed, err := s.GetOrCreateConversation(ctx, "agent-1", "external-id")
	require.NoError(t, err)
	require.Equal(t, "external-id", resumed.ID)

	saved, err := s.SaveMessage(ctx, Message{ConversationID: conv.ID, Role: "user", Content: "hola"})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	require.False(t, saved.CreatedAt.IsZero())
	_, err = s.SaveMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "assistant",
		Content:        "hi there",
		ToolCalls:      []byte(`[{"name":"search"}]`),
	})
	require.NoError(t, err)

	history, err := s.History(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "user", history[0].Role)
	require.Equal(t, "hola", history[0].Content)
	require.JSONEq(t, `[{"name":"search"}]`, string(history[1].ToolCalls))
}

func TestHistoryLimitKeepsMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "agent-1", "")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	for i, content := range []string{"one", "two", "three", "four"} {
		_, err := s.SaveMessage(ctx, Message{
			ConversationID: conv.ID,
			Role:           "user",
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	history, err := s.History(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// The tail of the conversation, still oldest first.
	require.Equal(t, "three", history[0].Content)
	require.Equal(t, "four", history[1].Content)

	all, err := s.History(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestAgentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := Agent{
		Name:         "support",
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		Instructions: "Answer customer questions politely.",
		ToolIDs:      []string{"tool-a", "tool-b"},
	}
	require.NoError(t, s.PutAgent(ctx, agent))

	// PutAgent assigns the id; look it up through the builtin path.
	id, err := s.CreateAgent(ctx, map[string]any{
		"name": "sales", "provider": "openai", "model": "gpt-4o",
		"temperature": 0.7, "tool_ids": []any{"tool-c"},
	})
	require.NoError(t, err)

	loaded, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "sales", loaded.Name)
	require.Equal(t, 0.7, loaded.Temperature)
	require.Equal(t, []string{"tool-c"}, loaded.ToolIDs)

	_, err = s.GetAgent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestToolDefinitionAndIntegration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	def := tools.Definition{
		Name:    "weather",
		Kind:    "api",
		Method:  "GET",
		BaseURL: "https://api.example.com",
		Path:    "/weather/{city}",
	}
	require.NoError(t, s.PutToolDefinition(ctx, def))

	integ := tools.Integration{Name: "shop", Platform: "mercadolibre", Config: map[string]any{"site_id": "MLA"}}
	require.NoError(t, s.PutIntegration(ctx, integ))

	id, err := s.CreateAPITool(ctx, map[string]any{
		"name": "orders", "method": "GET", "base_url": "https://api.example.com", "path": "/orders",
	})
	require.NoError(t, err)

	loaded, err := s.GetToolDefinition(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "orders", loaded.Name)
	require.Equal(t, "api", loaded.Kind)
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := credentials.Credential{
		IntegrationID:         "integ-1",
		Platform:              "mercadolibre",
		Type:                  "oauth_access_token",
		EncryptedValue:        "enc:abc",
		EncryptedRefreshToken: "enc:def",
		TokenExpiry:           expiry,
		TokenURL:              "https://api.mercadolibre.com/oauth/token",
	}
	require.NoError(t, s.PutCredential(ctx, cred))

	loaded, err := s.GetCredential(ctx, "integ-1")
	require.NoError(t, err)
	require.Equal(t, "enc:abc", loaded.EncryptedValue)
	require.True(t, loaded.TokenExpiry.Equal(expiry))

	// Upsert replaces the stored token set.
	cred.EncryptedValue = "enc:xyz"
	require.NoError(t, s.PutCredential(ctx, cred))
	loaded, err = s.GetCredential(ctx, "integ-1")
	require.NoError(t, err)
	require.Equal(t, "enc:xyz", loaded.EncryptedValue)

	_, err = s.GetCredential(ctx, "missing")
	require.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestBuiltinCreateValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateAgent(ctx, map[string]any{"name": "incomplete"})
	require.Error(t, err)

	_, err = s.CreateIntegration(ctx, map[string]any{})
	require.Error(t, err)
}
