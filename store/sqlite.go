package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pulpo/credentials"
	"pulpo/errors"
	"pulpo/tools"
)

// SQLiteStore backs every persistence interface with a single SQLite
// file. The connection pool is capped at one connection; SQLite handles
// one writer at a time and this sidesteps SQLITE_BUSY under concurrent
// tool executions.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "could not create database directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "could not open database %s", path)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	temperature REAL NOT NULL DEFAULT 0,
	instructions TEXT NOT NULL DEFAULT '',
	tool_ids TEXT NOT NULL DEFAULT '[]',
	config TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE TABLE IF NOT EXISTS tool_definitions (
	id TEXT PRIMARY KEY,
	definition TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	base_url TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS credentials (
	integration_id TEXT PRIMARY KEY,
	platform TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	encrypted_value TEXT NOT NULL,
	encrypted_refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry TIMESTAMP,
	token_url TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrapf(err, "could not run database migrations")
	}
	return nil
}

// --- ConversationStore ---

func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, agentID, conversationID string) (Conversation, error) {
	if conversationID != "" {
		var conv Conversation
		err := s.db.QueryRowContext(ctx,
			`SELECT id, agent_id, created_at, updated_at FROM conversations WHERE id = ?`, conversationID).
			Scan(&conv.ID, &conv.AgentID, &conv.CreatedAt, &conv.UpdatedAt)
		if err == nil {
			return conv, nil
		}
		if err != sql.ErrNoRows {
			return Conversation{}, errors.Wrapf(err, "could not load conversation %s", conversationID)
		}
	}
	now := time.Now().UTC()
	conv := Conversation{ID: conversationID, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.AgentID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return Conversation{}, errors.Wrapf(err, "could not create conversation")
	}
	return conv, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toolCalls, msg.CreatedAt)
	if err != nil {
		return Message{}, errors.Wrapf(err, "could not save message")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return Message{}, errors.Wrapf(err, "could not touch conversation %s", msg.ConversationID)
	}
	return msg, nil
}

func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, tool_calls, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		// Most recent limit messages, still oldest first.
		query = `SELECT id, conversation_id, role, content, tool_calls, created_at FROM (
			SELECT id, conversation_id, role, content, tool_calls, created_at
			FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at, id`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not load history for conversation %s", conversationID)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var toolCalls sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &toolCalls, &msg.CreatedAt); err != nil {
			return nil, errors.Wrapf(err, "could not scan message row")
		}
		if toolCalls.Valid {
			msg.ToolCalls = []byte(toolCalls.String)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// --- AgentStore ---

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (Agent, error) {
	var agent Agent
	var toolIDs, config string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, provider, model, temperature, instructions, tool_ids, config, created_at
		 FROM agents WHERE id = ?`, id).
		Scan(&agent.ID, &agent.Name, &agent.Description, &agent.Provider, &agent.Model,
			&agent.Temperature, &agent.Instructions, &toolIDs, &config, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, errors.Wrapf(err, "could not load agent %s", id)
	}
	if err := json.Unmarshal([]byte(toolIDs), &agent.ToolIDs); err != nil {
		return Agent{}, errors.Wrapf(err, "corrupt tool_ids for agent %s", id)
	}
	if err := json.Unmarshal([]byte(config), &agent.Config); err != nil {
		return Agent{}, errors.Wrapf(err, "corrupt config for agent %s", id)
	}
	return agent, nil
}

func (s *SQLiteStore) PutAgent(ctx context.Context, agent Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	toolIDs, _ := json.Marshal(agent.ToolIDs)
	config, _ := json.Marshal(agent.Config)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, description, provider, model, temperature, instructions, tool_ids, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
			provider=excluded.provider, model=excluded.model, temperature=excluded.temperature,
			instructions=excluded.instructions, tool_ids=excluded.tool_ids, config=excluded.config`,
		agent.ID, agent.Name, agent.Description, agent.Provider, agent.Model, agent.Temperature,
		agent.Instructions, string(toolIDs), string(config), agent.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "could not save agent %s", agent.Name)
	}
	return nil
}

func (s *SQLiteStore) GetToolDefinition(ctx context.Context, id string) (tools.Definition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM tool_definitions WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return tools.Definition{}, ErrNotFound
	}
	if err != nil {
		return tools.Definition{}, errors.Wrapf(err, "could not load tool definition %s", id)
	}
	var def tools.Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return tools.Definition{}, errors.Wrapf(err, "corrupt tool definition %s", id)
	}
	return def, nil
}

func (s *SQLiteStore) PutToolDefinition(ctx context.Context, def tools.Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return errors.Wrapf(err, "could not serialize tool definition %s", def.Name)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_definitions (id, definition) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition`,
		def.ID, string(raw))
	if err != nil {
		return errors.Wrapf(err, "could not save tool definition %s", def.Name)
	}
	return nil
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (tools.Integration, error) {
	var integ tools.Integration
	var config string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, platform, base_url, config FROM integrations WHERE id = ?`, id).
		Scan(&integ.ID, &integ.Name, &integ.Platform, &integ.BaseURL, &config)
	if err == sql.ErrNoRows {
		return tools.Integration{}, ErrNotFound
	}
	if err != nil {
		return tools.Integration{}, errors.Wrapf(err, "could not load integration %s", id)
	}
	if err := json.Unmarshal([]byte(config), &integ.Config); err != nil {
		return tools.Integration{}, errors.Wrapf(err, "corrupt config for integration %s", id)
	}
	return integ, nil
}

func (s *SQLiteStore) PutIntegration(ctx context.Context, integ tools.Integration) error {
	if integ.ID == "" {
		integ.ID = uuid.NewString()
	}
	config, _ := json.Marshal(integ.Config)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (id, name, platform, base_url, config) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, platform=excluded.platform,
			base_url=excluded.base_url, config=excluded.config`,
		integ.ID, integ.Name, integ.Platform, integ.BaseURL, string(config))
	if err != nil {
		return errors.Wrapf(err, "could not save integration %s", integ.Name)
	}
	return nil
}

// --- credentials.Store ---

func (s *SQLiteStore) GetCredential(ctx context.Context, integrationID string) (credentials.Credential, error) {
	var cred credentials.Credential
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT integration_id, platform, type, encrypted_value, encrypted_refresh_token, token_expiry, token_url, updated_at
		 FROM credentials WHERE integration_id = ?`, integrationID).
		Scan(&cred.IntegrationID, &cred.Platform, &cred.Type, &cred.EncryptedValue,
			&cred.EncryptedRefreshToken, &expiry, &cred.TokenURL, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return credentials.Credential{}, credentials.ErrNotFound
	}
	if err != nil {
		return credentials.Credential{}, errors.Wrapf(err, "could not load credential for %s", integrationID)
	}
	if expiry.Valid {
		cred.TokenExpiry = expiry.Time
	}
	return cred, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, cred credentials.Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (integration_id, platform, type, encrypted_value, encrypted_refresh_token, token_expiry, token_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(integration_id) DO UPDATE SET platform=excluded.platform, type=excluded.type,
			encrypted_value=excluded.encrypted_value, encrypted_refresh_token=excluded.encrypted_refresh_token,
			token_expiry=excluded.token_expiry, token_url=excluded.token_url, updated_at=excluded.updated_at`,
		cred.IntegrationID, cred.Platform, cred.Type, cred.EncryptedValue,
		cred.EncryptedRefreshToken, cred.TokenExpiry, cred.TokenURL, cred.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "could not save credential for %s", cred.IntegrationID)
	}
	return nil
}

// --- tools.BuiltinStore ---
//
// Each builtin operation runs in its own transaction, so a failure
// leaves no partial rows behind and never poisons the calling
// execution.

func (s *SQLiteStore) CreateAgent(ctx context.Context, params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	provider, _ := params["provider"].(string)
	model, _ := params["model"].(string)
	if name == "" || provider == "" || model == "" {
		return "", errors.New("create_agent requires name, provider and model")
	}
	agent := Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Provider:     provider,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
		Instructions: stringOr(params, "instructions"),
		Description:  stringOr(params, "description"),
	}
	if temp, ok := params["temperature"].(float64); ok {
		agent.Temperature = temp
	}
	if rawIDs, ok := params["tool_ids"].([]any); ok {
		for _, raw := range rawIDs {
			if id, ok := raw.(string); ok {
				agent.ToolIDs = append(agent.ToolIDs, id)
			}
		}
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		toolIDs, _ := json.Marshal(agent.ToolIDs)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, name, description, provider, model, temperature, instructions, tool_ids, config, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', ?)`,
			agent.ID, agent.Name, agent.Description, agent.Provider, agent.Model, agent.Temperature,
			agent.Instructions, string(toolIDs), agent.CreatedAt)
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not create agent %s", name)
	}
	return agent.ID, nil
}

func (s *SQLiteStore) CreateIntegration(ctx context.Context, params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return "", errors.New("create_integration requires a name")
	}
	id := uuid.NewString()
	config, _ := params["config"].(map[string]any)
	rawConfig, _ := json.Marshal(config)
	if config == nil {
		rawConfig = []byte("{}")
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO integrations (id, name, platform, base_url, config) VALUES (?, ?, ?, ?, ?)`,
			id, name, stringOr(params, "platform"), stringOr(params, "base_url"), string(rawConfig))
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not create integration %s", name)
	}
	return id, nil
}

func (s *SQLiteStore) CreateAPITool(ctx context.Context, params map[string]any) (string, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return "", errors.New("create_api_tool requires a name")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", errors.Wrapf(err, "could not serialize tool parameters")
	}
	var def tools.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return "", errors.Wrapf(err, "invalid tool parameters")
	}
	def.ID = uuid.NewString()
	def.Kind = "api"
	defJSON, _ := json.Marshal(def)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tool_definitions (id, definition) VALUES (?, ?)`, def.ID, string(defJSON))
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not create tool %s", name)
	}
	return def.ID, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func stringOr(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
