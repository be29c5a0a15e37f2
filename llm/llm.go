package llm

import (
	"context"
	"encoding/json"
	"strings"

	"pulpo/errors"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the outcome of a tool call, fed back to the model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// Part is one piece of a multimodal user message.
type Part struct {
	Text string
	// Inline image, already base64-decoded.
	ImageMediaType string
	ImageData      []byte
}

// Message is the provider-neutral conversation unit. Adapters translate
// it to and from each vendor's wire shape; nothing outside this package
// branches on vendor message formats.
type Message struct {
	Role        Role
	Content     string
	Parts       []Part
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSchema describes a tool to the model. InputSchema is a JSON
// schema object ({"type":"object","properties":...,"required":...}).
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	StreamText     StreamEventType = "text"
	StreamToolCall StreamEventType = "tool_call"
	StreamDone     StreamEventType = "done"
)

// StreamEvent is one unit of streamed model output. Tool calls are
// emitted whole, after their input JSON has fully accumulated.
type StreamEvent struct {
	Type       StreamEventType
	Delta      string
	ToolCall   *ToolCall
	StopReason string
	Err        error
}

// Request carries everything an adapter needs for one model turn.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return 4096
}

// Provider is the interface every vendor adapter implements.
type Provider interface {
	// StreamWithTools streams a model turn. The channel is closed after
	// a StreamDone event or an event carrying Err.
	StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error)
	// Generate runs a single non-streaming turn with no tools.
	Generate(ctx context.Context, req Request) (string, error)
	// GenerateStructured returns JSON conforming to schema, using the
	// vendor's strict mode where one exists and falling back to text
	// extraction otherwise.
	GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error)
}

// New builds a provider adapter by name.
func New(ctx context.Context, provider, model string, keys Keys) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(keys.Anthropic, model)
	case "openai":
		return NewOpenAIProvider(keys.OpenAI, model)
	case "gemini", "google":
		return NewGeminiProvider(ctx, keys.Google, model)
	case "bedrock":
		return NewBedrockProvider(ctx, keys.BedrockRegion, model)
	default:
		return nil, errors.Configuration("agent provider", "unknown provider %q", provider)
	}
}

// Keys holds per-vendor credentials for the factory.
type Keys struct {
	Anthropic     string
	OpenAI        string
	Google        string
	BedrockRegion string
}

// extractJSON salvages a JSON object or array from free-form model
// output: everything from the first opening brace to the last matching
// closing brace. Used when a vendor's strict mode is unavailable or
// returned prose around the payload.
func extractJSON(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), nil
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start >= 0 && end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, errors.SchemaValidation(nil, "model output contains no parseable JSON")
}

// schemaProperties splits a JSON schema object into the pieces most
// vendor SDKs want separately.
func schemaProperties(schema map[string]any) (props map[string]any, required []string) {
	props, _ = schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}
