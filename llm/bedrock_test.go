package llm

import (
	"encoding/json"
	"testing"
)

func TestBedrockMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "Hello, world!"},
	}

	result := bedrockMessages(messages)
	if len(result) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(result))
	}
	if result[0]["role"] != "user" {
		t.Errorf("Expected role 'user', got '%s'", result[0]["role"])
	}

	messages = []Message{
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "test_tool", Input: map[string]any{"param1": "value1"}},
			},
		},
	}
	result = bedrockMessages(messages)
	if len(result) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(result))
	}
	if result[0]["role"] != "assistant" {
		t.Errorf("Expected role 'assistant', got '%s'", result[0]["role"])
	}

	messages = []Message{
		{
			Role: RoleTool,
			ToolResults: []ToolResult{
				{ToolCallID: "call_1", Name: "test_tool", Content: "Tool result"},
			},
		},
	}
	result = bedrockMessages(messages)
	if len(result) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(result))
	}
	// Anthropic wire format carries tool results in a user turn
	if result[0]["role"] != "user" {
		t.Errorf("Expected role 'user', got '%s'", result[0]["role"])
	}
}

func TestBuildBedrockRequestBody(t *testing.T) {
	p := &BedrockProvider{modelID: "anthropic.claude-3-5-sonnet"}
	req := Request{
		System:   "be helpful",
		Messages: []Message{{Role: RoleUser, Content: "Hello!"}},
	}

	body, err := p.buildRequestBody(req, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	if decoded["anthropic_version"] != "bedrock-2023-05-31" {
		t.Errorf("Expected bedrock anthropic_version, got %v", decoded["anthropic_version"])
	}
	if decoded["system"] != "be helpful" {
		t.Errorf("Expected system prompt in body, got %v", decoded["system"])
	}

	tools := []ToolSchema{{
		Name:        "test_tool",
		Description: "A test tool",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []any{"q"},
		},
	}}
	body, err = p.buildRequestBody(req, tools)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	toolDefs, ok := decoded["tools"].([]any)
	if !ok || len(toolDefs) != 1 {
		t.Fatalf("Expected 1 tool definition, got %v", decoded["tools"])
	}
	def := toolDefs[0].(map[string]any)
	schema := def["input_schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Errorf("tool input schema lost its type: %v", schema)
	}
}

func TestParseBedrockResponse(t *testing.T) {
	body := []byte(`{
		"content": [
			{"type": "text", "text": "Let me search."},
			{"type": "tool_use", "id": "toolu_1", "name": "search", "input": {"q": "books"}}
		],
		"stop_reason": "tool_use"
	}`)

	text, toolCalls, stopReason, err := parseBedrockResponse(body)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if text != "Let me search." {
		t.Errorf("Expected text content, got %q", text)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(toolCalls))
	}
	if toolCalls[0].ID != "toolu_1" || toolCalls[0].Name != "search" {
		t.Errorf("Unexpected tool call: %+v", toolCalls[0])
	}
	if toolCalls[0].Input["q"] != "books" {
		t.Errorf("Expected input q=books, got %v", toolCalls[0].Input)
	}
	if stopReason != "tool_use" {
		t.Errorf("Expected stop_reason tool_use, got %q", stopReason)
	}

	if _, _, _, err := parseBedrockResponse([]byte(`{"error": "boom"}`)); err == nil {
		t.Error("Expected error for error response")
	}
}
