package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "find me a book"},
		{
			Role:    RoleAssistant,
			Content: "Searching now.",
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "search", Input: map[string]any{"q": "books"}},
				{ID: "toolu_2", Name: "search", Input: map[string]any{"q": "used books"}},
			},
		},
		{
			Role: RoleTool,
			ToolResults: []ToolResult{
				{ToolCallID: "toolu_1", Name: "search", Content: "10 results"},
				{ToolCallID: "toolu_2", Name: "search", Content: "3 results", IsError: false},
			},
		},
	}

	out := convertAnthropicMessages(messages)
	if len(out) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(out))
	}

	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("Expected user role, got %v", out[0].Role)
	}

	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("Expected assistant role, got %v", out[1].Role)
	}
	// text block plus one tool_use block per call
	if len(out[1].Content) != 3 {
		t.Fatalf("Expected 3 assistant content blocks, got %d", len(out[1].Content))
	}
	if out[1].Content[1].OfToolUse == nil || out[1].Content[2].OfToolUse == nil {
		t.Error("Expected tool_use blocks after the text block")
	}

	// tool results travel as a user turn, one block per call, in order
	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("Expected user role for tool results, got %v", out[2].Role)
	}
	if len(out[2].Content) != 2 {
		t.Fatalf("Expected 2 tool_result blocks, got %d", len(out[2].Content))
	}
	first := out[2].Content[0].OfToolResult
	second := out[2].Content[1].OfToolResult
	if first == nil || second == nil {
		t.Fatal("Expected tool_result blocks")
	}
	if first.ToolUseID != "toolu_1" || second.ToolUseID != "toolu_2" {
		t.Errorf("Tool result order lost: %q then %q", first.ToolUseID, second.ToolUseID)
	}
}

func TestAnthropicBuildParamsTools(t *testing.T) {
	p := &AnthropicProvider{model: "claude-sonnet-4"}
	req := Request{
		System: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
		},
		Tools: []ToolSchema{{
			Name:        "search",
			Description: "Search the catalog",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q"},
			},
		}},
		Temperature: 0.7,
	}

	params := p.buildParams(req)
	if len(params.Tools) != 1 {
		t.Fatalf("Expected 1 tool, got %d", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil || tool.Name != "search" {
		t.Fatalf("Tool not converted: %+v", params.Tools[0])
	}
	required := tool.InputSchema.Required
	if len(required) != 1 || required[0] != "q" {
		t.Errorf("Expected required [q], got %v", required)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief" {
		t.Errorf("System prompt not set: %+v", params.System)
	}
}
