package llm

import (
	"context"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "clean object", in: `{"a": 1}`, want: `{"a": 1}`},
		{name: "prose around object", in: "Here is the result:\n{\"a\": 1}\nHope that helps!", want: `{"a": 1}`},
		{name: "fenced output", in: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "array", in: "The items are [1, 2, 3] as requested.", want: `[1, 2, 3]`},
		{name: "nested braces", in: `prefix {"a": {"b": 2}} suffix`, want: `{"a": {"b": 2}}`},
		{name: "no json", in: "I could not produce a result.", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := extractJSON(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestSchemaProperties(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
		},
		"required": []any{"query"},
	}

	props, required := schemaProperties(schema)
	if len(props) != 2 {
		t.Errorf("Expected 2 properties, got %d", len(props))
	}
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("Expected required [query], got %v", required)
	}

	props, required = schemaProperties(map[string]any{})
	if props == nil {
		t.Error("Expected non-nil properties for empty schema")
	}
	if len(required) != 0 {
		t.Errorf("Expected no required fields, got %v", required)
	}
}

func TestDecodeToolInput(t *testing.T) {
	input := decodeToolInput(`{"q": "books", "limit": 5}`)
	if input["q"] != "books" {
		t.Errorf("Expected q=books, got %v", input)
	}

	// Zero-argument tools produce no input deltas at all
	input = decodeToolInput("")
	if input == nil || len(input) != 0 {
		t.Errorf("Expected empty map for empty input, got %v", input)
	}

	input = decodeToolInput("not json")
	if input == nil {
		t.Error("Expected empty map for malformed input, got nil")
	}
}

func TestScriptedProviderStream(t *testing.T) {
	provider := NewScriptedProvider(
		ScriptedTurn{Text: "thinking", ToolCalls: []ToolCall{{ID: "c1", Name: "search", Input: map[string]any{"q": "x"}}}},
		ScriptedTurn{Text: "done"},
	)

	events, err := provider.StreamWithTools(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if got[0].Type != StreamText || got[0].Delta != "thinking" {
		t.Errorf("Unexpected first event: %+v", got[0])
	}
	if got[1].Type != StreamToolCall || got[1].ToolCall.Name != "search" {
		t.Errorf("Unexpected second event: %+v", got[1])
	}
	if got[2].Type != StreamDone || got[2].StopReason != "tool_use" {
		t.Errorf("Unexpected final event: %+v", got[2])
	}

	// Second turn ends without tool use
	events, err = provider.StreamWithTools(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var last StreamEvent
	for ev := range events {
		last = ev
	}
	if last.StopReason != "end_turn" {
		t.Errorf("Expected end_turn, got %q", last.StopReason)
	}

	// Script exhausted
	if _, err := provider.StreamWithTools(context.Background(), Request{}); err == nil {
		t.Error("Expected error once script is exhausted")
	}
}

func TestConvertGeminiSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"condition": map[string]any{
				"type": "string",
				"enum": []any{"new", "used"},
			},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"condition"},
	}

	got := convertGeminiSchema(schema)
	if got.Properties["condition"] == nil {
		t.Fatal("condition property missing")
	}
	if len(got.Properties["condition"].Enum) != 2 {
		t.Errorf("Expected 2 enum values, got %v", got.Properties["condition"].Enum)
	}
	if got.Properties["tags"].Items == nil {
		t.Error("array items schema missing")
	}
	if len(got.Required) != 1 || got.Required[0] != "condition" {
		t.Errorf("Expected required [condition], got %v", got.Required)
	}
}
