package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pulpo/llm"
)

// creativityTemperature maps the configured creativity level onto a
// sampling temperature.
var creativityTemperature = map[string]float64{
	"low":    0.2,
	"medium": 0.5,
	"high":   0.9,
}

// LLMTool runs a stateless single-shot prompt against its own model.
// It carries no conversation history; every call is independent.
type LLMTool struct {
	def      Definition
	provider llm.Provider
}

func NewLLMTool(def Definition, provider llm.Provider) *LLMTool {
	return &LLMTool{def: def, provider: provider}
}

func (t *LLMTool) Name() string        { return t.def.Name }
func (t *LLMTool) Description() string { return t.def.Description }

func (t *LLMTool) Schema() llm.ToolSchema {
	schema := t.def.InputSchema
	if schema == nil {
		schema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "string", "description": "Input text for this tool"},
			},
			"required": []any{"input"},
		}
	}
	return llm.ToolSchema{Name: t.def.Name, Description: t.def.Description, InputSchema: schema}
}

// Execute interpolates the input into the prompt template and runs a
// single no-tools generation.
func (t *LLMTool) Execute(ctx context.Context, input map[string]any) Result {
	prompt := t.def.Prompt
	if strings.Contains(prompt, "{input}") {
		prompt = strings.ReplaceAll(prompt, "{input}", renderInput(input))
	} else {
		prompt = prompt + "\n\nInput:\n" + renderInput(input)
	}

	temperature, ok := creativityTemperature[t.def.Creativity]
	if !ok {
		temperature = creativityTemperature["medium"]
	}

	output, err := t.provider.Generate(ctx, llm.Request{
		Model:       t.def.Model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: temperature,
	})
	if err != nil {
		return Fail("llm tool failed: %v", err)
	}
	return OK(map[string]any{"output": output})
}

func renderInput(input map[string]any) string {
	if len(input) == 1 {
		if s, ok := input["input"].(string); ok {
			return s
		}
	}
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(b)
}
