package tools

import (
	"context"

	"pulpo/llm"
)

// BuiltinStore runs internal mutating operations. Implementations run
// each call in its own transaction so a failed operation never poisons
// the state of the execution that invoked it.
type BuiltinStore interface {
	CreateAgent(ctx context.Context, params map[string]any) (id string, err error)
	CreateIntegration(ctx context.Context, params map[string]any) (id string, err error)
	CreateAPITool(ctx context.Context, params map[string]any) (id string, err error)
}

// BuiltinTool exposes one internal operation (create_agent,
// create_integration, create_api_tool) as a tool the model can call.
type BuiltinTool struct {
	def   Definition
	store BuiltinStore
}

func NewBuiltinTool(def Definition, store BuiltinStore) *BuiltinTool {
	return &BuiltinTool{def: def, store: store}
}

func (t *BuiltinTool) Name() string        { return t.def.Name }
func (t *BuiltinTool) Description() string { return t.def.Description }

func (t *BuiltinTool) Schema() llm.ToolSchema {
	schema := t.def.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSchema{Name: t.def.Name, Description: t.def.Description, InputSchema: schema}
}

func (t *BuiltinTool) Execute(ctx context.Context, input map[string]any) Result {
	var id string
	var err error
	switch t.def.Operation {
	case "create_agent":
		id, err = t.store.CreateAgent(ctx, input)
	case "create_integration":
		id, err = t.store.CreateIntegration(ctx, input)
	case "create_api_tool":
		id, err = t.store.CreateAPITool(ctx, input)
	default:
		return Fail("unknown builtin operation %q", t.def.Operation)
	}
	if err != nil {
		return Fail("%s failed: %v", t.def.Operation, err)
	}
	return OK(map[string]any{"id": id, "operation": t.def.Operation})
}
