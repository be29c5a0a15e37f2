package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"pulpo/llm"
)

// Tool defines the interface for any action an agent can take.
type Tool interface {
	Name() string
	Description() string
	Schema() llm.ToolSchema
	Execute(ctx context.Context, input map[string]any) Result
}

// Result is the uniform tool outcome. Data carries the payload on
// success; Error carries a model-readable message on failure. Tools
// never surface Go errors to the loop directly, the loop reads Result.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK wraps a payload in a successful result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result with a formatted message.
func Fail(format string, a ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, a...)}
}

// Text renders the result as JSON for the model turn.
func (r Result) Text() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"unserializable result: %v"}`, err)
	}
	return string(b)
}

// Registry holds the tools for a single execution. A fresh registry is
// built per execution so agents never observe each other's tools; it is
// used from one goroutine and needs no locking.
type Registry struct {
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Len() int { return len(r.tools) }

// Schemas returns tool schemas in registration order.
func (r *Registry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].Schema())
	}
	return schemas
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}
