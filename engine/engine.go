// Package engine runs agent executions: it streams model output,
// dispatches tool calls, and enforces the loop and failure limits.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"pulpo/config"
	"pulpo/errors"
	"pulpo/llm"
	"pulpo/store"
	"pulpo/tools"
)

// Request starts one execution turn.
type Request struct {
	AgentID        string
	ConversationID string
	Message        string
	// Attachments are image URLs or data: URLs.
	Attachments []string
	// ProviderKeys override the engine's configured keys for this
	// request only; zero fields fall back to the engine's keys.
	ProviderKeys llm.Keys
}

// ToolBuilder constructs executable tools from stored definitions.
// Satisfied by tools.Factory.
type ToolBuilder interface {
	Build(ctx context.Context, def tools.Definition, integ *tools.Integration) (tools.Tool, error)
}

// Engine wires the stores, tool factory and providers together. One
// Engine serves many concurrent executions; all per-execution state
// lives in the goroutine Execute spawns.
type Engine struct {
	Agents        store.AgentStore
	Conversations store.ConversationStore
	Factory       ToolBuilder

	Keys             llm.Keys
	MaxIterations    int
	FailureThreshold int

	// ExtraTools are registered for every execution after the agent's
	// own tools. MCP server tools arrive here.
	ExtraTools []tools.Tool

	// NewProvider overrides provider construction. Tests inject scripted
	// providers here; nil means llm.New.
	NewProvider func(ctx context.Context, provider, model string) (llm.Provider, error)
}

func (e *Engine) provider(ctx context.Context, req Request, providerName, model string) (llm.Provider, error) {
	if e.NewProvider != nil {
		return e.NewProvider(ctx, providerName, model)
	}
	return llm.New(ctx, providerName, model, e.keys(req))
}

// keys resolves the provider keys for one request: request keys win
// field by field over the engine's.
func (e *Engine) keys(req Request) llm.Keys {
	keys := e.Keys
	if req.ProviderKeys.Anthropic != "" {
		keys.Anthropic = req.ProviderKeys.Anthropic
	}
	if req.ProviderKeys.OpenAI != "" {
		keys.OpenAI = req.ProviderKeys.OpenAI
	}
	if req.ProviderKeys.Google != "" {
		keys.Google = req.ProviderKeys.Google
	}
	if req.ProviderKeys.BedrockRegion != "" {
		keys.BedrockRegion = req.ProviderKeys.BedrockRegion
	}
	return keys
}

func (e *Engine) maxIterations() int {
	if e.MaxIterations > 0 {
		return e.MaxIterations
	}
	return config.DefaultMaxIterations
}

func (e *Engine) failureThreshold() int {
	if e.FailureThreshold > 0 {
		return e.FailureThreshold
	}
	return config.DefaultToolFailureThreshold
}

// Execute runs one turn and streams events. Events are buffered
// without bound between the run and the consumer, so the run completes
// even if the consumer falls behind or stops reading; the channel is
// closed once the run finishes and the buffer drains. Cancelling ctx
// stops delivery.
func (e *Engine) Execute(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 64)
	events := make(chan Event, 64)
	go pumpEvents(ctx, events, out)
	go func() {
		defer close(events)
		if err := e.run(ctx, req, events); err != nil {
			events <- errorEvent(err)
		}
	}()
	return out
}

// pumpEvents relays events through an unbounded queue so the producer
// never blocks on a slow or absent consumer. When ctx is cancelled the
// remaining events are dropped and the producer is drained.
func pumpEvents(ctx context.Context, in <-chan Event, out chan<- Event) {
	defer close(out)
	var queue []Event
	done := ctx.Done()
	dropping := false
	for {
		var send chan<- Event
		var head Event
		if len(queue) > 0 {
			send = out
			head = queue[0]
		}
		if in == nil && len(queue) == 0 {
			return
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
			} else if !dropping {
				queue = append(queue, ev)
			}
		case send <- head:
			queue = queue[1:]
		case <-done:
			queue = nil
			done = nil
			dropping = true
		}
	}
}

func (e *Engine) run(ctx context.Context, req Request, events chan<- Event) error {
	agent, err := e.Agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Configuration("agents", "agent %q does not exist", req.AgentID)
		}
		return err
	}

	registry, err := e.buildRegistry(ctx, agent)
	if err != nil {
		return err
	}

	loaded := event(EventAgentLoaded)
	loaded.AgentID = agent.ID
	loaded.AgentName = agent.Name
	loaded.Tools = registry.Names()
	events <- loaded

	conv, err := e.Conversations.GetOrCreateConversation(ctx, agent.ID, req.ConversationID)
	if err != nil {
		return err
	}
	started := event(EventConversationStarted)
	started.ConversationID = conv.ID
	events <- started

	messages, err := e.historyMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	userMsg := buildUserMessage(req.Message, req.Attachments)
	messages = append(messages, userMsg)
	if _, err := e.Conversations.SaveMessage(ctx, store.Message{
		ConversationID: conv.ID, Role: "user", Content: req.Message,
	}); err != nil {
		return err
	}

	prov, err := e.provider(ctx, req, agent.Provider, agent.Model)
	if err != nil {
		return err
	}

	ec := newExecContext(e.maxIterations(), e.failureThreshold())
	system := buildSystemPrompt(agent.Instructions, registry.Schemas())

	for {
		text, toolCalls, err := e.streamTurn(ctx, prov, llm.Request{
			Model:       agent.Model,
			Temperature: agent.Temperature,
			System:      system,
			Messages:    messages,
			Tools:       registry.Schemas(),
		}, events)
		if err != nil {
			return err
		}

		if len(toolCalls) == 0 {
			return e.finish(ctx, conv.ID, text, events)
		}

		assistantMsg := llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)
		if err := e.saveAssistant(ctx, conv.ID, assistantMsg); err != nil {
			return err
		}

		// Every call gets exactly one result, in the order the model
		// issued the calls, before the next model turn.
		results := make([]llm.ToolResult, 0, len(toolCalls))
		var abortTool string
		for _, call := range toolCalls {
			result := e.executeTool(ctx, registry, call, events)
			if ec.record(call.Name, result) && abortTool == "" {
				abortTool = call.Name
			}
			results = append(results, llm.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    ec.annotate(result.Text()),
				IsError:    !result.Success,
			})
		}
		toolMsg := llm.Message{Role: llm.RoleTool, ToolResults: results}
		messages = append(messages, toolMsg)
		if err := e.saveResults(ctx, conv.ID, toolMsg); err != nil {
			return err
		}

		if abortTool != "" {
			slog.WarnContext(ctx, "tool failure threshold hit",
				"agent", agent.Name, "tool", abortTool, "failures", ec.failures[abortTool])
			return e.finish(ctx, conv.ID, ec.failureMessage(abortTool), events)
		}
		if ec.totalCalls >= ec.maxIterations {
			slog.WarnContext(ctx, "iteration limit hit", "agent", agent.Name, "calls", ec.totalCalls)
			return e.finish(ctx, conv.ID, ec.limitMessage(), events)
		}
	}
}

// streamTurn consumes one model turn, forwarding text deltas and
// collecting tool calls in discovery order.
func (e *Engine) streamTurn(ctx context.Context, prov llm.Provider, req llm.Request, events chan<- Event) (string, []llm.ToolCall, error) {
	stream, err := prov.StreamWithTools(ctx, req)
	if err != nil {
		return "", nil, err
	}
	var text strings.Builder
	var toolCalls []llm.ToolCall
	for ev := range stream {
		switch ev.Type {
		case llm.StreamText:
			text.WriteString(ev.Delta)
			delta := event(EventContentDelta)
			delta.Delta = ev.Delta
			events <- delta
		case llm.StreamToolCall:
			toolCalls = append(toolCalls, *ev.ToolCall)
		case llm.StreamDone:
			if ev.Err != nil {
				return "", nil, ev.Err
			}
		default:
			if ev.Err != nil {
				return "", nil, ev.Err
			}
		}
	}
	return text.String(), toolCalls, nil
}

// executeTool runs one call and emits its paired start/complete events.
func (e *Engine) executeTool(ctx context.Context, registry *tools.Registry, call llm.ToolCall, events chan<- Event) tools.Result {
	start := event(EventToolUseStart)
	start.ToolName = call.Name
	start.ToolCallID = call.ID
	start.ToolInput = call.Input
	events <- start

	var result tools.Result
	tool, ok := registry.Get(call.Name)
	if !ok {
		result = tools.Fail("%v", errors.ToolNotFound(call.Name))
	} else {
		result = tool.Execute(ctx, call.Input)
	}

	complete := event(EventToolUseComplete)
	complete.ToolName = call.Name
	complete.ToolCallID = call.ID
	complete.Success = result.Success
	complete.ToolOutput = result.Text()
	events <- complete
	return result
}

func (e *Engine) finish(ctx context.Context, conversationID, content string, events chan<- Event) error {
	saved, err := e.Conversations.SaveMessage(ctx, store.Message{
		ConversationID: conversationID, Role: "assistant", Content: content,
	})
	if err != nil {
		return err
	}
	done := event(EventMessageComplete)
	done.MessageID = saved.ID
	done.Content = content
	events <- done
	return nil
}

// buildRegistry constructs the per-execution tool set from the agent's
// attached definitions. Each execution gets a fresh registry.
func (e *Engine) buildRegistry(ctx context.Context, agent store.Agent) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	for _, toolID := range agent.ToolIDs {
		def, err := e.Agents.GetToolDefinition(ctx, toolID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errors.Configuration("tools", "agent %q references unknown tool %q", agent.Name, toolID)
			}
			return nil, err
		}
		var integ *tools.Integration
		if def.Auth.IntegrationID != "" {
			loaded, err := e.Agents.GetIntegration(ctx, def.Auth.IntegrationID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, errors.Configuration("integrations", "tool %q references unknown integration %q", def.Name, def.Auth.IntegrationID)
				}
				return nil, err
			}
			integ = &loaded
		}
		tool, err := e.Factory.Build(ctx, def, integ)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(tool); err != nil {
			return nil, errors.Configuration("tools", "agent %q: %v", agent.Name, err)
		}
	}
	for _, tool := range e.ExtraTools {
		if err := registry.Register(tool); err != nil {
			return nil, errors.Configuration("tools", "agent %q: %v", agent.Name, err)
		}
	}
	return registry, nil
}

// storedToolCalls is the serialized shape of an assistant turn's calls
// or a tool turn's results.
type storedToolCalls struct {
	Calls   []llm.ToolCall   `json:"calls,omitempty"`
	Results []llm.ToolResult `json:"results,omitempty"`
}

func (e *Engine) saveAssistant(ctx context.Context, conversationID string, msg llm.Message) error {
	raw, err := json.Marshal(storedToolCalls{Calls: msg.ToolCalls})
	if err != nil {
		return errors.Wrapf(err, "could not serialize tool calls")
	}
	_, err = e.Conversations.SaveMessage(ctx, store.Message{
		ConversationID: conversationID, Role: "assistant", Content: msg.Content, ToolCalls: raw,
	})
	return err
}

func (e *Engine) saveResults(ctx context.Context, conversationID string, msg llm.Message) error {
	raw, err := json.Marshal(storedToolCalls{Results: msg.ToolResults})
	if err != nil {
		return errors.Wrapf(err, "could not serialize tool results")
	}
	_, err = e.Conversations.SaveMessage(ctx, store.Message{
		ConversationID: conversationID, Role: "tool", ToolCalls: raw,
	})
	return err
}

// historyMessages rebuilds the canonical message list from storage.
func (e *Engine) historyMessages(ctx context.Context, conversationID string) ([]llm.Message, error) {
	stored, err := e.Conversations.History(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		msg := llm.Message{Role: llm.Role(m.Role), Content: m.Content}
		if len(m.ToolCalls) > 0 {
			var tc storedToolCalls
			if err := json.Unmarshal(m.ToolCalls, &tc); err != nil {
				return nil, errors.Wrapf(err, "corrupt tool call record in conversation %s", conversationID)
			}
			msg.ToolCalls = tc.Calls
			msg.ToolResults = tc.Results
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func errorEvent(err error) Event {
	ev := event(EventError)
	ev.ErrorMessage = err.Error()
	var ee *errors.EngineError
	if errors.As(err, &ee) {
		ev.ErrorKind = string(ee.Kind)
		ev.ErrorHint = ee.Hint
		ev.ErrorMessage = ee.Message
	}
	return ev
}
