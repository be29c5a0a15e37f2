package llm

import (
	"context"
	"encoding/json"
	"sync"

	"pulpo/errors"
)

// ScriptedTurn configures one model turn in a scripted sequence.
type ScriptedTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// ScriptedProvider is a deterministic provider for engine tests. Each
// stream call consumes the next scripted turn; requests are recorded
// so tests can assert on the messages the engine sent.
type ScriptedProvider struct {
	mu       sync.Mutex
	index    int
	turns    []ScriptedTurn
	Requests []Request
}

func NewScriptedProvider(turns ...ScriptedTurn) *ScriptedProvider {
	cloned := make([]ScriptedTurn, len(turns))
	copy(cloned, turns)
	return &ScriptedProvider{turns: cloned}
}

var _ Provider = (*ScriptedProvider)(nil)

func (s *ScriptedProvider) next(req Request) (ScriptedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.index >= len(s.turns) {
		return ScriptedTurn{}, errors.New("script exhausted at step %d", s.index+1)
	}
	turn := s.turns[s.index]
	s.index++
	return turn, nil
}

func (s *ScriptedProvider) StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	turn, err := s.next(req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, len(turn.ToolCalls)+2)
	go func() {
		defer close(out)
		if turn.Err != nil {
			out <- StreamEvent{Err: turn.Err}
			return
		}
		if turn.Text != "" {
			out <- StreamEvent{Type: StreamText, Delta: turn.Text}
		}
		for i := range turn.ToolCalls {
			tc := turn.ToolCalls[i]
			out <- StreamEvent{Type: StreamToolCall, ToolCall: &tc}
		}
		stopReason := "end_turn"
		if len(turn.ToolCalls) > 0 {
			stopReason = "tool_use"
		}
		out <- StreamEvent{Type: StreamDone, StopReason: stopReason}
	}()
	return out, nil
}

func (s *ScriptedProvider) Generate(ctx context.Context, req Request) (string, error) {
	turn, err := s.next(req)
	if err != nil {
		return "", err
	}
	if turn.Err != nil {
		return "", turn.Err
	}
	return turn.Text, nil
}

func (s *ScriptedProvider) GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	text, err := s.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return extractJSON(text)
}
