package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"pulpo/errors"
)

// AnthropicProvider adapts the engine to the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates an adapter for the given model.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.Configuration("provider keys", "anthropic API key not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: &client, model: model}, nil
}

// StreamWithTools streams a turn, accumulating tool input JSON across
// input_json_delta events and emitting each tool call whole on its
// content_block_stop.
func (p *AnthropicProvider) StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := p.buildParams(req)
	out := make(chan StreamEvent, 64)

	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		var current *ToolCall
		var inputJSON strings.Builder
		stopReason := ""

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					inputJSON.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						out <- StreamEvent{Type: StreamText, Delta: delta.Text}
					}
				case "input_json_delta":
					inputJSON.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if current != nil {
					current.Input = decodeToolInput(inputJSON.String())
					out <- StreamEvent{Type: StreamToolCall, ToolCall: current}
					current = nil
				}
			case "message_delta":
				if sr := string(event.AsMessageDelta().Delta.StopReason); sr != "" {
					stopReason = sr
				}
			case "message_stop":
				out <- StreamEvent{Type: StreamDone, StopReason: stopReason}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamEvent{Err: p.wrapErr(err)}
		}
	}()

	return out, nil
}

// Generate runs a non-streaming turn without tools.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (string, error) {
	params := p.buildParams(req)
	params.Tools = nil

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.wrapErr(err)
	}
	var text strings.Builder
	for _, content := range resp.Content {
		if block, ok := content.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// GenerateStructured forces the model through a single tool whose input
// schema is the requested shape; the tool input IS the structured
// output. Falls back to plain generation plus JSON extraction when the
// forced call yields nothing usable.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	params := p.buildParams(req)
	props, required := schemaProperties(schema)
	recordTool := anthropic.ToolParam{
		Name:        "record_output",
		Description: anthropic.String("Record the structured result of this request."),
		InputSchema: anthropic.ToolInputSchemaParam{Properties: props, Required: required},
	}
	params.Tools = []anthropic.ToolUnionParam{{OfTool: &recordTool}}
	params.ToolChoice = anthropic.ToolChoiceUnionParam{
		OfTool: &anthropic.ToolChoiceToolParam{Name: "record_output"},
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err == nil {
		for _, content := range resp.Content {
			if block, ok := content.AsAny().(anthropic.ToolUseBlock); ok {
				return json.RawMessage(block.Input), nil
			}
		}
	}

	text, genErr := p.Generate(ctx, req)
	if genErr != nil {
		return nil, genErr
	}
	return extractJSON(text)
}

func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.maxTokens()),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		props, required := schemaProperties(t.InputSchema)
		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: props, Required: required},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return params
}

// convertAnthropicMessages renders canonical messages as Anthropic
// content blocks. Tool results become tool_result blocks inside a user
// message, one block per call, in order.
func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, part := range msg.Parts {
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
				if len(part.ImageData) > 0 {
					encoded := base64.StdEncoding.EncodeToString(part.ImageData)
					blocks = append(blocks, anthropic.NewImageBlockBase64(part.ImageMediaType, encoded))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func (p *AnthropicProvider) wrapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "authentication") {
		return errors.ProviderAuth("anthropic", err)
	}
	if strings.Contains(msg, "429") {
		return errors.RateLimited(0, "anthropic rate limit: %v", err)
	}
	return errors.Wrapf(err, "anthropic request failed")
}

// decodeToolInput parses accumulated tool input JSON. Models emit no
// deltas at all for zero-argument tools, so empty means empty object.
func decodeToolInput(s string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(s), &input); err != nil {
		return map[string]any{}
	}
	return input
}
