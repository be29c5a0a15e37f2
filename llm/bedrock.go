package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"pulpo/errors"
)

// BedrockProvider runs Anthropic models through AWS Bedrock. Requests
// use the raw InvokeModel JSON protocol, so the wire shape mirrors the
// Anthropic Messages API with the bedrock anthropic_version marker.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockProvider creates an adapter using the ambient AWS
// credential chain. region may be empty to use the chain's region.
func NewBedrockProvider(ctx context.Context, region, modelID string) (*BedrockProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// StreamWithTools invokes the model once and replays the completed turn
// as stream events. Bedrock's event-stream protocol is not worth its
// complexity here; consumers see the same event sequence either way.
func (b *BedrockProvider) StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)

		text, toolCalls, stopReason, err := b.invoke(ctx, req, req.Tools)
		if err != nil {
			out <- StreamEvent{Err: err}
			return
		}
		if text != "" {
			out <- StreamEvent{Type: StreamText, Delta: text}
		}
		for i := range toolCalls {
			out <- StreamEvent{Type: StreamToolCall, ToolCall: &toolCalls[i]}
		}
		out <- StreamEvent{Type: StreamDone, StopReason: stopReason}
	}()
	return out, nil
}

// Generate runs a turn without tools.
func (b *BedrockProvider) Generate(ctx context.Context, req Request) (string, error) {
	text, _, _, err := b.invoke(ctx, req, nil)
	return text, err
}

// GenerateStructured has no strict mode on the raw protocol; it
// instructs the model to answer with JSON only and extracts.
func (b *BedrockProvider) GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal output schema")
	}
	structured := req
	structured.System = req.System + fmt.Sprintf(
		"\n\nRespond with a single JSON value matching this schema and nothing else:\n%s", schemaBytes)

	text, genErr := b.Generate(ctx, structured)
	if genErr != nil {
		return nil, genErr
	}
	return extractJSON(text)
}

func (b *BedrockProvider) invoke(ctx context.Context, req Request, tools []ToolSchema) (string, []ToolCall, string, error) {
	body, err := b.buildRequestBody(req, tools)
	if err != nil {
		return "", nil, "", err
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		if strings.Contains(err.Error(), "AccessDenied") || strings.Contains(err.Error(), "UnrecognizedClient") {
			return "", nil, "", errors.ProviderAuth("bedrock", err)
		}
		if strings.Contains(err.Error(), "ThrottlingException") {
			return "", nil, "", errors.RateLimited(0, "bedrock throttled: %v", err)
		}
		return "", nil, "", errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return parseBedrockResponse(resp.Body)
}

func (b *BedrockProvider) buildRequestBody(req Request, tools []ToolSchema) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        req.maxTokens(),
		"messages":          bedrockMessages(req.Messages),
	}
	if req.System != "" {
		request["system"] = req.System
	}
	if req.Temperature > 0 {
		request["temperature"] = req.Temperature
	}
	if len(tools) > 0 {
		var toolDefs []map[string]any
		for _, t := range tools {
			toolDefs = append(toolDefs, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		request["tools"] = toolDefs
	}
	return json.Marshal(request)
}

// bedrockMessages renders canonical messages in the raw Anthropic wire
// shape: content block arrays, tool results in a user turn.
func bedrockMessages(messages []Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, p := range msg.Parts {
				if p.Text != "" {
					blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
				}
				if len(p.ImageData) > 0 {
					blocks = append(blocks, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": p.ImageMediaType,
							"data":       base64.StdEncoding.EncodeToString(p.ImageData),
						},
					})
				}
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "user", "content": blocks})
			}
		case RoleAssistant:
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Input,
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": blocks})
			}
		case RoleTool:
			var blocks []map[string]any
			for _, tr := range msg.ToolResults {
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": tr.ToolCallID,
					"content":     tr.Content,
					"is_error":    tr.IsError,
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "user", "content": blocks})
			}
		}
	}
	return out
}

func parseBedrockResponse(body []byte) (string, []ToolCall, string, error) {
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return "", nil, "", errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if errMsg, ok := response["error"]; ok {
		return "", nil, "", errors.New("Bedrock API error: %v", errMsg)
	}

	stopReason, _ := response["stop_reason"].(string)
	contentArray, _ := response["content"].([]any)

	var text strings.Builder
	var toolCalls []ToolCall
	for i, item := range contentArray {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if t, ok := block["text"].(string); ok {
				text.WriteString(t)
			}
		case "tool_use":
			name, _ := block["name"].(string)
			input, _ := block["input"].(map[string]any)
			id, _ := block["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, name)
			}
			if input == nil {
				input = map[string]any{}
			}
			toolCalls = append(toolCalls, ToolCall{ID: id, Name: name, Input: input})
		}
	}
	return text.String(), toolCalls, stopReason, nil
}
