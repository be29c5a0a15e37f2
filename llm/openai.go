package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"pulpo/errors"
)

// OpenAIProvider adapts the engine to the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an adapter for the given model.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.Configuration("provider keys", "openai API key not set")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: &c, model: model}, nil
}

// StreamWithTools streams a turn. Tool call argument fragments are
// accumulated by the SDK accumulator and each call is emitted whole
// once its arguments finish.
func (o *OpenAIProvider) StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := o.buildParams(req)
	out := make(chan StreamEvent, 64)

	go func() {
		defer close(out)

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		acc := openai.ChatCompletionAccumulator{}
		stopReason := ""

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.Delta.Content != "" {
					out <- StreamEvent{Type: StreamText, Delta: choice.Delta.Content}
				}
				if choice.FinishReason != "" {
					stopReason = choice.FinishReason
				}
			}

			if tc, ok := acc.JustFinishedToolCall(); ok {
				id := ""
				if len(acc.Choices) > 0 && tc.Index < len(acc.Choices[0].Message.ToolCalls) {
					id = acc.Choices[0].Message.ToolCalls[tc.Index].ID
				}
				if id == "" {
					id = fmt.Sprintf("call_%d", tc.Index)
				}
				out <- StreamEvent{Type: StreamToolCall, ToolCall: &ToolCall{
					ID:    id,
					Name:  tc.Name,
					Input: decodeToolInput(tc.Arguments),
				}}
			}
		}
		if err := stream.Err(); err != nil {
			out <- StreamEvent{Err: o.wrapErr(err)}
			return
		}
		out <- StreamEvent{Type: StreamDone, StopReason: stopReason}
	}()

	return out, nil
}

// Generate runs a non-streaming turn without tools.
func (o *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	params := o.buildParams(req)
	params.Tools = nil

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", o.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStructured uses json_schema strict mode, falling back to
// json_object mode plus extraction when strict mode is rejected.
func (o *OpenAIProvider) GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	params := o.buildParams(req)
	params.Tools = nil
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "structured_output",
				Schema: schema,
				Strict: openai.Bool(true),
			},
		},
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err == nil && len(resp.Choices) > 0 {
		content := resp.Choices[0].Message.Content
		if json.Valid([]byte(content)) {
			return json.RawMessage(content), nil
		}
	}

	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
	}
	resp, err = o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, o.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.SchemaValidation(nil, "empty completion from openai")
	}
	return extractJSON(resp.Choices[0].Message.Content)
}

func (o *OpenAIProvider) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = o.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertOpenAIMessages(req.System, req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.InputSchema),
		}))
	}
	return params
}

// convertOpenAIMessages renders canonical messages as chat messages:
// assistant tool calls as a tool_calls array, each tool result as its
// own tool-role message keyed by call id.
func convertOpenAIMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Input)
				if err != nil {
					continue
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case RoleTool:
			for _, tr := range msg.ToolResults {
				chatMessages = append(chatMessages, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		case RoleUser:
			if len(msg.Parts) == 0 {
				chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
				continue
			}
			var parts []openai.ChatCompletionContentPartUnionParam
			if msg.Content != "" {
				parts = append(parts, openai.TextContentPart(msg.Content))
			}
			for _, part := range msg.Parts {
				if part.Text != "" {
					parts = append(parts, openai.TextContentPart(part.Text))
				}
				if len(part.ImageData) > 0 {
					dataURL := fmt.Sprintf("data:%s;base64,%s", part.ImageMediaType,
						base64.StdEncoding.EncodeToString(part.ImageData))
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: dataURL,
					}))
				}
			}
			chatMessages = append(chatMessages, openai.UserMessage(parts))
		}
	}
	return chatMessages
}

func (o *OpenAIProvider) wrapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key") {
		return errors.ProviderAuth("openai", err)
	}
	if strings.Contains(msg, "429") {
		return errors.RateLimited(0, "openai rate limit: %v", err)
	}
	return errors.Wrapf(err, "openai request failed")
}
