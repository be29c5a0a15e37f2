package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"pulpo/errors"
)

// GeminiProvider adapts the engine to the Google Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates an adapter for the given model.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.Configuration("provider keys", "google API key not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// StreamWithTools streams a turn. Gemini delivers function calls as
// whole parts, never fragmented, and assigns no call ids; ids are
// synthesized here so results can be matched one-to-one downstream.
func (g *GeminiProvider) StreamWithTools(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := g.buildModel(req)
	model.Tools = convertGeminiTools(req.Tools)

	history, last := convertGeminiContents(req.Messages)
	if last == nil {
		return nil, errors.New("gemini request has no message to send")
	}

	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)

		cs := model.StartChat()
		cs.History = history
		iter := cs.SendMessageStream(ctx, last.Parts...)
		callSeq := 0

		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				out <- StreamEvent{Type: StreamDone}
				return
			}
			if err != nil {
				out <- StreamEvent{Err: g.wrapErr(err)}
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				switch v := part.(type) {
				case genai.Text:
					if v != "" {
						out <- StreamEvent{Type: StreamText, Delta: string(v)}
					}
				case genai.FunctionCall:
					callSeq++
					out <- StreamEvent{Type: StreamToolCall, ToolCall: &ToolCall{
						ID:    fmt.Sprintf("%s_%d", v.Name, callSeq),
						Name:  v.Name,
						Input: v.Args,
					}}
				}
			}
		}
	}()

	return out, nil
}

// Generate runs a non-streaming turn without tools.
func (g *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	model := g.buildModel(req)

	history, last := convertGeminiContents(req.Messages)
	if last == nil {
		return "", errors.New("gemini request has no message to send")
	}
	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", g.wrapErr(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// GenerateStructured sets a JSON response schema on the generation
// config; on failure it retries without the schema and extracts JSON
// from the text.
func (g *GeminiProvider) GenerateStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	model := g.buildModel(req)
	model.GenerationConfig.ResponseMIMEType = "application/json"
	model.GenerationConfig.ResponseSchema = convertGeminiSchema(schema)

	history, last := convertGeminiContents(req.Messages)
	if last == nil {
		return nil, errors.New("gemini request has no message to send")
	}
	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err == nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
		if json.Valid([]byte(text.String())) {
			return json.RawMessage(text.String()), nil
		}
	}

	text, genErr := g.Generate(ctx, req)
	if genErr != nil {
		return nil, genErr
	}
	return extractJSON(text)
}

func (g *GeminiProvider) buildModel(req Request) *genai.GenerativeModel {
	name := req.Model
	if name == "" {
		name = g.model
	}
	model := g.client.GenerativeModel(name)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	model.SetMaxOutputTokens(int32(req.maxTokens()))
	return model
}

// convertGeminiContents renders canonical messages as genai contents
// and splits off the final content, which SendMessage wants separately.
// Tool results become FunctionResponse parts in a user-role content.
func convertGeminiContents(messages []Message) (history []*genai.Content, last *genai.Content) {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, p := range msg.Parts {
				if p.Text != "" {
					parts = append(parts, genai.Text(p.Text))
				}
				if len(p.ImageData) > 0 {
					parts = append(parts, genai.Blob{MIMEType: p.ImageMediaType, Data: p.ImageData})
				}
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			}
		case RoleAssistant:
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Input})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case RoleTool:
			parts := []genai.Part{}
			for _, tr := range msg.ToolResults {
				parts = append(parts, genai.FunctionResponse{
					Name:     tr.Name,
					Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}
	if len(contents) == 0 {
		return nil, nil
	}
	return contents[:len(contents)-1], contents[len(contents)-1]
}

func convertGeminiTools(ts []ToolSchema) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertGeminiSchema(t.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// convertGeminiSchema maps a JSON schema object onto genai.Schema,
// which is a typed subset of JSON schema.
func convertGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{}
	switch schema["type"] {
	case "string":
		out.Type = genai.TypeString
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		if items, ok := schema["items"].(map[string]any); ok {
			out.Items = convertGeminiSchema(items)
		}
	default:
		out.Type = genai.TypeObject
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = map[string]*genai.Schema{}
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = convertGeminiSchema(pm)
			}
		}
	}
	_, required := schemaProperties(schema)
	out.Required = required
	return out
}

func (g *GeminiProvider) wrapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "API key") || strings.Contains(msg, "401") || strings.Contains(msg, "PERMISSION_DENIED") {
		return errors.ProviderAuth("gemini", err)
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return errors.RateLimited(0, "gemini rate limit: %v", err)
	}
	return errors.Wrapf(err, "gemini request failed")
}
