package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"pulpo/llm"
)

// Summarizer condenses a raw response for the model. Implemented by
// llm.Provider via SummarizeWith.
type Summarizer func(ctx context.Context, prompt string) (string, error)

// SummarizeWith adapts a provider's plain generation into a Summarizer.
func SummarizeWith(provider llm.Provider, model string) Summarizer {
	return func(ctx context.Context, prompt string) (string, error) {
		return provider.Generate(ctx, llm.Request{
			Model:    model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		})
	}
}

// ApplyTransform shapes a raw JSON response per the transform config.
//
// full returns the decoded response as-is. extract maps output keys to
// JSON paths, yielding null for paths the response does not contain.
// llm summarizes the response with the configured instructions,
// degrading to full when no summarizer is available or it fails.
func ApplyTransform(ctx context.Context, cfg TransformConfig, body []byte, summarize Summarizer) any {
	switch cfg.Mode {
	case "extract":
		out := make(map[string]any, len(cfg.Mapping))
		for key, path := range cfg.Mapping {
			res := gjson.GetBytes(body, path)
			if !res.Exists() {
				out[key] = nil
				continue
			}
			out[key] = res.Value()
		}
		return out
	case "llm":
		if summarize != nil {
			prompt := fmt.Sprintf("%s\n\nAPI response:\n%s", cfg.Prompt, body)
			if summary, err := summarize(ctx, prompt); err == nil && summary != "" {
				return summary
			}
		}
		return decodeBody(body)
	default: // full
		return decodeBody(body)
	}
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}
