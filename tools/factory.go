package tools

import (
	"context"

	"pulpo/errors"
	"pulpo/llm"
)

// Factory builds executable tools from stored definitions.
type Factory struct {
	Tokens TokenSource
	Store  BuiltinStore
	// NewProvider builds a provider for sub-LLM tools and llm-mode
	// transforms.
	NewProvider func(ctx context.Context, provider, model string) (llm.Provider, error)
	// NewPlatformTool is wired by the caller to avoid depending on the
	// platform package from here.
	NewPlatformTool  func(ctx context.Context, def Definition, integ *Integration) (Tool, error)
	AllowedEndpoints []string
}

// Build constructs the tool for a definition. integ is the integration
// backing the tool, nil when the definition stands alone.
func (f *Factory) Build(ctx context.Context, def Definition, integ *Integration) (Tool, error) {
	switch def.Kind {
	case "api":
		if def.BaseURL == "" && integ != nil {
			def.BaseURL = integ.BaseURL
		}
		summarize, err := f.summarizer(ctx, def)
		if err != nil {
			return nil, err
		}
		return NewAPITool(def, f.Tokens, summarize, f.AllowedEndpoints)
	case "llm":
		if f.NewProvider == nil {
			return nil, errors.Configuration("provider keys", "llm tool %q needs a provider factory", def.Name)
		}
		provider, err := f.NewProvider(ctx, def.Provider, def.Model)
		if err != nil {
			return nil, err
		}
		return NewLLMTool(def, provider), nil
	case "builtin":
		if f.Store == nil {
			return nil, errors.Configuration("storage", "builtin tool %q needs a store", def.Name)
		}
		return NewBuiltinTool(def, f.Store), nil
	case "platform":
		if f.NewPlatformTool == nil {
			return nil, errors.Configuration("platform tools", "platform tool %q is not wired", def.Name)
		}
		return f.NewPlatformTool(ctx, def, integ)
	default:
		return nil, errors.Configuration("tool definition", "unknown tool kind %q for tool %q", def.Kind, def.Name)
	}
}

func (f *Factory) summarizer(ctx context.Context, def Definition) (Summarizer, error) {
	if def.Transform.Mode != "llm" || f.NewProvider == nil {
		return nil, nil
	}
	provider, err := f.NewProvider(ctx, def.Provider, def.Model)
	if err != nil {
		return nil, err
	}
	return SummarizeWith(provider, def.Model), nil
}
