package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pulpo/errors"
)

func TestApplyTransformExtract(t *testing.T) {
	body := []byte(`{"a":{"b":5},"items":[{"id":"x1"},{"id":"x2"}],"name":"thing"}`)
	out := ApplyTransform(context.Background(), TransformConfig{
		Mode: "extract",
		Mapping: map[string]string{
			"x":        "a.b",
			"first_id": "items.0.id",
			"missing":  "a.c.d",
		},
	}, body, nil)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 5, m["x"])
	require.Equal(t, "x1", m["first_id"])
	require.Contains(t, m, "missing")
	require.Nil(t, m["missing"])
}

func TestApplyTransformFull(t *testing.T) {
	out := ApplyTransform(context.Background(), TransformConfig{}, []byte(`{"ok":true}`), nil)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, m["ok"])

	// Non-JSON bodies pass through as text.
	out = ApplyTransform(context.Background(), TransformConfig{}, []byte("plain text"), nil)
	require.Equal(t, "plain text", out)
}

func TestApplyTransformLLM(t *testing.T) {
	summarize := func(_ context.Context, prompt string) (string, error) {
		require.Contains(t, prompt, "List the item names")
		require.Contains(t, prompt, `"name":"thing"`)
		return "One item: thing.", nil
	}
	out := ApplyTransform(context.Background(), TransformConfig{
		Mode: "llm", Prompt: "List the item names",
	}, []byte(`{"name":"thing"}`), summarize)
	require.Equal(t, "One item: thing.", out)
}

func TestApplyTransformLLMDegradesToFull(t *testing.T) {
	failing := func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	}
	body := []byte(`{"name":"thing"}`)

	out := ApplyTransform(context.Background(), TransformConfig{Mode: "llm"}, body, failing)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "thing", m["name"])

	// No summarizer wired at all behaves the same.
	out = ApplyTransform(context.Background(), TransformConfig{Mode: "llm"}, body, nil)
	_, ok = out.(map[string]any)
	require.True(t, ok)
}

func TestInputValidator(t *testing.T) {
	v, err := NewInputValidator([]string{"title", "price"}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"price": map[string]any{"type": "number", "minimum": 0},
		},
	})
	require.NoError(t, err)

	require.Equal(t, "", v.Validate(map[string]any{"title": "Botas", "price": 10}))
	require.Equal(t, "missing required fields: price", v.Validate(map[string]any{"title": "Botas"}))
	// Empty strings count as missing.
	require.Equal(t, "missing required fields: title, price", v.Validate(map[string]any{"title": ""}))
	require.Contains(t, v.Validate(map[string]any{"title": "Botas", "price": -1}), "does not match schema")
}

func TestInputValidatorNoSchema(t *testing.T) {
	v, err := NewInputValidator(nil, nil)
	require.NoError(t, err)
	require.Equal(t, "", v.Validate(map[string]any{"anything": "goes"}))
}

func TestRegistryOrderAndDuplicates(t *testing.T) {
	r := NewRegistry()
	a, err := NewAPITool(Definition{Name: "alpha", Kind: "api", BaseURL: "https://x.test"}, nil, nil, nil)
	require.NoError(t, err)
	b, err := NewAPITool(Definition{Name: "beta", Kind: "api", BaseURL: "https://x.test"}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.Error(t, r.Register(a))
	require.Equal(t, []string{"alpha", "beta"}, r.Names())
	require.Equal(t, 2, r.Len())

	_, ok := r.Get("alpha")
	require.True(t, ok)
	_, ok = r.Get("ghost")
	require.False(t, ok)
}
