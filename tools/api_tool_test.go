package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token     string
	refreshes atomic.Int64
}

func (f *fakeTokens) AccessToken(context.Context, string) (string, error) {
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context, string) (string, error) {
	f.refreshes.Add(1)
	f.token = "refreshed-token"
	return f.token, nil
}

func TestAPIToolPathTemplating(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tool, err := NewAPITool(Definition{
		Name: "get_order", Kind: "api", Method: "GET",
		BaseURL: srv.URL, Path: "/orders/{order_id}",
	}, nil, nil, nil)
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{
		"order_id": "ORD-9", "expand": "items",
	})
	require.True(t, result.Success)
	require.Equal(t, "/orders/ORD-9", gotPath)
	// Unconsumed input becomes query parameters on GET.
	require.Equal(t, "expand=items", gotQuery)
}

func TestAPIToolUnfilledPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the network")
	}))
	defer srv.Close()

	tool, err := NewAPITool(Definition{
		Name: "get_order", Kind: "api", BaseURL: srv.URL, Path: "/orders/{order_id}",
	}, nil, nil, nil)
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "missing required fields: order_id")
}

func TestAPIToolValidationBeforeNetwork(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tool, err := NewAPITool(Definition{
		Name: "create_item", Kind: "api", Method: "POST",
		BaseURL: srv.URL, Path: "/items",
		RequiredFields: []string{"title", "price"},
	}, nil, nil, nil)
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{"title": "Zapatillas"})
	require.False(t, result.Success)
	require.Equal(t, "missing required fields: price", result.Error)
	require.Zero(t, hits.Load())
}

func TestAPIToolAuthModes(t *testing.T) {
	var lastHeaders http.Header
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHeaders = r.Header.Clone()
		lastQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cases := []struct {
		name  string
		auth  AuthConfig
		check func(t *testing.T)
	}{
		{
			name: "api key header",
			auth: AuthConfig{Mode: "api-key", Key: "X-Api-Key", Value: "k123"},
			check: func(t *testing.T) {
				require.Equal(t, "k123", lastHeaders.Get("X-Api-Key"))
			},
		},
		{
			name: "api key query",
			auth: AuthConfig{Mode: "api-key", Key: "api_key", Value: "k123", In: "query"},
			check: func(t *testing.T) {
				require.Contains(t, lastQuery, "api_key=k123")
			},
		},
		{
			name: "bearer",
			auth: AuthConfig{Mode: "bearer", Token: "tok"},
			check: func(t *testing.T) {
				require.Equal(t, "Bearer tok", lastHeaders.Get("Authorization"))
			},
		},
		{
			name: "basic",
			auth: AuthConfig{Mode: "basic", Username: "u", Password: "p"},
			check: func(t *testing.T) {
				require.Contains(t, lastHeaders.Get("Authorization"), "Basic ")
			},
		},
		{
			name: "custom headers",
			auth: AuthConfig{Mode: "custom-headers", Headers: map[string]string{"X-Tenant": "acme"}},
			check: func(t *testing.T) {
				require.Equal(t, "acme", lastHeaders.Get("X-Tenant"))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tool, err := NewAPITool(Definition{
				Name: "ping", Kind: "api", BaseURL: srv.URL, Path: "/ping", Auth: tc.auth,
			}, nil, nil, nil)
			require.NoError(t, err)
			result := tool.Execute(context.Background(), map[string]any{})
			require.True(t, result.Success, result.Error)
			tc.check(t)
		})
	}
}

func TestAPIToolOAuthRefreshRetryOnce(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":"secret"}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{token: "stale-token"}
	tool, err := NewAPITool(Definition{
		Name: "fetch", Kind: "api", BaseURL: srv.URL, Path: "/data",
		Auth: AuthConfig{Mode: "oauth", IntegrationID: "integ-1"},
	}, tokens, nil, nil)
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{})
	require.True(t, result.Success, result.Error)
	require.EqualValues(t, 1, tokens.refreshes.Load())
	require.EqualValues(t, 2, requests.Load())

	// A second 401 after the refresh is terminal, not retried again.
	tokens.token = "stale-token"
	tokens.refreshes.Store(0)
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv2.Close()
	tool2, err := NewAPITool(Definition{
		Name: "fetch", Kind: "api", BaseURL: srv2.URL, Path: "/data",
		Auth: AuthConfig{Mode: "oauth", IntegrationID: "integ-1"},
	}, tokens, nil, nil)
	require.NoError(t, err)
	result = tool2.Execute(context.Background(), map[string]any{})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "authentication failed")
	require.EqualValues(t, 1, tokens.refreshes.Load())
}

func TestAPIToolEndpointAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tool, err := NewAPITool(Definition{
		Name: "fetch", Kind: "api", BaseURL: srv.URL, Path: "/data",
	}, nil, nil, []string{"https://api.example.com/**"})
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not in the allowed endpoint list")

	open, err := NewAPITool(Definition{
		Name: "fetch", Kind: "api", BaseURL: srv.URL, Path: "/data",
	}, nil, nil, []string{srv.URL + "/**"})
	require.NoError(t, err)
	result = open.Execute(context.Background(), map[string]any{})
	require.True(t, result.Success, result.Error)
}

func TestAPIToolStatusMapping(t *testing.T) {
	cases := []struct {
		status  int
		message string
	}{
		{http.StatusBadRequest, "validation error (HTTP 400)"},
		{http.StatusForbidden, "access denied (HTTP 403)"},
		{http.StatusTooManyRequests, "rate limit exceeded"},
		{http.StatusBadGateway, "API server error (HTTP 502)"},
		{http.StatusTeapot, "API error (HTTP 418)"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"message":"nope"}`))
		}))
		tool, err := NewAPITool(Definition{
			Name: "fetch", Kind: "api", BaseURL: srv.URL, Path: "/data",
		}, nil, nil, nil)
		require.NoError(t, err)
		result := tool.Execute(context.Background(), map[string]any{})
		require.False(t, result.Success)
		require.Contains(t, result.Error, tc.message)
		srv.Close()
	}
}

func TestAPIToolPostSendsJSONBody(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id":"new-1"}`))
	}))
	defer srv.Close()

	tool, err := NewAPITool(Definition{
		Name: "create", Kind: "api", Method: "POST", BaseURL: srv.URL, Path: "/items",
	}, nil, nil, nil)
	require.NoError(t, err)

	result := tool.Execute(context.Background(), map[string]any{"title": "Botas", "price": 100})
	require.True(t, result.Success)
	require.Equal(t, "Botas", gotBody["title"])
}
