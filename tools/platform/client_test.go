package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pulpo/errors"
	"pulpo/tools"
)

type fakeCreds struct {
	token     string
	refreshes atomic.Int64
	countErr  error
}

func (f *fakeCreds) AccessToken(context.Context, string) (string, error) { return f.token, nil }

func (f *fakeCreds) Refresh(context.Context, string) (string, error) {
	f.refreshes.Add(1)
	f.token = "fresh"
	return f.token, nil
}

func (f *fakeCreds) CountRequest(context.Context, string, int, time.Duration) error {
	return f.countErr
}

func newTestClient(t *testing.T, baseURL string, creds CredentialService) (*Client, *[]time.Duration) {
	t.Helper()
	cfg, err := Lookup("mercadolibre")
	require.NoError(t, err)
	c := NewClient(cfg, "integ-1", creds)
	c.SetBaseURL(baseURL)
	var sleeps []time.Duration
	c.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	return c, &sleeps
}

func TestRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "/items/MLA1", r.URL.Path)
		w.Write([]byte(`{"id":"MLA1","title":"Botas"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	out, err := c.Request(context.Background(), "GET", "items/MLA1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "Botas", out["title"])
}

func TestRequestRefreshesOnceOn401(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale"}
	c, _ := newTestClient(t, srv.URL, creds)
	out, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
	require.EqualValues(t, 1, creds.refreshes.Load())
	require.EqualValues(t, 2, hits.Load())
}

func TestRequestSecond401IsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "stale"}
	c, _ := newTestClient(t, srv.URL, creds)
	_, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.Error(t, err)
	require.Equal(t, errors.ClassValidation, errors.ClassOf(err))
	require.EqualValues(t, 1, creds.refreshes.Load())
}

func TestRequestHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	_, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{7 * time.Second}, *sleeps)
}

func TestRequest429ExhaustionIsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	_, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.Error(t, err)
	require.Equal(t, errors.KindRateLimit, errors.KindOf(err))
}

func TestRequestBacksOffOn5xx(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	_, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.NoError(t, err)
	// Exponential: 1s then 2s.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestRequest4xxFailsImmediately(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"title is required"}`))
	}))
	defer srv.Close()

	c, sleeps := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	_, err := c.Request(context.Background(), "POST", "items", nil, map[string]any{})
	require.Error(t, err)
	require.Equal(t, errors.ClassValidation, errors.ClassOf(err))
	require.Contains(t, err.Error(), "title is required")
	require.EqualValues(t, 1, hits.Load())
	require.Empty(t, *sleeps)
}

func TestRequestLocalRateLimitShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the network")
	}))
	defer srv.Close()

	creds := &fakeCreds{token: "tok", countErr: errors.RateLimited(30*time.Second, "window full")}
	c, _ := newTestClient(t, srv.URL, creds)
	_, err := c.Request(context.Background(), "GET", "x", nil, nil)
	require.Error(t, err)
	require.Equal(t, errors.KindRateLimit, errors.KindOf(err))
}

func TestPublicSkipsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Equal(t, "zapatillas", r.URL.Query().Get("q"))
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, &fakeCreds{token: "tok"})
	out, err := c.Public(context.Background(), "GET", "sites/MLA/search", urlValues("q", "zapatillas"))
	require.NoError(t, err)
	require.Contains(t, out, "results")
}

func TestMercadoLibreSearchShapesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sites/MLA/search", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "zapatillas", q.Get("q"))
		require.Equal(t, "100-500", q.Get("price"))
		w.Write([]byte(`{
			"results": [
				{"id":"MLA1","title":"A","price":100,"condition":"new","seller":{"id":1,"nickname":"shop"}},
				{"id":"MLA2","title":"B","price":300,"condition":"used"},
				{"id":"MLA3","title":"C","price":500,"condition":"new"}
			],
			"paging": {"total": 3, "limit": 50, "offset": 0}
		}`))
	}))
	defer srv.Close()

	tool := newTestMercadoLibreTool(t, srv.URL)
	result := tool.Execute(context.Background(), map[string]any{
		"action": "search", "query": "zapatillas",
		"min_price": float64(100), "max_price": float64(500),
		"include_stats": true,
	})
	require.True(t, result.Success, result.Error)

	data := result.Data.(map[string]any)
	results := data["results"].([]map[string]any)
	require.Len(t, results, 3)
	require.Equal(t, "MLA1", results[0]["id"])

	stats := data["stats"].(map[string]any)
	require.Equal(t, 100.0, stats["min_price"])
	require.Equal(t, 500.0, stats["max_price"])
	require.Equal(t, 300.0, stats["avg_price"])
	byCondition := stats["by_condition"].(map[string]any)
	require.Contains(t, byCondition, "new")
	require.Contains(t, byCondition, "used")
}

func TestMercadoLibreUnknownAction(t *testing.T) {
	tool := newTestMercadoLibreTool(t, "http://unused.test")
	result := tool.Execute(context.Background(), map[string]any{"action": "explode"})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "unknown action")
}

func TestMercadoLibreAnswerQuestionValidation(t *testing.T) {
	tool := newTestMercadoLibreTool(t, "http://unused.test")
	result := tool.Execute(context.Background(), map[string]any{
		"action": "answer_question", "question_id": "q1",
	})
	require.False(t, result.Success)
	require.Contains(t, result.Error, "missing required fields")
}

func newTestMercadoLibreTool(t *testing.T, baseURL string) *MercadoLibreTool {
	t.Helper()
	cfg, err := Lookup("mercadolibre")
	require.NoError(t, err)
	integ := tools.Integration{
		ID: "integ-1", Name: "shop", Platform: "mercadolibre",
		Config: map[string]any{"site_id": "MLA", "user_id": "123"},
	}
	tool := NewMercadoLibreTool(cfg, tools.Definition{Kind: "platform", Platform: "mercadolibre"}, &integ, &fakeCreds{token: "tok"})
	tool.client.SetBaseURL(baseURL)
	return tool
}

func urlValues(pairs ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v
}
