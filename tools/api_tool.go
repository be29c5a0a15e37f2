package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"pulpo/errors"
	"pulpo/llm"
)

// TokenSource supplies OAuth access tokens for API tools. Satisfied by
// credentials.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, integrationID string) (string, error)
	Refresh(ctx context.Context, integrationID string) (string, error)
}

// APITool is the generic HTTP tool: a stored definition describing an
// endpoint, auth mode, input schema and response transform.
type APITool struct {
	def       Definition
	client    *http.Client
	tokens    TokenSource
	validator *InputValidator
	summarize Summarizer
	allowed   []string // endpoint glob allowlist, empty means unrestricted
}

// NewAPITool builds the tool and compiles its input schema. tokens may
// be nil for non-oauth auth modes; summarize may be nil, degrading the
// llm transform mode to full.
func NewAPITool(def Definition, tokens TokenSource, summarize Summarizer, allowedEndpoints []string) (*APITool, error) {
	if def.BaseURL == "" {
		return nil, errors.Configuration("tool endpoint", "api tool %q has no base URL", def.Name)
	}
	if def.Auth.Mode == "oauth" && tokens == nil {
		return nil, errors.Configuration("integration credentials", "api tool %q uses oauth but no credential manager is wired", def.Name)
	}
	validator, err := NewInputValidator(def.RequiredFields, def.InputSchema)
	if err != nil {
		return nil, errors.Configuration("tool input schema", "api tool %q: %v", def.Name, err)
	}
	timeout := 30 * time.Second
	if def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}
	return &APITool{
		def:       def,
		client:    &http.Client{Timeout: timeout},
		tokens:    tokens,
		validator: validator,
		summarize: summarize,
		allowed:   allowedEndpoints,
	}, nil
}

func (t *APITool) Name() string        { return t.def.Name }
func (t *APITool) Description() string { return t.def.Description }

func (t *APITool) Schema() llm.ToolSchema {
	schema := t.def.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSchema{Name: t.def.Name, Description: t.def.Description, InputSchema: schema}
}

// Execute validates, templates, authenticates and issues the request.
// Validation failures never reach the network.
func (t *APITool) Execute(ctx context.Context, input map[string]any) Result {
	if msg := t.validator.Validate(input); msg != "" {
		return Fail("%s", msg)
	}

	endpoint, remaining, err := t.buildURL(input)
	if err != nil {
		return Fail("%v", err)
	}
	if restricted, err := t.endpointRestricted(endpoint); err != nil {
		return Fail("%v", err)
	} else if restricted {
		return Fail("endpoint %s is not in the allowed endpoint list", endpoint)
	}

	resp, body, err := t.doRequest(ctx, endpoint, remaining)
	if err != nil {
		return Fail("%v", err)
	}

	// An expired or revoked token gets one refresh-and-retry.
	if resp.StatusCode == http.StatusUnauthorized && t.def.Auth.Mode == "oauth" {
		slog.InfoContext(ctx, "got 401, refreshing token", "tool", t.def.Name, "integration_id", t.def.Auth.IntegrationID)
		if _, refreshErr := t.tokens.Refresh(ctx, t.def.Auth.IntegrationID); refreshErr != nil {
			return Fail("authentication failed and token refresh failed: %v", refreshErr)
		}
		resp, body, err = t.doRequest(ctx, endpoint, remaining)
		if err != nil {
			return Fail("%v", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return t.failFromStatus(resp.StatusCode, body)
	}
	return OK(ApplyTransform(ctx, t.def.Transform, body, t.summarize))
}

// buildURL substitutes {param} placeholders in the path from the input
// and returns the input keys the template did not consume.
func (t *APITool) buildURL(input map[string]any) (string, map[string]any, error) {
	remaining := make(map[string]any, len(input))
	for k, v := range input {
		remaining[k] = v
	}

	path := t.def.Path
	for key, value := range input {
		placeholder := "{" + key + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprint(value)))
			delete(remaining, key)
		}
	}
	if start := strings.Index(path, "{"); start >= 0 {
		end := strings.Index(path[start:], "}")
		if end > 0 {
			return "", nil, fmt.Errorf("missing required fields: %s", path[start+1:start+end])
		}
	}
	return strings.TrimRight(t.def.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"), remaining, nil
}

func (t *APITool) endpointRestricted(endpoint string) (bool, error) {
	if len(t.allowed) == 0 {
		return false, nil
	}
	for _, pattern := range t.allowed {
		match, err := doublestar.Match(pattern, endpoint)
		if err != nil {
			return false, fmt.Errorf("invalid endpoint glob %q: %v", pattern, err)
		}
		if match {
			return false, nil
		}
	}
	return true, nil
}

func (t *APITool) doRequest(ctx context.Context, endpoint string, params map[string]any) (*http.Response, []byte, error) {
	method := strings.ToUpper(t.def.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	query := url.Values{}
	if method == http.MethodGet || method == http.MethodDelete {
		for k, v := range params {
			query.Set(k, fmt.Sprint(v))
		}
	} else if len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "build request")
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.def.Headers {
		req.Header.Set(k, v)
	}
	if err := t.applyAuth(ctx, req, query); err != nil {
		return nil, nil, err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, errors.ToolExecution(errors.ClassNetwork, err, "request to %s failed", endpoint)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, errors.ToolExecution(errors.ClassNetwork, err, "reading response from %s", endpoint)
	}
	return resp, body, nil
}

func (t *APITool) applyAuth(ctx context.Context, req *http.Request, query url.Values) error {
	auth := t.def.Auth
	switch auth.Mode {
	case "", "none":
	case "api-key":
		if auth.In == "query" {
			query.Set(auth.Key, auth.Value)
		} else {
			req.Header.Set(auth.Key, auth.Value)
		}
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "custom-headers":
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
	case "oauth":
		token, err := t.tokens.AccessToken(ctx, auth.IntegrationID)
		if err != nil {
			return errors.Wrapf(err, "obtain access token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	default:
		return errors.Configuration("tool auth", "unknown auth mode %q", auth.Mode)
	}
	return nil
}

func (t *APITool) failFromStatus(status int, body []byte) Result {
	detail := truncateBody(body, 500)
	switch {
	case status == http.StatusUnauthorized:
		return Fail("authentication failed (HTTP 401)")
	case status == http.StatusForbidden:
		return Fail("access denied (HTTP 403): %s", detail)
	case status == http.StatusBadRequest:
		return Fail("validation error (HTTP 400): %s", detail)
	case status == http.StatusTooManyRequests:
		return Fail("rate limit exceeded (HTTP 429), try again later")
	case status >= 500:
		return Fail("API server error (HTTP %d), try again later", status)
	default:
		return Fail("API error (HTTP %d): %s", status, detail)
	}
}

func truncateBody(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
