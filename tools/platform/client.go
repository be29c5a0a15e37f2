package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pulpo/errors"
)

// CredentialService is the slice of the credential manager the platform
// client needs. Satisfied by credentials.Manager.
type CredentialService interface {
	AccessToken(ctx context.Context, integrationID string) (string, error)
	Refresh(ctx context.Context, integrationID string) (string, error)
	CountRequest(ctx context.Context, integrationID string, limit int, window time.Duration) error
}

const defaultMaxRetries = 3

// Client issues platform API requests with the shared failure policy:
// a 401 gets one locked refresh and retry, 429 waits out Retry-After,
// 5xx and network errors back off exponentially, and remaining 4xx
// fail immediately with the response detail.
type Client struct {
	http          *http.Client
	creds         CredentialService
	cfg           Config
	integrationID string
	maxRetries    int

	// test hook
	sleep func(time.Duration)
}

func NewClient(cfg Config, integrationID string, creds CredentialService) *Client {
	return &Client{
		http:          &http.Client{Timeout: 30 * time.Second},
		creds:         creds,
		cfg:           cfg,
		integrationID: integrationID,
		maxRetries:    defaultMaxRetries,
		sleep:         time.Sleep,
	}
}

// Request issues an authenticated request and decodes the JSON reply.
func (c *Client) Request(ctx context.Context, method, endpoint string, query url.Values, body any) (map[string]any, error) {
	if err := c.creds.CountRequest(ctx, c.integrationID, c.cfg.RateLimit, c.cfg.RateWindow); err != nil {
		return nil, err
	}
	token, err := c.creds.AccessToken(ctx, c.integrationID)
	if err != nil {
		return nil, err
	}

	fullURL := c.buildURL(endpoint, query)
	refreshed := false

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		status, header, respBody, err := c.do(ctx, method, fullURL, token, body)
		if err != nil {
			if attempt < c.maxRetries-1 {
				backoff := time.Duration(1<<attempt) * time.Second
				slog.WarnContext(ctx, "platform request error, retrying",
					"platform", c.cfg.ID, "attempt", attempt+1, "backoff", backoff, "error", err)
				c.sleep(backoff)
				continue
			}
			return nil, errors.ToolExecution(errors.ClassNetwork, err, "network error: unable to reach %s", c.cfg.BaseURL)
		}

		switch {
		case status >= 200 && status < 300:
			return decodeJSON(respBody), nil

		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, errors.ToolExecution(errors.ClassValidation, nil, "authentication failed after token refresh")
			}
			slog.InfoContext(ctx, "got 401, refreshing token", "platform", c.cfg.ID, "integration_id", c.integrationID)
			token, err = c.creds.Refresh(ctx, c.integrationID)
			if err != nil {
				return nil, err
			}
			refreshed = true
			// The refreshed request replaces this attempt.
			attempt--

		case status == http.StatusTooManyRequests:
			if attempt < c.maxRetries-1 {
				wait := retryAfter(header)
				slog.WarnContext(ctx, "rate limited, waiting", "platform", c.cfg.ID, "wait", wait)
				c.sleep(wait)
				continue
			}
			return nil, errors.RateLimited(0, "rate limit exceeded (HTTP 429), try again later")

		case status >= 500:
			if attempt < c.maxRetries-1 {
				backoff := time.Duration(1<<attempt) * time.Second
				slog.WarnContext(ctx, "server error, retrying",
					"platform", c.cfg.ID, "status", status, "attempt", attempt+1, "backoff", backoff)
				c.sleep(backoff)
				continue
			}
			return nil, errors.ToolExecution(errors.ClassTransient, nil, "API server error (HTTP %d), try again later", status)

		case status == http.StatusBadRequest:
			return nil, errors.ToolExecution(errors.ClassValidation, nil, "validation error (HTTP 400): %s", errorDetail(respBody))

		case status == http.StatusForbidden:
			return nil, errors.ToolExecution(errors.ClassValidation, nil, "access denied (HTTP 403): %s", errorDetail(respBody))

		default:
			return nil, errors.ToolExecution(errors.ClassValidation, nil, "API error (HTTP %d)", status)
		}
	}
	return nil, errors.ToolExecution(errors.ClassTransient, nil, "request to %s exhausted retries", c.cfg.ID)
}

// Public issues an unauthenticated request against a public endpoint.
func (c *Client) Public(ctx context.Context, method, endpoint string, query url.Values) (map[string]any, error) {
	status, _, body, err := c.do(ctx, method, c.buildURL(endpoint, query), "", nil)
	if err != nil {
		return nil, errors.ToolExecution(errors.ClassNetwork, err, "network error: unable to reach %s", c.cfg.BaseURL)
	}
	if status < 200 || status >= 300 {
		return nil, errors.ToolExecution(errors.ClassTransient, nil, "API error (HTTP %d): %s", status, errorDetail(body))
	}
	return decodeJSON(body), nil
}

func (c *Client) buildURL(endpoint string, query url.Values) string {
	full := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full
}

func (c *Client) do(ctx context.Context, method, fullURL, token string, body any) (int, http.Header, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), fullURL, reqBody)
	if err != nil {
		return 0, nil, nil, err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

// SetBaseURL overrides the platform base URL. Used in tests.
func (c *Client) SetBaseURL(u string) { c.cfg.BaseURL = u }

// decodeJSON decodes a response body. Array replies (category
// listings) are wrapped under "results" so callers always get a map.
func decodeJSON(body []byte) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err == nil {
		return out
	}
	var arr []any
	if err := json.Unmarshal(body, &arr); err == nil {
		return map[string]any{"results": arr}
	}
	return map[string]any{}
}

// errorDetail pulls the most useful message out of an error body.
func errorDetail(body []byte) string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err == nil {
		if msg, ok := decoded["message"].(string); ok && msg != "" {
			return msg
		}
		if msg, ok := decoded["error"].(string); ok && msg != "" {
			return msg
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// retryAfter reads the Retry-After header, defaulting to 60 seconds.
func retryAfter(header http.Header) time.Duration {
	if n, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return 60 * time.Second
}
