// Package api is the HTTP client for the tunnel service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/treykane/tunnel-cli/internal/security"
)

// ErrUnauthorized matches any 401 response.
var ErrUnauthorized = errors.New("invalid API key or authentication failed")

// APIError is a non-2xx response. Detail comes from the service's
// {"detail": ...} error body when present.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("request failed with HTTP %d", e.StatusCode)
	}
	return e.Detail
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client talks to the tunnel service with an API key.
type Client struct {
	BaseURL   string
	APIKey    string
	HTTP      *http.Client
	UserAgent string
}

// New returns a client for baseURL (e.g. https://tunnel.ovream.com/api/v1).
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		UserAgent: "tunnel-cli",
	}
}

// WithAPIKey returns a copy of c using key.
func (c *Client) WithAPIKey(key string) *Client {
	cp := *c
	cp.APIKey = key
	return &cp
}

type call struct {
	method string
	path   string
	query  any
	body   any
	// bearer switches auth from X-API-Key to an Authorization header.
	bearer string
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	url := c.BaseURL + cl.path
	if cl.query != nil {
		v, err := query.Values(cl.query)
		if err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		if enc := v.Encode(); enc != "" {
			url += "?" + enc
		}
	}

	var body io.Reader
	if cl.body != nil {
		b, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	switch {
	case cl.bearer != "":
		req.Header.Set("Authorization", "Bearer "+cl.bearer)
	case c.APIKey != "":
		req.Header.Set("X-API-Key", c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return security.Classify("could not reach the tunnel service at "+req.URL.Host, fmt.Errorf("%s %s: %w", cl.method, cl.path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", cl.path, err)
	}
	return nil
}

// parseDetail understands both {"detail": "msg"} and validation errors of
// the form {"detail": [{"msg": "..."}]}.
func parseDetail(raw []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(env.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return strings.Trim(string(env.Detail), `"`)
}
