// Package client calls the agent007 HTTP API. It backs the query and warm
// CLI commands and can be embedded by other Go services.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/gateway/httpapi"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
)

const (
	defaultTimeout = 10 * time.Minute
	maxEventBytes  = 64 << 20 // file events carry base64 payloads
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent007 returned %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Event is one server-sent event. Data holds the raw JSON payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Client talks to one agent007 server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default client, which has a 10 minute timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	var out httpapi.HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Warm asks the server to prepare a sandbox for a user.
func (c *Client) Warm(ctx context.Context, req httpapi.WarmRequest) (*httpapi.WarmResponse, error) {
	var out httpapi.WarmResponse
	if err := c.do(ctx, http.MethodPost, "/warm", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WarmStatus polls the state of a user's warm sandbox.
func (c *Client) WarmStatus(ctx context.Context, userID string) (*httpapi.WarmResponse, error) {
	var out httpapi.WarmResponse
	if err := c.do(ctx, http.MethodGet, "/warm/status/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Destroy removes a sandbox by ID.
func (c *Client) Destroy(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil)
}

// Run executes a request and waits for the final answer.
func (c *Client) Run(ctx context.Context, req *stream.Request) (*httpapi.RunResponse, error) {
	var out httpapi.RunResponse
	if err := c.do(ctx, http.MethodPost, "/run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunStream executes a request and calls fn for every event until the done
// event or the end of the stream. An error from fn stops reading.
func (c *Client) RunStream(ctx context.Context, req *stream.Request, fn func(Event) error) error {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/run/stream", req)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if err := fn(Event{Type: eventType, Data: json.RawMessage(data)}); err != nil {
				return err
			}
			if eventType == "done" {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// statusError prefers the JSON error field and falls back to the raw body.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body httpapi.ErrorBody
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
