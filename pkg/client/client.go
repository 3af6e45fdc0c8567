package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultAttempts   = 3
	backoffInitial    = 500 * time.Millisecond
	backoffMultiplier = 2
)

// Client publishes record-change events to a pulsefeed-server over HTTP.
// It is safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	header   string
	attempts int
	http     *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithKeyHeader changes the header the API key is sent in
// (default "x-api-key").
func WithKeyHeader(name string) Option {
	return func(c *Client) { c.header = name }
}

// WithAttempts sets how many times Publish tries before giving up
// (default 3). Transport errors and 5xx responses are retried with
// exponential backoff; 4xx responses are not.
func WithAttempts(n int) Option {
	return func(c *Client) { c.attempts = n }
}

// New creates a Client for the server at baseURL. apiKey may be empty
// when the server runs with ingest auth disabled.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		header:   "x-api-key",
		attempts: defaultAttempts,
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type eventBody struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Scope     string          `json:"scope,omitempty"`
}

// Publish emits one event. scope may be empty to reach all connected
// clients. data is carried through to subscribers unmodified.
func (c *Client) Publish(ctx context.Context, eventType string, data json.RawMessage, scope string) error {
	if eventType == "" {
		return fmt.Errorf("publish: event type is required")
	}

	body, err := json.Marshal(eventBody{EventType: eventType, Data: data, Scope: scope})
	if err != nil {
		return fmt.Errorf("publish: marshal body: %w", err)
	}

	wait := backoffInitial
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= backoffMultiplier
		}

		retryable, err := c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("publish: all %d attempts failed: %w", c.attempts, lastErr)
}

// post sends one request. The bool reports whether a failure is worth
// retrying.
func (c *Client) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/events", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("publish: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("publish: server returned HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("publish: server returned HTTP %d", resp.StatusCode)
	}
}
