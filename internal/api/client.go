// Package api wraps the MemoLedger REST backend. Every call goes through
// Client.Request, which attaches the bearer token and normalizes failures
// into *Error.
package api

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

	"github.com/google/uuid"
)

const (
	DefaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// TokenSource supplies the bearer token for outgoing requests.
type TokenSource interface {
	Token() string
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	metrics *Metrics
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every request; zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request calls endpoint (relative to the base URL) and decodes the JSON
// response into out when out is non-nil. For GET the payload must be
// url.Values and becomes the query string; other methods send it as a JSON
// body.
func (c *Client) Request(ctx context.Context, endpoint string, payload any, method string, out any) error {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, endpoint, payload, method)
	if err != nil {
		return err
	}
	requestID := req.Header.Get("X-Request-ID")
	slog.Debug("api call", "endpoint", endpoint, "method", method, "payload", payload, "request_id", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(method, endpoint, 0, time.Since(start))
		slog.Error("api error", "endpoint", endpoint, "method", method, "request_id", requestID, "err", err)
		return networkError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.observe(method, endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return networkError(err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := statusError(resp.StatusCode, body)
		slog.Error("api error", "endpoint", endpoint, "method", method, "request_id", requestID, "status", resp.StatusCode, "messages", apiErr.Messages)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, endpoint string, payload any, method string) (*http.Request, error) {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	var body io.Reader
	if method == http.MethodGet {
		if payload != nil {
			query, ok := payload.(url.Values)
			if !ok {
				return nil, fmt.Errorf("GET %s: payload must be url.Values, got %T", endpoint, payload)
			}
			if encoded := query.Encode(); encoded != "" {
				target += "?" + encoded
			}
		}
	} else if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}
