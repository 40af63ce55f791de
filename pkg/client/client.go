// Package client is the typed HTTP client for the VectorNode API. One
// Client serves every screen: it owns the base URL, injects the session's
// bearer token, validates responses against the embedded API schemas and
// turns problem responses into *APIError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:5000"

// DefaultTimeout bounds each request unless the context ends sooner.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 16 << 20

// Client calls the VectorNode API.
type Client struct {
	baseURL     string
	http        *http.Client
	session     Session
	uploadLimit int
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the transport client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithSession sets the credential source.
func WithSession(s Session) Option {
	return func(c *Client) { c.session = s }
}

// WithUploadConcurrency bounds parallel photo uploads.
func WithUploadConcurrency(n int) Option {
	return func(c *Client) { c.uploadLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		http:        &http.Client{Timeout: DefaultTimeout},
		session:     NewMemorySession(),
		uploadLimit: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// BaseURL returns the API root in use.
func (c *Client) BaseURL() string { return c.baseURL }

// Session returns the credential source.
func (c *Client) Session() Session { return c.session }

// request is one API call.
type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	headers     map[string]string
	schema      string
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return bytes.NewReader(b), nil
}

// do sends req and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	hr, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, req.body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	hr.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		hr.Header.Set("Content-Type", req.contentType)
	}
	for k, v := range req.headers {
		hr.Header.Set(k, v)
	}
	if tok := c.session.State().Token; tok != "" {
		hr.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.DebugContext(ctx, "request failed", "method", req.method, "path", req.path, "error", err)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrConnection, err)
	}
	if resp.StatusCode >= 300 {
		return decodeProblem(resp.StatusCode, body)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := validate(req.schema, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func decodeProblem(status int, body []byte) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || (apiErr.Code == "" && apiErr.Detail == "") {
		apiErr = &APIError{Detail: strings.TrimSpace(string(body))}
		if apiErr.Detail == "" {
			apiErr.Detail = http.StatusText(status)
		}
	}
	apiErr.Status = status
	return apiErr
}
