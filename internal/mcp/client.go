// Package mcp calls tools exposed by an MCP tool server over HTTP.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 4 << 20

// ErrToolFailed wraps a non-retryable tool server response.
var ErrToolFailed = errors.New("tool call failed")

// StatusError is a non-2xx reply from the tool server.
type StatusError struct {
	Tool       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tool %s returned %d: %s", e.Tool, e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Config configures the client.
type Config struct {
	BaseURL string
	Retries int           // total attempts
	Timeout time.Duration // per attempt
	// Backoff is the base delay; attempt n waits Backoff * 2^n.
	Backoff time.Duration
}

// Client calls MCP tools.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{http: &http.Client{}, cfg: cfg, logger: logger}
}

// CallTool POSTs payload to {base}/tools/{tool} and decodes the JSON reply.
// Transport errors, 5xx and 429 are retried with exponential backoff.
func (c *Client) CallTool(ctx context.Context, tool string, payload any) (json.RawMessage, error) {
	if tool == "" || strings.ContainsAny(tool, "/?#") {
		return nil, fmt.Errorf("%w: invalid tool name %q", ErrToolFailed, tool)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool payload: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/tools/" + url.PathEscape(tool)

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff * time.Duration(1<<(attempt-1))
			c.logger.Debug("Retrying MCP tool call",
				"tool", tool,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.do(ctx, tool, endpoint, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.retryable() {
			return nil, fmt.Errorf("%w: %w", ErrToolFailed, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	c.logger.Warn("MCP tool call failed", "tool", tool, "attempts", c.cfg.Retries, "error", lastErr)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrToolFailed, c.cfg.Retries, lastErr)
}

func (c *Client) do(ctx context.Context, tool, endpoint string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read tool %s response: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Tool: tool, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: tool %s returned invalid JSON", ErrToolFailed, tool)
	}
	return json.RawMessage(data), nil
}
