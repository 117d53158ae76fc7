package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL: baseURL,
		Retries: 3,
		Timeout: time.Second,
		Backoff: time.Millisecond,
	}, slog.New(slog.DiscardHandler))
}

func TestCallTool_Success(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tools/search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"query":"REST"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":["api-guide.md"]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL+"/").CallTool(context.Background(), "search", map[string]string{"query": "REST"})
	require.NoError(t, err)

	var decoded map[string][]string
	require.NoError(t, json.Unmarshal(got, &decoded))
	assert.Equal(t, []string{"api-guide.md"}, decoded["results"])
}

func TestCallTool_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
	assert.EqualValues(t, 3, calls.Load())
}

func TestCallTool_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CallTool(context.Background(), "search", nil)
	require.ErrorIs(t, err, ErrToolFailed)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCallTool_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown tool", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CallTool(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrToolFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCallTool_RejectsBadToolName(t *testing.T) {
	t.Parallel()
	_, err := newTestClient("http://127.0.0.1:1").CallTool(context.Background(), "../admin", nil)
	require.ErrorIs(t, err, ErrToolFailed)
}

func TestCallTool_ContextCancelStopsRetrying(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 5, Timeout: time.Second, Backoff: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.CallTool(ctx, "search", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
