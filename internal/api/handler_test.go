//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, "thread not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "thread not found" {
		t.Errorf("Expected error message, got %v", got)
	}
}

func TestHandleHealth(t *testing.T) {
	ok := HealthCheck{Name: "backup", Check: func(context.Context) error { return nil }}
	down := HealthCheck{Name: "workflow", Check: func(context.Context) error { return errors.New("connection refused") }}
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{"all healthy", []HealthCheck{ok}, http.StatusOK, "ok"},
		{"no checks", nil, http.StatusOK, "ok"},
		{"one failing", []HealthCheck{ok, down}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(logger, tt.checks...)
			w := httptest.NewRecorder()
			h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var got HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if got.Status != tt.wantBody {
				t.Errorf("Expected status %q, got %q", tt.wantBody, got.Status)
			}
			if len(got.Checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(got.Checks))
			}
		})
	}
}
