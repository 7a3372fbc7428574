package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrapRequestID(t *testing.T) {
	mux := http.NewServeMux()
	var seen string
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(testLogger(), "scheduler", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, rec.Header().Get("X-Request-Id"), seen)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "rid-123", rec.Header().Get("X-Request-Id"))
}

func TestWrapRecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "scheduler", mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["error"])
	assert.Equal(t, rec.Header().Get("X-Request-Id"), body["request_id"])
}

func TestWrapReplacesOversizedRequestID(t *testing.T) {
	h := Wrap(testLogger(), "scheduler", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-Id"), 36)
}

func TestWrapKeepsFlusher(t *testing.T) {
	var flushable bool
	h := Wrap(testLogger(), "scheduler", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(": ping\n\n"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/api/runs/1/logs/stream", nil))
	assert.True(t, flushable)
	assert.Equal(t, ": ping\n\n", rec.Body.String())
}

func TestReadyzWithChecks(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   int
		status string
	}{
		{name: "ok", code: http.StatusOK, status: "ready"},
		{name: "fail", err: errors.New("postgres down"), code: http.StatusServiceUnavailable, status: "not_ready"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("scheduler",
				ReadinessCheck{Name: "executor", Check: func(context.Context) error { return nil }},
				ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return tc.err }},
			)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))

			require.Equal(t, tc.code, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body["status"])
			checks, ok := body["checks"].([]any)
			require.True(t, ok)
			require.Len(t, checks, 2)
			assert.Equal(t, "executor", checks[0].(map[string]any)["name"])
		})
	}
}

func TestWriteError(t *testing.T) {
	h := Wrap(testLogger(), "scheduler", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusConflict, "sync_conflict", "a sync is already running")
	}))
	req := httptest.NewRequest(http.MethodPost, "http://example.test/api/sync", nil)
	req.Header.Set("X-Request-Id", "rid-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sync_conflict", body["error"])
	assert.Equal(t, "a sync is already running", body["detail"])
	assert.Equal(t, "rid-9", body["request_id"])
}
