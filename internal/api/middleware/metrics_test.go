package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health/live", "/health/live"},
		{"/metrics", "/metrics"},
		{"/api/v1/migrations", "/api/v1/migrations"},
		{"/api/v1/source/snapshot", "/api/v1/source/snapshot"},
		{"/api/v1/migrations/6f1c2a44-9b0e-4c1a-8d55-0f3b7c1e2a90", "/api/v1/migrations/{id}"},
		{"/api/v1/migrations/6f1c2a44-9b0e-4c1a-8d55-0f3b7c1e2a90/cancel", "/api/v1/migrations/{id}/cancel"},
		{"/api/v1/migrations/abc/mappings", "/api/v1/migrations/{id}/mappings"},
		{"/api/v1/migrations/abc/unknown", "other"},
		{"/random/path", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.expected {
			t.Errorf("normalizePath(%q) = %q, ожидается %q", tt.path, got, tt.expected)
		}
	}
}

func TestMetricsMiddlewareKeepsStatus(t *testing.T) {
	handler := MetricsMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/migrations", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("ожидался статус 202, получен %d", rec.Code)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if buf.Len() != 0 {
		t.Errorf("probe-запрос залогирован на уровне INFO: %s", buf.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	out := buf.String()
	if !strings.Contains(out, `"level":"WARN"`) || !strings.Contains(out, `"status":404`) {
		t.Errorf("ожидалась WARN-запись со статусом 404, получено: %s", out)
	}
	if !strings.Contains(out, `"actor":"anonymous"`) {
		t.Errorf("ожидался actor=anonymous, получено: %s", out)
	}
}
