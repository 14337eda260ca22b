package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/idp-migrator/internal/api/openapi"
)

func TestRequestValidator(t *testing.T) {
	doc, err := openapi.Load(context.Background())
	if err != nil {
		t.Fatalf("openapi.Load() ошибка: %v", err)
	}
	validate, err := RequestValidator(doc)
	if err != nil {
		t.Fatalf("RequestValidator() ошибка: %v", err)
	}
	handler := validate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"запуск без параметров", http.MethodPost, "/api/v1/migrations", http.StatusNoContent},
		{"запуск dry-run по фазам", http.MethodPost, "/api/v1/migrations?dry_run=true&phase=groups&phase=users", http.StatusNoContent},
		{"неизвестная фаза", http.MethodPost, "/api/v1/migrations?phase=roles", http.StatusBadRequest},
		{"dry_run не bool", http.MethodPost, "/api/v1/migrations?dry_run=maybe", http.StatusBadRequest},
		{"список", http.MethodGet, "/api/v1/migrations?limit=10&offset=0&status=failed", http.StatusNoContent},
		{"limit вне диапазона", http.MethodGet, "/api/v1/migrations?limit=0", http.StatusBadRequest},
		{"limit слишком большой", http.MethodGet, "/api/v1/migrations?limit=5000", http.StatusBadRequest},
		{"неизвестный статус", http.MethodGet, "/api/v1/migrations?status=paused", http.StatusBadRequest},
		{"формат yaml", http.MethodGet, "/api/v1/migrations/6f1c2a44-9b0e-4c1a-8d55-0f3b7c1e2a90?format=yaml", http.StatusNoContent},
		{"неизвестный формат", http.MethodGet, "/api/v1/migrations/6f1c2a44-9b0e-4c1a-8d55-0f3b7c1e2a90?format=xml", http.StatusBadRequest},
		{"фильтр mappings", http.MethodGet, "/api/v1/migrations/6f1c2a44-9b0e-4c1a-8d55-0f3b7c1e2a90/mappings?kind=role", http.StatusBadRequest},
		{"путь вне контракта", http.MethodGet, "/unknown", http.StatusNoContent},
		{"метод вне контракта", http.MethodDelete, "/api/v1/migrations", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			if rec.Code != tt.want {
				t.Errorf("%s %s: статус %d, ожидается %d; тело: %s", tt.method, tt.target, rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest && !strings.Contains(rec.Body.String(), "VALIDATION_ERROR") {
				t.Errorf("тело ошибки = %s, ожидается код VALIDATION_ERROR", rec.Body.String())
			}
		})
	}
}
