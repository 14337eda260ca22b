// handler.go — основной обработчик API IdP Migrator.
// Делегирует запросы в сервис запусков миграции; параметры пути и query
// разбираются binder'ами oapi-codegen runtime по стилям OpenAPI контракта.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/oapi-codegen/runtime"
	"gopkg.in/yaml.v3"

	apierrors "github.com/bigkaa/goartstore/idp-migrator/internal/api/errors"
	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/repository"
	"github.com/bigkaa/goartstore/idp-migrator/internal/service"
)

// MigrationService — операции сервиса запусков, используемые API
// (реализуется *service.MigrationService).
type MigrationService interface {
	Start(ctx context.Context, req service.StartRequest) (*model.MigrationRun, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.MigrationRun, error)
	List(ctx context.Context, filters repository.RunListFilters, limit, offset int) ([]*model.MigrationRun, int, error)
	Mappings(ctx context.Context, id string, kind *model.EntityKind) ([]model.MappingEntry, error)
	Snapshot(ctx context.Context) (*model.SourceSnapshot, error)
}

// APIHandler — обработчик API IdP Migrator.
type APIHandler struct {
	health     *HealthHandler
	migrations MigrationService
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, migrations MigrationService, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:     health,
		migrations: migrations,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeYAML записывает YAML-ответ.
func writeYAML(w http.ResponseWriter, status int, data any) {
	out, err := yaml.Marshal(data)
	if err != nil {
		apierrors.InternalError(w, "Ошибка сериализации YAML: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

// writeFormatted выбирает JSON или YAML по параметру format.
func writeFormatted(w http.ResponseWriter, format *string, data any) {
	if format != nil && *format == "yaml" {
		writeYAML(w, http.StatusOK, data)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// bindQuery разбирает необязательный query-параметр (style=form, explode=true).
func bindQuery(r *http.Request, name string, dest any) error {
	return runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), dest)
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = min(max(*limit, 1), 1000)
	}
	if offset != nil {
		o = max(*offset, 0)
	}

	return l, o
}
