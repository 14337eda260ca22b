// migrations.go — обработчики /api/v1/migrations endpoints.
// Запуск и отмена миграции (operator), история запусков, отчёт и
// таблица соответствий (viewer).
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/goartstore/idp-migrator/internal/api/errors"
	"github.com/bigkaa/goartstore/idp-migrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
	"github.com/bigkaa/goartstore/idp-migrator/internal/repository"
	"github.com/bigkaa/goartstore/idp-migrator/internal/service"
)

// runResponse — запуск миграции в ответах API.
type runResponse struct {
	ID         string                 `json:"id" yaml:"id"`
	DryRun     bool                   `json:"dry_run" yaml:"dry_run"`
	Phase      model.Phase            `json:"phase" yaml:"phase"`
	Status     model.RunStatus        `json:"status" yaml:"status"`
	StartedAt  time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      *string                `json:"error,omitempty" yaml:"error,omitempty"`
	Summary    model.ReportSummary    `json:"summary" yaml:"summary"`
	Report     *model.MigrationReport `json:"report,omitempty" yaml:"report,omitempty"`
}

type runListResponse struct {
	Items   []runResponse `json:"items"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

type startResponse struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type cancelResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type mappingListResponse struct {
	Items []model.MappingEntry `json:"items"`
}

// StartMigration — POST /api/v1/migrations.
// Запускает миграцию асинхронно. 202 + run_id; 409, если запуск уже идёт.
func (h *APIHandler) StartMigration(w http.ResponseWriter, r *http.Request) {
	var dryRun *bool
	if err := bindQuery(r, "dry_run", &dryRun); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр dry_run: "+err.Error())
		return
	}
	var phaseNames *[]string
	if err := bindQuery(r, "phase", &phaseNames); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр phase: "+err.Error())
		return
	}

	var names []string
	if phaseNames != nil {
		names = *phaseNames
	}
	phases, err := service.ParsePhases(names)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка запуска миграции")
		return
	}

	run, err := h.migrations.Start(r.Context(), service.StartRequest{DryRun: dryRun, Phases: phases})
	if err != nil {
		h.writeServiceError(w, err, "Ошибка запуска миграции")
		return
	}

	h.logger.Info("Запуск миграции принят",
		slog.String("run_id", run.ID),
		slog.Bool("dry_run", run.DryRun),
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, startResponse{RunID: run.ID, Status: run.Status})
}

// ListMigrations — GET /api/v1/migrations.
// История запусков, новые первыми. Отчёты в список не входят.
func (h *APIHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	var limitParam, offsetParam *int
	var statusParam *string
	var dryRun *bool
	for name, dest := range map[string]any{
		"limit":   &limitParam,
		"offset":  &offsetParam,
		"status":  &statusParam,
		"dry_run": &dryRun,
	} {
		if err := bindQuery(r, name, dest); err != nil {
			apierrors.ValidationError(w, "Некорректный параметр "+name+": "+err.Error())
			return
		}
	}

	limit, offset := paginationDefaults(limitParam, offsetParam)

	filters := repository.RunListFilters{DryRun: dryRun}
	if statusParam != nil {
		status := model.RunStatus(*statusParam)
		filters.Status = &status
	}

	runs, total, err := h.migrations.List(r.Context(), filters, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения списка запусков")
		return
	}

	items := make([]runResponse, len(runs))
	for i, run := range runs {
		items[i] = mapRun(run, false)
	}

	writeJSON(w, http.StatusOK, runListResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// GetMigration — GET /api/v1/migrations/{id}.
// Для активного запуска — «живой» частичный отчёт, для завершённого — сохранённый.
func (h *APIHandler) GetMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := bindRunID(w, r)
	if !ok {
		return
	}
	var format *string
	if err := bindQuery(r, "format", &format); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр format: "+err.Error())
		return
	}

	run, err := h.migrations.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения запуска")
		return
	}

	writeFormatted(w, format, mapRun(run, true))
}

// CancelMigration — POST /api/v1/migrations/{id}/cancel.
// Отмена асинхронная: запуск завершится со статусом cancelled.
func (h *APIHandler) CancelMigration(w http.ResponseWriter, r *http.Request) {
	id, ok := bindRunID(w, r)
	if !ok {
		return
	}

	if err := h.migrations.Cancel(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "Ошибка отмены запуска")
		return
	}

	h.logger.Info("Запрошена отмена запуска",
		slog.String("run_id", id),
		slog.String("actor", middleware.ActorFromContext(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, cancelResponse{RunID: id, Status: "cancelling"})
}

// ListMigrationMappings — GET /api/v1/migrations/{id}/mappings.
func (h *APIHandler) ListMigrationMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := bindRunID(w, r)
	if !ok {
		return
	}
	var kindParam *string
	if err := bindQuery(r, "kind", &kindParam); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр kind: "+err.Error())
		return
	}

	var kind *model.EntityKind
	if kindParam != nil {
		k := model.EntityKind(*kindParam)
		if k != model.KindGroup && k != model.KindUser {
			apierrors.ValidationError(w, "Параметр kind: допустимые значения group, user")
			return
		}
		kind = &k
	}

	entries, err := h.migrations.Mappings(r.Context(), id, kind)
	if err != nil {
		h.writeServiceError(w, err, "Ошибка получения таблицы соответствий")
		return
	}
	if entries == nil {
		entries = []model.MappingEntry{}
	}
	writeJSON(w, http.StatusOK, mappingListResponse{Items: entries})
}

// bindRunID разбирает {id} как UUID. При ошибке пишет 400 и возвращает ok=false.
func bindRunID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный ID запуска: "+err.Error())
		return "", false
	}
	return id.String(), true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrRunInProgress):
		apierrors.RunInProgress(w, err.Error())
	case errors.Is(err, service.ErrRunNotActive):
		apierrors.RunNotActive(w, err.Error())
	case errors.Is(err, idp.ErrSourceUnavailable):
		apierrors.SourceUnavailable(w, err.Error())
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		apierrors.InternalError(w, msg)
	}
}

// mapRun конвертирует запись запуска в ответ API.
func mapRun(run *model.MigrationRun, withReport bool) runResponse {
	resp := runResponse{
		ID:         run.ID,
		DryRun:     run.DryRun,
		Phase:      run.Phase,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Error:      run.Error,
		Summary:    run.Summary,
	}
	if withReport {
		resp.Report = run.Report
	}
	return resp
}
