// routes.go — регистрация маршрутов API в chi-роутере.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/rbac"
)

// RoleGuard возвращает middleware проверки роли; nil — без проверки
// (аутентификация отключена).
type RoleGuard func(role string) func(http.Handler) http.Handler

// HandlerFromMux регистрирует все маршруты API на роутере.
func HandlerFromMux(h *APIHandler, r chi.Router, guard RoleGuard) {
	with := func(role string) chi.Router {
		if guard == nil {
			return r.With()
		}
		return r.With(guard(role))
	}

	r.Get("/health/live", h.HealthLive)
	r.Get("/health/ready", h.HealthReady)
	r.Get("/metrics", h.GetMetrics)

	viewer := with(rbac.RoleViewer)
	operator := with(rbac.RoleOperator)

	operator.Post("/api/v1/migrations", h.StartMigration)
	viewer.Get("/api/v1/migrations", h.ListMigrations)
	viewer.Get("/api/v1/migrations/{id}", h.GetMigration)
	operator.Post("/api/v1/migrations/{id}/cancel", h.CancelMigration)
	viewer.Get("/api/v1/migrations/{id}/mappings", h.ListMigrationMappings)
	viewer.Get("/api/v1/source/snapshot", h.GetSourceSnapshot)
}
