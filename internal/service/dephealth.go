// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// IdP Migrator мониторит три зависимости:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical)
//   - Keycloak (source) — HTTP checker к странице realm (critical)
//   - Authentik (target) — HTTP checker к /-/health/live/ (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для IdP
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (IM_DEPHEALTH_GROUP)
	Group string
	// PostgresURL — URL PostgreSQL (для лейблов, не для подключения)
	PostgresURL string
	// KeycloakURL и KeycloakRealm — source IdP
	KeycloakURL   string
	KeycloakRealm string
	// AuthentikURL — target IdP
	AuthentikURL string
	// CheckInterval — интервал проверки (IM_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
	// TLSSkipVerify — не проверять сертификаты IdP (self-signed CA)
	TLSSkipVerify bool
	// Registerer — Prometheus registerer (nil — глобальный)
	Registerer prometheus.Registerer
}

// keycloakHealthPath — путь проверки Keycloak. Стандартный /health доступен
// только на management-порту, а страница realm подтверждает и доступность realm.
func keycloakHealthPath(realm string) string {
	return "/realms/" + realm
}

// authentikHealthPath — liveness endpoint Authentik.
const authentikHealthPath = "/-/health/live/"

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// db — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool().
func NewDephealthService(cfg DephealthConfig, db *sql.DB, logger *slog.Logger) (*DephealthService, error) {
	idp := func(name, rawURL, path string) dephealth.Option {
		return dephealth.HTTP(name,
			dephealth.FromURL(rawURL),
			dephealth.WithHTTPHealthPath(path),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
			dephealth.WithHTTPTLSSkipVerify(cfg.TLSSkipVerify),
		)
	}

	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(db)),
			dephealth.FromURL(cfg.PostgresURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		),
		idp("keycloak", cfg.KeycloakURL, keycloakHealthPath(cfg.KeycloakRealm)),
		idp("authentik", cfg.AuthentikURL, authentikHealthPath),
	}
	if cfg.Registerer != nil {
		opts = append(opts, dephealth.WithRegisterer(cfg.Registerer))
	}

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + Keycloak + Authentik)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей (имя → ok).
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
