// Точка входа IdP Migrator — сервис миграции пользователей и групп
// из Keycloak в Authentik.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт клиенты Keycloak и Authentik, оркестратор и сервис запусков,
// запускает topologymetrics и HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/goartstore/idp-migrator/internal/api/handlers"
	"github.com/bigkaa/goartstore/idp-migrator/internal/api/middleware"
	"github.com/bigkaa/goartstore/idp-migrator/internal/api/openapi"
	"github.com/bigkaa/goartstore/idp-migrator/internal/authentik"
	"github.com/bigkaa/goartstore/idp-migrator/internal/config"
	"github.com/bigkaa/goartstore/idp-migrator/internal/database"
	"github.com/bigkaa/goartstore/idp-migrator/internal/keycloak"
	"github.com/bigkaa/goartstore/idp-migrator/internal/migration"
	"github.com/bigkaa/goartstore/idp-migrator/internal/repository"
	"github.com/bigkaa/goartstore/idp-migrator/internal/server"
	"github.com/bigkaa/goartstore/idp-migrator/internal/service"
	"github.com/bigkaa/goartstore/idp-migrator/internal/transport"
)

const (
	// httpTimeout — таймаут одного HTTP-запроса к IdP
	httpTimeout = 30 * time.Second
	// jwksRefreshInterval — период обновления ключей JWKS
	jwksRefreshInterval = 10 * time.Minute
	// jwtLeeway — допустимое расхождение часов при проверке токенов
	jwtLeeway = 30 * time.Second
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("IdP Migrator запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Bool("dry_run_default", cfg.DryRunDefault),
		slog.Int("workers", cfg.Workers),
	)

	if os.Getenv("IM_DEPHEALTH_GROUP") == "" {
		logger.Warn("IM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. HTTP-клиент (кастомный CA для Keycloak и Authentik) и политика повторов
	httpClient, err := transport.NewHTTPClient(cfg.CACertPath, httpTimeout)
	if err != nil {
		logger.Error("Ошибка загрузки CA-сертификата",
			slog.String("path", cfg.CACertPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if cfg.CACertPath != "" {
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}
	retrier := transport.NewRetrier(transport.RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Delay:    cfg.RetryDelay,
		MaxDelay: cfg.RetryMaxDelay,
	}, nil, logger)

	// 6. Клиенты source (Keycloak) и target (Authentik)
	kcClient := keycloak.New(keycloak.Config{
		BaseURL:      cfg.KeycloakURL,
		Realm:        cfg.KeycloakRealm,
		AuthRealm:    cfg.KeycloakAuthRealm,
		ClientID:     cfg.KeycloakClientID,
		ClientSecret: cfg.KeycloakClientSecret,
		Username:     cfg.KeycloakUsername,
		Password:     cfg.KeycloakPassword,
		PageSize:     cfg.KeycloakPageSize,
	}, httpClient, retrier, logger)
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.KeycloakRealm),
	)

	akClient := authentik.New(cfg.AuthentikURL, cfg.AuthentikToken,
		authentik.Options{UserPath: cfg.AuthentikUserPath},
		httpClient, retrier, logger,
	)
	logger.Info("Authentik клиент создан", slog.String("url", cfg.AuthentikURL))

	// 7. Преобразование и оркестратор
	renames, err := migration.ParseAttributeRenames(cfg.AttributeRenames)
	if err != nil {
		logger.Error("Некорректные переименования атрибутов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	transformer := migration.NewTransformer(migration.TransformConfig{
		DefaultPassword:  cfg.DefaultPassword,
		AttributeRenames: renames,
		TagRoles:         cfg.MigrateRoleTags,
	})
	orchestrator := migration.NewOrchestrator(kcClient, akClient, transformer,
		migration.Options{Workers: cfg.Workers}, logger)

	// 8. Хранилище запусков и сервис миграции
	store := repository.NewStore(pool)
	migrationSvc := service.NewMigrationService(orchestrator, store, service.MigrationOptions{
		DefaultDryRun: cfg.DryRunDefault,
		RunTimeout:    cfg.RunTimeout,
	}, logger)

	// 8.1 Запуски, прерванные прошлым рестартом, помечаются failed
	if err := migrationSvc.Recover(ctx); err != nil {
		logger.Error("Ошибка восстановления состояния запусков", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 9. topologymetrics — мониторинг зависимостей (PostgreSQL, Keycloak, Authentik)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "idp-migrator",
		Group:         cfg.DephealthGroup,
		PostgresURL:   cfg.DatabaseURL(),
		KeycloakURL:   cfg.KeycloakURL,
		KeycloakRealm: cfg.KeycloakRealm,
		AuthentikURL:  cfg.AuthentikURL,
		CheckInterval: cfg.DephealthCheckInterval,
		TLSSkipVerify: cfg.CACertPath != "",
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. JWT middleware (если задан IM_JWT_JWKS_URL)
	var jwtAuth *middleware.JWTAuth
	if cfg.AuthEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWTJWKSURL,
			Issuer:          cfg.JWTIssuer,
			OperatorGroups:  cfg.RoleOperatorGroups,
			ViewerGroups:    cfg.RoleViewerGroups,
			RefreshInterval: jwksRefreshInterval,
			Leeway:          jwtLeeway,
		}, httpClient, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("IM_JWT_JWKS_URL не задан, API работает без аутентификации")
	}

	// 11. Валидация запросов по OpenAPI-контракту
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("Ошибка загрузки OpenAPI-спецификации", slog.String("error", err.Error()))
		os.Exit(1)
	}
	validator, err := middleware.RequestValidator(doc)
	if err != nil {
		logger.Error("Ошибка создания валидатора запросов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Readiness checkers и API handler
	healthHandler := handlers.NewHealthHandler(
		database.NewReadinessChecker(pool),
		kcClient,
		akClient,
	)
	apiHandler := handlers.NewAPIHandler(healthHandler, migrationSvc, logger)

	// 13. Запуск миграции при старте (IM_RUN_ON_START)
	if cfg.RunOnStart {
		go func() {
			run, runErr := migrationSvc.RunSync(ctx, service.StartRequest{})
			if runErr != nil {
				logger.Error("Ошибка запуска миграции при старте", slog.String("error", runErr.Error()))
				return
			}
			logger.Info("Миграция при старте завершена",
				slog.String("run_id", run.ID),
				slog.String("status", string(run.Status)),
			)
		}()
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth, validator)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Graceful shutdown: отмена активного запуска и сохранение его итога
	logger.Info("Останавливаем фоновые задачи...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := migrationSvc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Активный запуск не завершился за отведённое время",
			slog.String("error", err.Error()),
		)
	}

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("IdP Migrator остановлен")
}
