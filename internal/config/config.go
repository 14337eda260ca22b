// Пакет config — загрузка и валидация конфигурации IdP Migrator
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации IdP Migrator.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// --- PostgreSQL (история запусков и таблицы соответствий) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Source: Keycloak ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Realm, из которого мигрируются пользователи и группы
	KeycloakRealm string
	// Realm, в котором выдаётся токен (по умолчанию совпадает с KeycloakRealm)
	KeycloakAuthRealm string
	// Client ID для Admin API
	KeycloakClientID string
	// Client Secret (grant client_credentials)
	KeycloakClientSecret string
	// Учётные данные администратора (grant password), альтернатива Client Secret
	KeycloakUsername string
	KeycloakPassword string
	// Размер страницы при чтении Admin API
	KeycloakPageSize int

	// --- Target: Authentik ---

	// URL Authentik (например, https://authentik.kryukov.lan)
	AuthentikURL string
	// API-токен Authentik
	AuthentikToken string
	// Путь, в котором создаются пользователи
	AuthentikUserPath string

	// --- Миграция ---

	// Пароль-плейсхолдер для мигрированных пользователей
	DefaultPassword string
	// Режим dry-run по умолчанию для запусков без явного параметра
	DryRunDefault bool
	// Выполнить полный запуск при старте сервиса
	RunOnStart bool
	// Переименования префиксов атрибутов ("from=to")
	AttributeRenames []string
	// Записывать source-роли в атрибут migrated_roles
	MigrateRoleTags bool
	// Число параллельных обработчиков в фазах групп и пользователей
	Workers int
	// Ограничение длительности запуска (0 — без ограничения)
	RunTimeout time.Duration

	// --- Повторы HTTP-запросов ---

	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// Путь к CA-сертификату для TLS-соединений с Keycloak и Authentik (опционально)
	CACertPath string

	// --- JWT (аутентификация операторов API) ---

	// Issuer JWT (опционально)
	JWTIssuer string
	// URL JWKS endpoint; пустое значение отключает аутентификацию
	JWTJWKSURL string
	// Группы, дающие роль operator
	RoleOperatorGroups []string
	// Группы, дающие роль viewer
	RoleViewerGroups []string

	// --- topologymetrics ---

	// Группа сервиса в графе зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IM_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("IM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("IM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("IM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("IM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Keycloak ---

	if cfg.KeycloakURL, err = getEnvURL("IM_KEYCLOAK_URL"); err != nil {
		return nil, err
	}
	if cfg.KeycloakRealm, err = getEnvRequired("IM_KEYCLOAK_REALM"); err != nil {
		return nil, err
	}
	cfg.KeycloakAuthRealm = getEnvDefault("IM_KEYCLOAK_AUTH_REALM", cfg.KeycloakRealm)
	cfg.KeycloakClientID = getEnvDefault("IM_KEYCLOAK_CLIENT_ID", "admin-cli")
	cfg.KeycloakClientSecret = os.Getenv("IM_KEYCLOAK_CLIENT_SECRET")
	cfg.KeycloakUsername = os.Getenv("IM_KEYCLOAK_USERNAME")
	cfg.KeycloakPassword = os.Getenv("IM_KEYCLOAK_PASSWORD")

	// Нужен либо client secret, либо пара username/password
	hasUser := cfg.KeycloakUsername != "" || cfg.KeycloakPassword != ""
	if hasUser && (cfg.KeycloakUsername == "" || cfg.KeycloakPassword == "") {
		return nil, fmt.Errorf("IM_KEYCLOAK_USERNAME и IM_KEYCLOAK_PASSWORD задаются только вместе")
	}
	if !hasUser && cfg.KeycloakClientSecret == "" {
		return nil, fmt.Errorf("IM_KEYCLOAK_CLIENT_SECRET: обязателен, если не заданы IM_KEYCLOAK_USERNAME/IM_KEYCLOAK_PASSWORD")
	}

	cfg.KeycloakPageSize, err = getEnvInt("IM_KEYCLOAK_PAGE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("IM_KEYCLOAK_PAGE_SIZE: %w", err)
	}
	if cfg.KeycloakPageSize < 1 || cfg.KeycloakPageSize > 1000 {
		return nil, fmt.Errorf("IM_KEYCLOAK_PAGE_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.KeycloakPageSize)
	}

	// --- Authentik ---

	if cfg.AuthentikURL, err = getEnvURL("IM_AUTHENTIK_URL"); err != nil {
		return nil, err
	}
	if cfg.AuthentikToken, err = getEnvRequired("IM_AUTHENTIK_TOKEN"); err != nil {
		return nil, err
	}
	cfg.AuthentikUserPath = getEnvDefault("IM_AUTHENTIK_USER_PATH", "users/migrated")

	// --- Миграция ---

	if cfg.DefaultPassword, err = getEnvRequired("IM_DEFAULT_PASSWORD"); err != nil {
		return nil, err
	}
	if cfg.DryRunDefault, err = getEnvBool("IM_DRY_RUN_DEFAULT", false); err != nil {
		return nil, fmt.Errorf("IM_DRY_RUN_DEFAULT: %w", err)
	}
	if cfg.RunOnStart, err = getEnvBool("IM_RUN_ON_START", false); err != nil {
		return nil, fmt.Errorf("IM_RUN_ON_START: %w", err)
	}
	cfg.AttributeRenames = parseCSV(os.Getenv("IM_ATTRIBUTE_RENAME"))
	for _, item := range cfg.AttributeRenames {
		if from, _, ok := strings.Cut(item, "="); !ok || strings.TrimSpace(from) == "" {
			return nil, fmt.Errorf("IM_ATTRIBUTE_RENAME: некорректное правило %q, ожидается from=to", item)
		}
	}
	if cfg.MigrateRoleTags, err = getEnvBool("IM_MIGRATE_ROLE_TAGS", true); err != nil {
		return nil, fmt.Errorf("IM_MIGRATE_ROLE_TAGS: %w", err)
	}
	cfg.Workers, err = getEnvInt("IM_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("IM_WORKERS: %w", err)
	}
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("IM_WORKERS: значение %d вне допустимого диапазона 1-64", cfg.Workers)
	}
	cfg.RunTimeout, err = getEnvDuration("IM_RUN_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("IM_RUN_TIMEOUT: %w", err)
	}

	// --- Повторы ---

	cfg.RetryAttempts, err = getEnvInt("IM_RETRY_ATTEMPTS", 4)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("IM_RETRY_ATTEMPTS: значение %d должно быть не меньше 1", cfg.RetryAttempts)
	}
	cfg.RetryDelay, err = getEnvDuration("IM_RETRY_DELAY", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_DELAY: %w", err)
	}
	cfg.RetryMaxDelay, err = getEnvDuration("IM_RETRY_MAX_DELAY", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_MAX_DELAY: %w", err)
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		return nil, fmt.Errorf("IM_RETRY_MAX_DELAY: %v меньше IM_RETRY_DELAY %v", cfg.RetryMaxDelay, cfg.RetryDelay)
	}

	cfg.CACertPath = os.Getenv("IM_CA_CERT_PATH")

	// --- JWT ---

	cfg.JWTIssuer = os.Getenv("IM_JWT_ISSUER")
	cfg.JWTJWKSURL = os.Getenv("IM_JWT_JWKS_URL")
	cfg.RoleOperatorGroups = parseCSV(getEnvDefault("IM_ROLE_OPERATOR_GROUPS", "idp-migration-operators"))
	cfg.RoleViewerGroups = parseCSV(getEnvDefault("IM_ROLE_VIEWER_GROUPS", "idp-migration-viewers"))

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "identity")
	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// AuthEnabled сообщает, включена ли JWT-аутентификация API.
func (c *Config) AuthEnabled() bool {
	return c.JWTJWKSURL != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvURL возвращает обязательный http(s) URL без завершающего слеша.
func getEnvURL(key string) (string, error) {
	val, err := getEnvRequired(key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(val)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%s: некорректный URL %q", key, val)
	}
	return strings.TrimRight(val, "/"), nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (true/false)", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
