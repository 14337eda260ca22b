// client.go — HTTP-клиент к Keycloak Admin REST API.
// Получает токен через password grant (если задан администратор)
// или Client Credentials flow, кэширует его (обновление за 30s до expiration).
// Все запросы выполняются с ограниченными повторами временных ошибок.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/idp-migrator/internal/transport"
)

// serviceName — имя системы в StatusError.
const serviceName = "keycloak"

// Config — параметры подключения к Keycloak.
type Config struct {
	// BaseURL — базовый URL Keycloak (без trailing slash)
	BaseURL string
	// Realm — realm, из которого читаются данные
	Realm string
	// AuthRealm — realm для получения токена (по умолчанию совпадает с Realm)
	AuthRealm string
	// ClientID — client_id для token endpoint (admin-cli для password grant)
	ClientID string
	// ClientSecret — секрет клиента (для Client Credentials flow)
	ClientSecret string
	// Username, Password — учётные данные администратора (password grant)
	Username string
	Password string
	// PageSize — размер страницы (параметр max)
	PageSize int
}

// Client — HTTP-клиент к Keycloak Admin REST API.
type Client struct {
	cfg Config

	httpClient *http.Client
	retrier    *transport.Retrier
	logger     *slog.Logger

	// Кэш токена доступа
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт клиент к Keycloak Admin REST API.
// httpClient — HTTP-клиент (может содержать TLS конфигурацию), nil — по умолчанию.
// retrier — политика повторов, nil — transport.DefaultRetryPolicy.
func New(cfg Config, httpClient *http.Client, retrier *transport.Retrier, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if retrier == nil {
		retrier = transport.NewRetrier(transport.DefaultRetryPolicy, nil, logger)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AuthRealm == "" {
		cfg.AuthRealm = cfg.Realm
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		retrier:    retrier,
		logger:     logger.With(slog.String("component", "keycloak_client")),
	}
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.cfg.BaseURL, c.cfg.AuthRealm)
}

// adminBaseURL возвращает базовый URL Admin REST API для realm.
func (c *Client) adminBaseURL() string {
	return fmt.Sprintf("%s/admin/realms/%s", c.cfg.BaseURL, c.cfg.Realm)
}

// getToken возвращает актуальный access token, обновляя при необходимости.
// Токен обновляется за 30 секунд до истечения.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	var token *TokenResponse
	err := c.retrier.Do(ctx, "keycloak.token", func() error {
		var reqErr error
		token, reqErr = c.requestToken(ctx)
		return reqErr
	})
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	c.logger.Debug("Keycloak токен обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// invalidateToken сбрасывает кэш токена (после 401).
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

// requestToken выполняет password grant или Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{"client_id": {c.cfg.ClientID}}
	if c.cfg.Username != "" {
		data.Set("grant_type", "password")
		data.Set("username", c.cfg.Username)
		data.Set("password", c.cfg.Password)
	} else {
		data.Set("grant_type", "client_credentials")
	}
	if c.cfg.ClientSecret != "" {
		data.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена Keycloak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, transport.NewStatusError(serviceName, resp)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена Keycloak: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("Keycloak вернул пустой access_token")
	}

	return &token, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет GET-запрос к Admin REST API с авторизацией.
func (c *Client) doAuthorized(ctx context.Context, path string) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminBaseURL()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.NewStatusError(serviceName, resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Keycloak: %w", err)
		}
	}

	return nil
}

// getJSON выполняет GET с повторами; при 401 сбрасывает токен и повторяет один раз.
func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	call := func() error {
		resp, err := c.doAuthorized(ctx, path)
		if err != nil {
			return err
		}
		return decodeResponse(resp, target)
	}

	err := c.retrier.Do(ctx, "keycloak GET "+path, call)
	if transport.IsStatus(err, http.StatusUnauthorized) {
		c.logger.Debug("Keycloak вернул 401, повторная аутентификация", slog.String("path", path))
		c.invalidateToken()
		err = c.retrier.Do(ctx, "keycloak GET "+path, call)
	}
	return err
}

// paginate обходит постраничный список first/max до первой неполной страницы.
// Каждая запись передаётся в visit в сыром виде для поштучного разбора.
func (c *Client) paginate(ctx context.Context, path string, visit func(raw json.RawMessage)) error {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	for first := 0; ; first += c.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		var page []json.RawMessage
		pagePath := fmt.Sprintf("%s%sfirst=%d&max=%d", path, sep, first, c.cfg.PageSize)
		if err := c.getJSON(ctx, pagePath, &page); err != nil {
			return err
		}
		for _, raw := range page {
			visit(raw)
		}
		if len(page) < c.cfg.PageSize {
			return nil
		}
	}
}

// --- Realm API ---

// RealmInfo возвращает информацию о realm.
func (c *Client) RealmInfo(ctx context.Context) (*RealmRepresentation, error) {
	var realm RealmRepresentation
	if err := c.getJSON(ctx, "", &realm); err != nil {
		return nil, fmt.Errorf("RealmInfo: %w", err)
	}
	return &realm, nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Keycloak через realm info.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	realm, err := c.RealmInfo(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("Keycloak недоступен: %v", err)
	}

	if !realm.Enabled {
		return "degraded", fmt.Sprintf("Realm %s отключён", realm.Realm)
	}

	return "ok", fmt.Sprintf("Realm %s доступен", realm.Realm)
}
