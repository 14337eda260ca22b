// client.go — HTTP-клиент к Authentik API v3 (token auth).
// Реализует idp.TargetWriter: поиск по естественному ключу,
// идемпотентное создание групп и пользователей, добавление в группу.
// Временные ошибки (5xx, 429, сеть) повторяются, 4xx — нет.
package authentik

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
	"github.com/bigkaa/goartstore/idp-migrator/internal/transport"
)

const serviceName = "authentik"

var (
	_ idp.TargetWriter   = (*Client)(nil)
	_ idp.TargetInserter = (*Client)(nil)
)

// Options — дополнительные параметры клиента.
type Options struct {
	// UserPath — путь (папка) для создаваемых пользователей, пусто — по умолчанию Authentik
	UserPath string
}

// Client — HTTP-клиент к Authentik API v3.
type Client struct {
	baseURL string // Базовый URL Authentik (без trailing slash)
	token   string // API-токен
	opts    Options

	httpClient *http.Client
	retrier    *transport.Retrier
	logger     *slog.Logger
}

// New создаёт клиент к Authentik API v3.
func New(baseURL, token string, opts Options, httpClient *http.Client, retrier *transport.Retrier, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if retrier == nil {
		retrier = transport.NewRetrier(transport.DefaultRetryPolicy, nil, logger)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		opts:       opts,
		httpClient: httpClient,
		retrier:    retrier,
		logger:     logger.With(slog.String("component", "authentik_client")),
	}
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос к API v3 с токеном.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	reqURL := c.baseURL + "/api/v3" + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// call выполняет запрос с повторами. expected — ожидаемый статус (0 — любой 2xx).
// Если target != nil, тело ответа декодируется в него.
func (c *Client) call(ctx context.Context, method, path string, body any, expected int, target any) error {
	return c.retrier.Do(ctx, "authentik "+method+" "+path, func() error {
		resp, err := c.doAuthorized(ctx, method, path, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		ok := resp.StatusCode >= 200 && resp.StatusCode < 300
		if expected != 0 {
			ok = resp.StatusCode == expected
		}
		if !ok {
			return transport.NewStatusError(serviceName, resp)
		}

		if target != nil {
			if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
				return fmt.Errorf("декодирование ответа Authentik: %w", err)
			}
		}
		return nil
	})
}

// writeError оборачивает ошибку в *idp.TargetWriteError.
// Отмена контекста возвращается как есть.
func writeError(kind model.EntityKind, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &idp.TargetWriteError{
		EntityKind: kind,
		EntityKey:  key,
		Cause:      err,
		Transient:  transport.IsTransient(err),
	}
}

// --- Groups ---

// FindGroupByName возвращает группу с точным совпадением имени или nil.
func (c *Client) FindGroupByName(ctx context.Context, name string) (*model.TargetGroup, error) {
	var list listResponse[Group]
	path := "/core/groups/?name=" + url.QueryEscape(name)
	if err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK, &list); err != nil {
		return nil, writeError(model.KindGroup, name, err)
	}

	for _, g := range list.Results {
		if g.Name == name {
			return &model.TargetGroup{
				ID:         g.PK,
				Name:       g.Name,
				Attributes: stringAttributes(g.Attributes),
			}, nil
		}
	}
	return nil, nil
}

// CreateGroup создаёт группу. Если группа с таким именем уже есть — возвращает её.
func (c *Client) CreateGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error) {
	existing, err := c.FindGroupByName(ctx, payload.Name)
	if err != nil || existing != nil {
		return existing, err
	}
	return c.InsertGroup(ctx, payload)
}

// InsertGroup создаёт группу без предварительного поиска. Если запись
// отклонена, но группа с таким именем появилась в target, возвращает её.
func (c *Client) InsertGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error) {
	var created Group
	err := c.call(ctx, http.MethodPost, "/core/groups/", groupCreateRequest{
		Name:       payload.Name,
		Attributes: payload.Attributes,
	}, http.StatusCreated, &created)
	if err != nil {
		// Запрос мог быть выполнен до обрыва соединения — проверяем повторно
		if found, findErr := c.FindGroupByName(ctx, payload.Name); findErr == nil && found != nil {
			return found, nil
		}
		return nil, writeError(model.KindGroup, payload.Name, err)
	}

	c.logger.Debug("Группа создана",
		slog.String("name", created.Name),
		slog.String("pk", created.PK),
	)

	return &model.TargetGroup{
		ID:         created.PK,
		Name:       created.Name,
		Attributes: stringAttributes(created.Attributes),
	}, nil
}

// --- Users ---

// toTargetUser преобразует пользователя Authentik в доменную модель.
func toTargetUser(u User) *model.TargetUser {
	return &model.TargetUser{
		ID:       strconv.Itoa(u.PK),
		Username: u.Username,
		Email:    u.Email,
		Name:     u.Name,
		Enabled:  u.IsActive,
	}
}

// FindUserByUsername возвращает пользователя с точным совпадением username или nil.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*model.TargetUser, error) {
	var list listResponse[User]
	path := "/core/users/?username=" + url.QueryEscape(username)
	if err := c.call(ctx, http.MethodGet, path, nil, http.StatusOK, &list); err != nil {
		return nil, writeError(model.KindUser, username, err)
	}

	for _, u := range list.Results {
		if u.Username == username {
			return toTargetUser(u), nil
		}
	}
	return nil, nil
}

// CreateUser создаёт пользователя и устанавливает ему пароль-плейсхолдер.
// Если пользователь с таким username уже есть — возвращает его без изменений.
func (c *Client) CreateUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error) {
	existing, err := c.FindUserByUsername(ctx, payload.Username)
	if err != nil || existing != nil {
		return existing, err
	}
	return c.InsertUser(ctx, payload)
}

// InsertUser создаёт пользователя без предварительного поиска и устанавливает
// пароль-плейсхолдер. Если запись отклонена, но пользователь появился в target
// (ответ на выполненный POST потерян), пароль устанавливается найденному пользователю.
func (c *Client) InsertUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error) {
	var created User
	err := c.call(ctx, http.MethodPost, "/core/users/", userCreateRequest{
		Username:   payload.Username,
		Name:       payload.Name,
		Email:      payload.Email,
		IsActive:   payload.Enabled,
		Path:       c.opts.UserPath,
		Attributes: payload.Attributes,
	}, http.StatusCreated, &created)
	if err != nil {
		found, findErr := c.FindUserByUsername(ctx, payload.Username)
		if findErr != nil || found == nil {
			return nil, writeError(model.KindUser, payload.Username, err)
		}
		c.logger.Warn("Пользователь найден после неуспешного создания",
			slog.String("username", payload.Username),
			slog.String("pk", found.ID),
			slog.String("error", err.Error()),
		)
		if err := c.setPassword(ctx, payload, found.ID); err != nil {
			return nil, err
		}
		return found, nil
	}

	if err := c.setPassword(ctx, payload, strconv.Itoa(created.PK)); err != nil {
		return nil, err
	}

	c.logger.Debug("Пользователь создан",
		slog.String("username", created.Username),
		slog.Int("pk", created.PK),
	)

	return toTargetUser(created), nil
}

// setPassword устанавливает пароль-плейсхолдер созданному пользователю.
func (c *Client) setPassword(ctx context.Context, payload model.UserPayload, pk string) error {
	if payload.Password == "" {
		return nil
	}
	path := "/core/users/" + url.PathEscape(pk) + "/set_password/"
	if err := c.call(ctx, http.MethodPost, path, setPasswordRequest{Password: payload.Password}, 0, nil); err != nil {
		return writeError(model.KindUser, payload.Username,
			fmt.Errorf("пользователь создан (pk=%s), но пароль не установлен: %w", pk, err))
	}
	return nil
}

// --- Memberships ---

// AddUserToGroup добавляет пользователя в группу. Повторное добавление
// существующего участника в Authentik — no-op, поэтому операция идемпотентна
// и всегда выполняется запросом к target.
func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	key := groupID + "|" + userID
	userPK, err := strconv.Atoi(userID)
	if err != nil {
		return writeError(model.KindMembership, key, fmt.Errorf("некорректный pk пользователя %q", userID))
	}

	path := "/core/groups/" + url.PathEscape(groupID) + "/add_user/"
	if err := c.call(ctx, http.MethodPost, path, addUserRequest{PK: userPK}, 0, nil); err != nil {
		return writeError(model.KindMembership, key, err)
	}
	return nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность Authentik через /root/config/.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.call(ctx, http.MethodGet, "/root/config/", nil, http.StatusOK, nil); err != nil {
		return "fail", fmt.Sprintf("Authentik недоступен: %v", err)
	}
	return "ok", "Authentik доступен"
}
