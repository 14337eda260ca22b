// auth.go — JWT middleware для аутентификации и авторизации API миграции.
// Проверяет подпись Keycloak JWT через JWKS, маппит группы из токена в роль
// (operator / viewer) и кладёт claims в контекст запроса.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/idp-migrator/internal/api/errors"
	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/rbac"
)

type contextKey string

// ContextKeyClaims — извлечённые claims в контексте запроса.
const ContextKeyClaims contextKey = "jwt_claims"

// AuthClaims — claims оператора API.
type AuthClaims struct {
	// Subject — sub из JWT.
	Subject string
	// PreferredUsername — preferred_username из JWT.
	PreferredUsername string
	Email             string
	// Groups — группы из JWT.
	Groups []string
	// Roles — роли из realm_access.roles.
	Roles []string
	// Role — итоговая роль (operator, viewer или "").
	Role string
}

// HasRole проверяет, покрывает ли роль субъекта требуемую.
func (c *AuthClaims) HasRole(required string) bool {
	return rbac.HasRole(c.Role, required)
}

// keycloakClaims — raw claims из Keycloak JWT.
type keycloakClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string       `json:"preferred_username"`
	Email             string       `json:"email"`
	RealmAccess       *realmAccess `json:"realm_access,omitempty"`
	Groups            []string     `json:"groups,omitempty"`
}

type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — middleware JWT-аутентификации через JWKS Keycloak.
type JWTAuth struct {
	jwks           keyfunc.Keyfunc
	logger         *slog.Logger
	operatorGroups []string
	viewerGroups   []string
	issuer         string
	leeway         time.Duration
}

// JWTAuthConfig — параметры JWT middleware.
type JWTAuthConfig struct {
	// JWKSURL — JWKS endpoint Keycloak (IM_JWT_JWKS_URL)
	JWKSURL string
	// Issuer — ожидаемый iss (IM_JWT_ISSUER), пусто — не проверяется
	Issuer         string
	OperatorGroups []string
	ViewerGroups   []string
	// RefreshInterval — период обновления ключей JWKS
	RefreshInterval time.Duration
	// Leeway — допустимое расхождение часов при проверке exp/nbf
	Leeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из Keycloak.
// httpClient — клиент с доверенным CA (IM_CA_CERT_PATH), nil — http.DefaultClient.
func NewJWTAuth(cfg JWTAuthConfig, httpClient *http.Client, logger *slog.Logger) (*JWTAuth, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если Keycloak ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	auth := NewJWTAuthWithKeyfunc(k, cfg.Issuer, cfg.OperatorGroups, cfg.ViewerGroups, logger)
	auth.leeway = cfg.Leeway
	return auth, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с готовой keyfunc (тесты).
func NewJWTAuthWithKeyfunc(
	kf keyfunc.Keyfunc,
	issuer string,
	operatorGroups, viewerGroups []string,
	logger *slog.Logger,
) *JWTAuth {
	return &JWTAuth{
		jwks:           kf,
		logger:         logger.With(slog.String("component", "jwt_auth")),
		operatorGroups: operatorGroups,
		viewerGroups:   viewerGroups,
		issuer:         issuer,
	}
}

// Middleware возвращает HTTP middleware: Bearer token → проверка RS256 → claims в контексте.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}
			if tokenString = strings.TrimSpace(tokenString); tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			rawClaims := &keycloakClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.leeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			if sub, err := rawClaims.GetSubject(); err != nil || sub == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, j.buildAuthClaims(rawClaims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildAuthClaims вычисляет роль: сначала по группам, затем по realm-ролям.
func (j *JWTAuth) buildAuthClaims(raw *keycloakClaims) *AuthClaims {
	claims := &AuthClaims{
		Subject:           raw.Subject,
		PreferredUsername: raw.PreferredUsername,
		Email:             raw.Email,
		Groups:            raw.Groups,
	}
	if raw.RealmAccess != nil {
		claims.Roles = raw.RealmAccess.Roles
	}

	claims.Role = rbac.MapGroupsToRole(claims.Groups, j.operatorGroups, j.viewerGroups)
	if claims.Role == "" {
		var mapped []string
		for _, r := range claims.Roles {
			if rbac.IsValidRole(r) {
				mapped = append(mapped, r)
			}
		}
		claims.Role = rbac.HighestRole(mapped)
	}
	return claims
}

// RequireRole возвращает middleware, требующий роль не ниже указанной.
// Используется ПОСЛЕ JWTAuth.Middleware().
func RequireRole(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
				return
			}
			if !claims.HasRole(required) {
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClaimsFromContext извлекает AuthClaims из контекста запроса (nil, если нет).
func ClaimsFromContext(ctx context.Context) *AuthClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*AuthClaims)
	return claims
}

// ActorFromContext возвращает имя инициатора запроса для логов.
// Без аутентификации — "anonymous".
func ActorFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return "anonymous"
	}
	if claims.PreferredUsername != "" {
		return claims.PreferredUsername
	}
	return claims.Subject
}
