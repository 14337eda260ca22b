// Пакет authentik — target IdP: клиент Authentik API v3.
// models.go — модели данных Authentik.
package authentik

import "fmt"

// pagination — блок пагинации списочных ответов Authentik.
type pagination struct {
	Next    int `json:"next"`
	Count   int `json:"count"`
	Current int `json:"current"`
}

// listResponse — списочный ответ Authentik.
type listResponse[T any] struct {
	Pagination pagination `json:"pagination"`
	Results    []T        `json:"results"`
}

// Group — группа в Authentik (pk — UUID).
type Group struct {
	PK          string         `json:"pk"`
	Name        string         `json:"name"`
	IsSuperuser bool           `json:"is_superuser"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// User — пользователь в Authentik (pk — целое число).
type User struct {
	PK         int            `json:"pk"`
	Username   string         `json:"username"`
	Name       string         `json:"name"`
	Email      string         `json:"email"`
	IsActive   bool           `json:"is_active"`
	Path       string         `json:"path,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// groupCreateRequest — тело POST /core/groups/.
type groupCreateRequest struct {
	Name        string            `json:"name"`
	IsSuperuser bool              `json:"is_superuser"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// userCreateRequest — тело POST /core/users/.
type userCreateRequest struct {
	Username   string            `json:"username"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	IsActive   bool              `json:"is_active"`
	Path       string            `json:"path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// setPasswordRequest — тело POST /core/users/{pk}/set_password/.
type setPasswordRequest struct {
	Password string `json:"password"` //nolint:gosec // G117: плейсхолдер пароля
}

// addUserRequest — тело POST /core/groups/{pk}/add_user/.
type addUserRequest struct {
	PK int `json:"pk"`
}

// stringAttributes приводит произвольные JSON-атрибуты к строковым.
func stringAttributes(attrs map[string]any) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
