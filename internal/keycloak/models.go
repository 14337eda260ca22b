// Пакет keycloak — source IdP: read-only клиент Keycloak Admin REST API.
// models.go — модели данных Keycloak.
package keycloak

import "strings"

// TokenResponse — ответ token endpoint (client_credentials / password grant).
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// KeycloakUser — пользователь в Keycloak.
type KeycloakUser struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// KeycloakGroup — группа в Keycloak. Начиная с Keycloak 23 вложенные группы
// могут не возвращаться в subGroups, тогда их количество — в subGroupCount.
type KeycloakGroup struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Path          string              `json:"path"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
	SubGroupCount int                 `json:"subGroupCount,omitempty"`
	SubGroups     []KeycloakGroup     `json:"subGroups,omitempty"`
}

// KeycloakRole — роль realm или клиента.
type KeycloakRole struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId,omitempty"`
}

// KeycloakClient — клиент (application) в Keycloak.
type KeycloakClient struct { //nolint:revive // stuttering допустим — внешний API Keycloak
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
	Enabled  bool   `json:"enabled"`
}

// RoleMappings — ответ /users/{id}/role-mappings.
type RoleMappings struct {
	RealmMappings  []KeycloakRole                `json:"realmMappings,omitempty"`
	ClientMappings map[string]ClientRoleMappings `json:"clientMappings,omitempty"`
}

// ClientRoleMappings — роли одного клиента в RoleMappings.
type ClientRoleMappings struct {
	ID       string         `json:"id"`
	Client   string         `json:"client"`
	Mappings []KeycloakRole `json:"mappings"`
}

// RealmRepresentation — краткая информация о realm.
type RealmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

// flattenAttributes приводит многозначные атрибуты Keycloak к map[string]string,
// объединяя значения через запятую.
func flattenAttributes(attrs map[string][]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = strings.Join(v, ",")
	}
	return out
}
