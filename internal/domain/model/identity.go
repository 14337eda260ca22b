// Пакет model — доменные модели миграции идентичностей.
// identity.go — нормализованные сущности source IdP и полезные нагрузки target IdP.
package model

import (
	"encoding/json"

	"github.com/juju/collections/set"
)

// RoleScope — область действия роли в source IdP.
type RoleScope string

const (
	// RoleScopeRealm — роль уровня realm.
	RoleScopeRealm RoleScope = "realm"
	// RoleScopeClient — роль конкретного клиента (приложения).
	RoleScopeClient RoleScope = "client"
)

// EntityKind — вид мигрируемой сущности.
type EntityKind string

const (
	// KindGroup — группа.
	KindGroup EntityKind = "group"
	// KindUser — пользователь.
	KindUser EntityKind = "user"
	// KindMembership — членство пользователя в группе.
	KindMembership EntityKind = "membership"
	// KindRole — роль (только для диагностики source).
	KindRole EntityKind = "role"
)

// SourceGroup — группа в source IdP.
type SourceGroup struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// Path — полный путь группы в иерархии (например, /parent/child)
	Path       string            `json:"path,omitempty" yaml:"path,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// SourceUser — пользователь в source IdP.
// GroupIDs и RoleIDs — множества, порядок не важен.
type SourceUser struct {
	ID         string            `json:"id" yaml:"id"`
	Username   string            `json:"username" yaml:"username"`
	Email      string            `json:"email,omitempty" yaml:"email,omitempty"`
	FirstName  string            `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	GroupIDs   set.Strings       `json:"-" yaml:"-"`
	RoleIDs    set.Strings       `json:"-" yaml:"-"`
}

// SortedGroupIDs возвращает идентификаторы групп пользователя в стабильном порядке.
func (u *SourceUser) SortedGroupIDs() []string {
	if u.GroupIDs == nil {
		return nil
	}
	return u.GroupIDs.SortedValues()
}

// SortedRoleIDs возвращает идентификаторы ролей пользователя в стабильном порядке.
func (u *SourceUser) SortedRoleIDs() []string {
	if u.RoleIDs == nil {
		return nil
	}
	return u.RoleIDs.SortedValues()
}

// MarshalJSON сериализует пользователя с множествами в виде отсортированных массивов.
func (u SourceUser) MarshalJSON() ([]byte, error) {
	type plain SourceUser
	return json.Marshal(struct {
		plain
		GroupIDs []string `json:"group_ids"`
		RoleIDs  []string `json:"role_ids"`
	}{
		plain:    plain(u),
		GroupIDs: nonNil(u.SortedGroupIDs()),
		RoleIDs:  nonNil(u.SortedRoleIDs()),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SourceRole — роль в source IdP. Мигрируется только как тег-атрибут пользователя.
type SourceRole struct {
	ID    string    `json:"id" yaml:"id"`
	Name  string    `json:"name" yaml:"name"`
	Scope RoleScope `json:"scope" yaml:"scope"`
	// ClientID — clientId владельца роли (только для RoleScopeClient)
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// QualifiedName возвращает имя роли с префиксом клиента для client-ролей.
func (r SourceRole) QualifiedName() string {
	if r.Scope == RoleScopeClient && r.ClientID != "" {
		return r.ClientID + ":" + r.Name
	}
	return r.Name
}

// SourceSnapshot — полный снимок identity-графа source IdP.
type SourceSnapshot struct {
	Groups []SourceGroup `json:"groups" yaml:"groups"`
	Users  []SourceUser  `json:"users" yaml:"users"`
	Roles  []SourceRole  `json:"roles" yaml:"roles"`
}

// TargetGroup — группа в target IdP.
type TargetGroup struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// TargetUser — пользователь в target IdP.
type TargetUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// GroupPayload — тело запроса на создание группы в target IdP.
type GroupPayload struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UserPayload — тело запроса на создание пользователя в target IdP.
// Пароль никогда не сериализуется.
type UserPayload struct {
	Username   string            `json:"username"`
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	Password   string            `json:"-"` //nolint:gosec // G117: плейсхолдер, не сериализуется
	Enabled    bool              `json:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
