// Пакет migration — движок миграции идентичностей: преобразование сущностей,
// таблица соответствий source → target, конечный автомат фаз и отчёт.
package migration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

const (
	// AttrMigratedFrom — атрибут target-пользователя с исходным source ID
	AttrMigratedFrom = "migrated_from"
	// AttrMigratedRoles — атрибут target-пользователя со списком source-ролей
	AttrMigratedRoles = "migrated_roles"
)

// AttributeRename — правило переименования префикса ключа атрибута.
type AttributeRename struct {
	From string
	To   string
}

// ParseAttributeRenames разбирает таблицу переименований вида "kc_=ak_,legacy.=".
func ParseAttributeRenames(items []string) ([]AttributeRename, error) {
	renames := make([]AttributeRename, 0, len(items))
	for _, item := range items {
		from, to, ok := strings.Cut(item, "=")
		from = strings.TrimSpace(from)
		if !ok || from == "" {
			return nil, fmt.Errorf("некорректное правило переименования %q, ожидается from=to", item)
		}
		renames = append(renames, AttributeRename{From: from, To: strings.TrimSpace(to)})
	}
	return renames, nil
}

// TransformConfig — параметры преобразования.
type TransformConfig struct {
	// DefaultPassword — пароль-плейсхолдер для всех мигрированных пользователей
	DefaultPassword string
	// AttributeRenames — переименования префиксов ключей атрибутов (первое совпадение)
	AttributeRenames []AttributeRename
	// TagRoles — записывать ли source-роли в атрибут migrated_roles
	TagRoles bool
}

// Transformer — чистое детерминированное преобразование source → target payload.
type Transformer struct {
	cfg TransformConfig
}

// NewTransformer создаёт Transformer.
func NewTransformer(cfg TransformConfig) *Transformer {
	return &Transformer{cfg: cfg}
}

// renameAttributes копирует атрибуты с переименованием ключей. Если два
// source-ключа дают один target-ключ, возвращает *idp.TransformError: ни одно
// из значений не выбирается молча.
func (t *Transformer) renameAttributes(kind model.EntityKind, sourceID string, attrs map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(attrs)+2)
	origin := make(map[string]string, len(attrs))
	for _, src := range keys {
		k := t.renameKey(src)
		if prev, ok := origin[k]; ok {
			return nil, &idp.TransformError{
				Kind: kind, SourceID: sourceID, Field: "attributes",
				Reason: fmt.Sprintf("атрибуты %q и %q переименовываются в один ключ %q", prev, src, k),
			}
		}
		origin[k] = src
		out[k] = attrs[src]
	}
	return out, nil
}

// renameKey применяет первое подходящее правило переименования.
func (t *Transformer) renameKey(k string) string {
	for _, r := range t.cfg.AttributeRenames {
		if strings.HasPrefix(k, r.From) {
			return r.To + strings.TrimPrefix(k, r.From)
		}
	}
	return k
}

// TransformGroup преобразует группу: имя без изменений, атрибуты с переименованием.
func (t *Transformer) TransformGroup(g model.SourceGroup) (model.GroupPayload, error) {
	if strings.TrimSpace(g.Name) == "" {
		return model.GroupPayload{}, &idp.TransformError{
			Kind: model.KindGroup, SourceID: g.ID, Field: "name", Reason: "пустое имя",
		}
	}

	attrs, err := t.renameAttributes(model.KindGroup, g.ID, g.Attributes)
	if err != nil {
		return model.GroupPayload{}, err
	}
	if len(attrs) == 0 {
		attrs = nil
	}
	return model.GroupPayload{Name: g.Name, Attributes: attrs}, nil
}

// TransformUser преобразует пользователя. roles — индекс source-ролей по ID
// (используется для тега migrated_roles, может быть nil).
func (t *Transformer) TransformUser(u model.SourceUser, roles map[string]model.SourceRole) (model.UserPayload, error) {
	fail := func(field, reason string) (model.UserPayload, error) {
		return model.UserPayload{}, &idp.TransformError{
			Kind: model.KindUser, SourceID: u.ID, Field: field, Reason: reason,
		}
	}

	if strings.TrimSpace(u.Username) == "" {
		return fail("username", "пустой username")
	}
	if strings.TrimSpace(u.Email) == "" {
		return fail("email", "email обязателен в target IdP")
	}
	if t.cfg.DefaultPassword == "" {
		return fail("password", "пароль-плейсхолдер не задан")
	}

	attrs, err := t.renameAttributes(model.KindUser, u.ID, u.Attributes)
	if err != nil {
		return model.UserPayload{}, err
	}
	attrs[AttrMigratedFrom] = u.ID

	if t.cfg.TagRoles {
		var names []string
		for _, id := range u.SortedRoleIDs() {
			if r, ok := roles[id]; ok {
				names = append(names, r.QualifiedName())
			}
		}
		if len(names) > 0 {
			sort.Strings(names)
			attrs[AttrMigratedRoles] = strings.Join(names, ",")
		}
	}

	return model.UserPayload{
		Username:   u.Username,
		Name:       displayName(u),
		Email:      u.Email,
		Password:   t.cfg.DefaultPassword,
		Enabled:    u.Enabled,
		Attributes: attrs,
	}, nil
}

// displayName — "Имя Фамилия" или username, если оба пусты.
func displayName(u model.SourceUser) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		return u.Username
	}
	return name
}
