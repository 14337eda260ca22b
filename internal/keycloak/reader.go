// reader.go — реализация idp.SourceReader поверх Keycloak Admin REST API.
// Группы выравниваются (вложенные подгруппы включаются в общий список),
// пользователи аннотируются членством в группах и назначенными ролями.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/juju/collections/set"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
	"github.com/bigkaa/goartstore/idp-migrator/internal/transport"
)

var _ idp.SourceReader = (*Client)(nil)

// unavailable оборачивает ошибку транспорта в idp.ErrSourceUnavailable.
// Отмена контекста возвращается как есть.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", idp.ErrSourceUnavailable, op, err)
}

// recordID пытается извлечь поле id из сырой записи для диагностики.
func recordID(raw json.RawMessage) string {
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == nil {
		return ""
	}
	return fmt.Sprint(probe.ID)
}

// --- Groups ---

// FetchGroups возвращает все группы realm, включая вложенные.
// Некорректные записи пропускаются и возвращаются как *idp.SourceDataError
// (объединённые через errors.Join) вместе с корректными группами.
func (c *Client) FetchGroups(ctx context.Context) ([]model.SourceGroup, error) {
	var (
		groups  []model.SourceGroup
		dataErr []error
		seen    = set.NewStrings()
	)

	var walk func(g KeycloakGroup) error
	walk = func(g KeycloakGroup) error {
		if g.ID == "" || g.Name == "" {
			dataErr = append(dataErr, &idp.SourceDataError{
				Kind: model.KindGroup, RecordID: g.ID,
				Err: errors.New("отсутствует id или name"),
			})
			return nil
		}
		if seen.Contains(g.ID) {
			return nil
		}
		seen.Add(g.ID)
		groups = append(groups, model.SourceGroup{
			ID:         g.ID,
			Name:       g.Name,
			Path:       g.Path,
			Attributes: flattenAttributes(g.Attributes),
		})

		for _, sub := range g.SubGroups {
			if err := walk(sub); err != nil {
				return err
			}
		}

		// Keycloak 23+ не встраивает подгруппы — дочитываем их отдельно
		if g.SubGroupCount > len(g.SubGroups) {
			children, err := c.fetchChildren(ctx, g.ID, &dataErr)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}

	var top []KeycloakGroup
	err := c.paginate(ctx, "/groups?briefRepresentation=false", func(raw json.RawMessage) {
		var g KeycloakGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			dataErr = append(dataErr, &idp.SourceDataError{Kind: model.KindGroup, RecordID: recordID(raw), Err: err})
			return
		}
		top = append(top, g)
	})
	if err != nil {
		return nil, unavailable("FetchGroups", err)
	}

	for _, g := range top {
		if err := walk(g); err != nil {
			return nil, unavailable("FetchGroups", err)
		}
	}

	c.logger.Info("Группы Keycloak прочитаны",
		slog.Int("groups", len(groups)),
		slog.Int("invalid", len(dataErr)),
	)

	return groups, errors.Join(dataErr...)
}

// fetchChildren читает дочерние группы через /groups/{id}/children.
func (c *Client) fetchChildren(ctx context.Context, groupID string, dataErr *[]error) ([]KeycloakGroup, error) {
	var children []KeycloakGroup
	path := "/groups/" + url.PathEscape(groupID) + "/children?briefRepresentation=false"
	err := c.paginate(ctx, path, func(raw json.RawMessage) {
		var g KeycloakGroup
		if err := json.Unmarshal(raw, &g); err != nil {
			*dataErr = append(*dataErr, &idp.SourceDataError{Kind: model.KindGroup, RecordID: recordID(raw), Err: err})
			return
		}
		children = append(children, g)
	})
	return children, err
}

// --- Users ---

// FetchUsers возвращает всех пользователей realm с их группами и ролями.
// Пользователь, удалённый во время чтения (404 на дочерних запросах),
// пропускается как *idp.SourceDataError.
func (c *Client) FetchUsers(ctx context.Context) ([]model.SourceUser, error) {
	var (
		raws    []KeycloakUser
		users   []model.SourceUser
		dataErr []error
	)

	err := c.paginate(ctx, "/users?briefRepresentation=false", func(raw json.RawMessage) {
		var u KeycloakUser
		if err := json.Unmarshal(raw, &u); err != nil {
			dataErr = append(dataErr, &idp.SourceDataError{Kind: model.KindUser, RecordID: recordID(raw), Err: err})
			return
		}
		if u.ID == "" || u.Username == "" {
			dataErr = append(dataErr, &idp.SourceDataError{
				Kind: model.KindUser, RecordID: u.ID,
				Err: errors.New("отсутствует id или username"),
			})
			return
		}
		raws = append(raws, u)
	})
	if err != nil {
		return nil, unavailable("FetchUsers", err)
	}

	for _, u := range raws {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		groupIDs, err := c.userGroupIDs(ctx, u.ID)
		if err == nil {
			var roleIDs set.Strings
			roleIDs, err = c.userRoleIDs(ctx, u.ID)
			if err == nil {
				users = append(users, model.SourceUser{
					ID:         u.ID,
					Username:   u.Username,
					Email:      u.Email,
					FirstName:  u.FirstName,
					LastName:   u.LastName,
					Enabled:    u.Enabled,
					Attributes: flattenAttributes(u.Attributes),
					GroupIDs:   groupIDs,
					RoleIDs:    roleIDs,
				})
				continue
			}
		}

		if transport.IsStatus(err, http.StatusNotFound) {
			dataErr = append(dataErr, &idp.SourceDataError{Kind: model.KindUser, RecordID: u.ID, Err: err})
			continue
		}
		return nil, unavailable("FetchUsers", err)
	}

	c.logger.Info("Пользователи Keycloak прочитаны",
		slog.Int("users", len(users)),
		slog.Int("invalid", len(dataErr)),
	)

	return users, errors.Join(dataErr...)
}

// userGroupIDs возвращает ID групп пользователя.
func (c *Client) userGroupIDs(ctx context.Context, userID string) (set.Strings, error) {
	ids := set.NewStrings()
	path := "/users/" + url.PathEscape(userID) + "/groups?briefRepresentation=true"
	err := c.paginate(ctx, path, func(raw json.RawMessage) {
		var g KeycloakGroup
		if json.Unmarshal(raw, &g) == nil && g.ID != "" {
			ids.Add(g.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// userRoleIDs возвращает ID ролей пользователя (realm + client).
func (c *Client) userRoleIDs(ctx context.Context, userID string) (set.Strings, error) {
	var mappings RoleMappings
	if err := c.getJSON(ctx, "/users/"+url.PathEscape(userID)+"/role-mappings", &mappings); err != nil {
		return nil, err
	}

	ids := set.NewStrings()
	for _, r := range mappings.RealmMappings {
		ids.Add(r.ID)
	}
	for _, cm := range mappings.ClientMappings {
		for _, r := range cm.Mappings {
			ids.Add(r.ID)
		}
	}
	return ids, nil
}

// --- Roles ---

// FetchRoles возвращает роли realm и роли всех клиентов realm.
func (c *Client) FetchRoles(ctx context.Context) ([]model.SourceRole, error) {
	var (
		roles   []model.SourceRole
		dataErr []error
	)

	collect := func(scope model.RoleScope, clientID string) func(raw json.RawMessage) {
		return func(raw json.RawMessage) {
			var r KeycloakRole
			if err := json.Unmarshal(raw, &r); err != nil || r.ID == "" || r.Name == "" {
				if err == nil {
					err = errors.New("отсутствует id или name")
				}
				dataErr = append(dataErr, &idp.SourceDataError{Kind: model.KindRole, RecordID: recordID(raw), Err: err})
				return
			}
			roles = append(roles, model.SourceRole{ID: r.ID, Name: r.Name, Scope: scope, ClientID: clientID})
		}
	}

	if err := c.paginate(ctx, "/roles", collect(model.RoleScopeRealm, "")); err != nil {
		return nil, unavailable("FetchRoles", err)
	}

	var clients []KeycloakClient
	err := c.paginate(ctx, "/clients", func(raw json.RawMessage) {
		var cl KeycloakClient
		if json.Unmarshal(raw, &cl) == nil && cl.ID != "" {
			clients = append(clients, cl)
		}
	})
	if err != nil {
		return nil, unavailable("FetchRoles", err)
	}

	for _, cl := range clients {
		path := "/clients/" + url.PathEscape(cl.ID) + "/roles"
		if err := c.paginate(ctx, path, collect(model.RoleScopeClient, cl.ClientID)); err != nil {
			return nil, unavailable("FetchRoles", err)
		}
	}

	c.logger.Info("Роли Keycloak прочитаны",
		slog.Int("roles", len(roles)),
		slog.Int("clients", len(clients)),
	)

	return roles, errors.Join(dataErr...)
}
