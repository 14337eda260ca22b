// source.go — GET /api/v1/source/snapshot: нормализованный снимок source IdP.
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/goartstore/idp-migrator/internal/api/errors"
	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

type snapshotUser struct {
	ID         string            `json:"id" yaml:"id"`
	Username   string            `json:"username" yaml:"username"`
	Email      string            `json:"email,omitempty" yaml:"email,omitempty"`
	FirstName  string            `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName   string            `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	GroupIDs   []string          `json:"group_ids" yaml:"group_ids"`
	RoleIDs    []string          `json:"role_ids" yaml:"role_ids"`
}

type snapshotResponse struct {
	Groups []model.SourceGroup `json:"groups" yaml:"groups"`
	Users  []snapshotUser      `json:"users" yaml:"users"`
	Roles  []model.SourceRole  `json:"roles" yaml:"roles"`
}

// GetSourceSnapshot — GET /api/v1/source/snapshot.
// Читает группы, пользователей и роли source без записи в target.
func (h *APIHandler) GetSourceSnapshot(w http.ResponseWriter, r *http.Request) {
	var format *string
	if err := bindQuery(r, "format", &format); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр format: "+err.Error())
		return
	}

	snap, err := h.migrations.Snapshot(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "Ошибка чтения снимка source")
		return
	}

	writeFormatted(w, format, mapSnapshot(snap))
}

func mapSnapshot(snap *model.SourceSnapshot) snapshotResponse {
	resp := snapshotResponse{
		Groups: snap.Groups,
		Users:  make([]snapshotUser, len(snap.Users)),
		Roles:  snap.Roles,
	}
	if resp.Groups == nil {
		resp.Groups = []model.SourceGroup{}
	}
	if resp.Roles == nil {
		resp.Roles = []model.SourceRole{}
	}
	for i := range snap.Users {
		u := &snap.Users[i]
		resp.Users[i] = snapshotUser{
			ID:         u.ID,
			Username:   u.Username,
			Email:      u.Email,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Enabled:    u.Enabled,
			Attributes: u.Attributes,
			GroupIDs:   nonNilStrings(u.SortedGroupIDs()),
			RoleIDs:    nonNilStrings(u.SortedRoleIDs()),
		}
	}
	return resp
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
