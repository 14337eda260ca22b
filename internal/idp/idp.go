// Пакет idp — контракты source/target IdP и таксономия ошибок миграции.
// Конкретные интеграции (keycloak, authentik) реализуют эти интерфейсы
// и выбираются конфигурацией при сборке сервиса.
package idp

import (
	"context"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

// SourceReader — read-only доступ к source IdP.
// Результаты материализуются полностью (пагинация скрыта внутри).
// Ошибка может одновременно сопровождаться непустым результатом:
// в этом случае она содержит только *SourceDataError по отброшенным записям.
type SourceReader interface {
	FetchGroups(ctx context.Context) ([]model.SourceGroup, error)
	FetchUsers(ctx context.Context) ([]model.SourceUser, error)
	FetchRoles(ctx context.Context) ([]model.SourceRole, error)
}

// TargetWriter — идемпотентные операции записи в target IdP.
// Find* возвращают (nil, nil), если сущность отсутствует.
// Create* сначала выполняют поиск и возвращают существующую сущность при совпадении.
type TargetWriter interface {
	FindGroupByName(ctx context.Context, name string) (*model.TargetGroup, error)
	CreateGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error)
	FindUserByUsername(ctx context.Context, username string) (*model.TargetUser, error)
	CreateUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) error
}

// TargetInserter — необязательное расширение TargetWriter: запись без
// предварительного поиска, для вызывающего, который только что получил промах Find*.
// Если запись отклонена, но сущность появилась в target, Insert* возвращают найденную.
type TargetInserter interface {
	InsertGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error)
	InsertUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error)
}
