// dryrun.go — стратегия записи для режима dry-run.
package migration

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

// DryRunIDPrefix — префикс синтетических target ID.
const DryRunIDPrefix = "dry-run:"

// dryRunNamespace — пространство имён для детерминированных UUID (SHA-1).
var dryRunNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("idp-migrator/dry-run"))

// DryRunWriter оборачивает настоящий TargetWriter: чтения (Find*) делегируются,
// записи подавляются, а созданным сущностям выдаются детерминированные
// синтетические ID с префиксом "dry-run:". Insert* к target не обращаются.
type DryRunWriter struct {
	inner      idp.TargetWriter
	suppressed atomic.Int64
	logger     *slog.Logger
}

var (
	_ idp.TargetWriter   = (*DryRunWriter)(nil)
	_ idp.TargetInserter = (*DryRunWriter)(nil)
)

// NewDryRunWriter создаёт DryRunWriter поверх inner.
func NewDryRunWriter(inner idp.TargetWriter, logger *slog.Logger) *DryRunWriter {
	return &DryRunWriter{
		inner:  inner,
		logger: logger.With(slog.String("component", "dry_run_writer")),
	}
}

// SyntheticID возвращает детерминированный dry-run ID для сущности.
func SyntheticID(kind model.EntityKind, key string) string {
	return DryRunIDPrefix + uuid.NewSHA1(dryRunNamespace, []byte(string(kind)+":"+key)).String()
}

// IsSyntheticID сообщает, является ли ID синтетическим.
func IsSyntheticID(id string) bool {
	return strings.HasPrefix(id, DryRunIDPrefix)
}

// Suppressed возвращает число подавленных операций записи.
func (w *DryRunWriter) Suppressed() int {
	return int(w.suppressed.Load())
}

func (w *DryRunWriter) FindGroupByName(ctx context.Context, name string) (*model.TargetGroup, error) {
	return w.inner.FindGroupByName(ctx, name)
}

func (w *DryRunWriter) FindUserByUsername(ctx context.Context, username string) (*model.TargetUser, error) {
	return w.inner.FindUserByUsername(ctx, username)
}

// CreateGroup возвращает существующую группу или синтетическую без записи в target.
func (w *DryRunWriter) CreateGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error) {
	existing, err := w.inner.FindGroupByName(ctx, payload.Name)
	if err != nil || existing != nil {
		return existing, err
	}
	return w.InsertGroup(ctx, payload)
}

// InsertGroup возвращает синтетическую группу без записи в target.
func (w *DryRunWriter) InsertGroup(_ context.Context, payload model.GroupPayload) (*model.TargetGroup, error) {
	w.suppressed.Add(1)
	w.logger.Debug("dry-run: создание группы подавлено", slog.String("name", payload.Name))
	return &model.TargetGroup{
		ID:         SyntheticID(model.KindGroup, payload.Name),
		Name:       payload.Name,
		Attributes: payload.Attributes,
	}, nil
}

// CreateUser возвращает существующего пользователя или синтетического без записи в target.
func (w *DryRunWriter) CreateUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error) {
	existing, err := w.inner.FindUserByUsername(ctx, payload.Username)
	if err != nil || existing != nil {
		return existing, err
	}
	return w.InsertUser(ctx, payload)
}

// InsertUser возвращает синтетического пользователя без записи в target.
func (w *DryRunWriter) InsertUser(_ context.Context, payload model.UserPayload) (*model.TargetUser, error) {
	w.suppressed.Add(1)
	w.logger.Debug("dry-run: создание пользователя подавлено", slog.String("username", payload.Username))
	return &model.TargetUser{
		ID:       SyntheticID(model.KindUser, payload.Username),
		Username: payload.Username,
		Email:    payload.Email,
		Name:     payload.Name,
		Enabled:  payload.Enabled,
	}, nil
}

// AddUserToGroup ничего не делает.
func (w *DryRunWriter) AddUserToGroup(_ context.Context, userID, groupID string) error {
	w.suppressed.Add(1)
	w.logger.Debug("dry-run: добавление в группу подавлено",
		slog.String("user_id", userID),
		slog.String("group_id", groupID),
	)
	return nil
}
