// mapper.go — таблица соответствий source ID → target ID в рамках одного запуска.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/im7mortal/kmutex"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

// mappingRecord — запись таблицы вместе с исходной ошибкой.
type mappingRecord struct {
	entry model.MappingEntry
	err   error
}

// Mapper разрешает source-сущности в target ID: поиск по естественному ключу,
// при отсутствии — создание. Результат (включая неуспех) кэшируется,
// поэтому на одну сущность за запуск приходится не более одной попытки создания.
// Разрешение одного source ID выполняется под отдельной блокировкой по ключу.
type Mapper struct {
	target idp.TargetWriter
	locks  *kmutex.Kmutex
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]mappingRecord
}

// NewMapper создаёт пустую таблицу соответствий.
func NewMapper(target idp.TargetWriter, logger *slog.Logger) *Mapper {
	return &Mapper{
		target:  target,
		locks:   kmutex.New(),
		logger:  logger.With(slog.String("component", "identity_mapper")),
		records: make(map[string]mappingRecord),
	}
}

func mappingKey(kind model.EntityKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

// Entry возвращает запись таблицы соответствий.
func (m *Mapper) Entry(kind model.EntityKind, sourceID string) (model.MappingEntry, bool) {
	rec, ok := m.record(kind, sourceID)
	return rec.entry, ok
}

// Err возвращает исходную ошибку записи со статусом failed.
func (m *Mapper) Err(kind model.EntityKind, sourceID string) error {
	rec, _ := m.record(kind, sourceID)
	return rec.err
}

func (m *Mapper) record(kind model.EntityKind, sourceID string) (mappingRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[mappingKey(kind, sourceID)]
	return rec, ok
}

// Entries возвращает все записи, упорядоченные по виду и source ID.
func (m *Mapper) Entries() []model.MappingEntry {
	m.mu.RLock()
	out := make([]model.MappingEntry, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.entry)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceKind != out[j].SourceKind {
			return out[i].SourceKind < out[j].SourceKind
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

func (m *Mapper) store(kind model.EntityKind, sourceID string, rec mappingRecord) {
	m.mu.Lock()
	m.records[mappingKey(kind, sourceID)] = rec
	m.mu.Unlock()
}

// MarkFailed фиксирует неуспех сущности, не обращаясь к target.
// Уже существующая запись не перезаписывается.
func (m *Mapper) MarkFailed(kind model.EntityKind, sourceID string, err error) model.MappingEntry {
	key := mappingKey(kind, sourceID)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	if entry, ok := m.Entry(kind, sourceID); ok {
		return entry
	}
	rec := failedRecord(kind, sourceID, err)
	m.store(kind, sourceID, rec)
	return rec.entry
}

func failedRecord(kind model.EntityKind, sourceID string, err error) mappingRecord {
	return mappingRecord{
		entry: model.MappingEntry{
			SourceID:   sourceID,
			SourceKind: kind,
			Status:     model.MappingFailed,
			Error:      err.Error(),
		},
		err: err,
	}
}

// resolve — общий алгоритм resolve-or-create для одного source ID.
// lookup возвращает ("", nil) при отсутствии; create вызывается, только если
// lookup ничего не нашёл. create == nil — только поиск (промах не кэшируется, found=false).
// Неуспех сущности, включая истечение её таймаута, хранится в rec.err.
func (m *Mapper) resolve(
	kind model.EntityKind,
	sourceID string,
	lookup func() (string, error),
	create func() (string, error),
) (rec mappingRecord, found bool) {
	key := mappingKey(kind, sourceID)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	if rec, ok := m.record(kind, sourceID); ok {
		return rec, true
	}

	targetID, err := lookup()
	if err != nil {
		rec = failedRecord(kind, sourceID, err)
		m.store(kind, sourceID, rec)
		return rec, true
	}

	status := model.MappingExisting
	if targetID == "" {
		if create == nil {
			return mappingRecord{}, false
		}
		targetID, err = create()
		if err != nil {
			rec = failedRecord(kind, sourceID, err)
			m.store(kind, sourceID, rec)
			return rec, true
		}
		status = model.MappingCreated
	}

	rec = mappingRecord{entry: model.MappingEntry{
		SourceID:   sourceID,
		SourceKind: kind,
		TargetID:   targetID,
		Status:     status,
	}}
	m.store(kind, sourceID, rec)

	m.logger.Debug("Соответствие установлено",
		slog.String("kind", string(kind)),
		slog.String("source_id", sourceID),
		slog.String("target_id", targetID),
		slog.String("status", string(status)),
	)
	return rec, true
}

// createGroup создаёт группу после промаха поиска: через Insert*, если target
// его поддерживает, иначе через CreateGroup.
func (m *Mapper) createGroup(ctx context.Context, payload model.GroupPayload) (*model.TargetGroup, error) {
	if ins, ok := m.target.(idp.TargetInserter); ok {
		return ins.InsertGroup(ctx, payload)
	}
	return m.target.CreateGroup(ctx, payload)
}

func (m *Mapper) createUser(ctx context.Context, payload model.UserPayload) (*model.TargetUser, error) {
	if ins, ok := m.target.(idp.TargetInserter); ok {
		return ins.InsertUser(ctx, payload)
	}
	return m.target.CreateUser(ctx, payload)
}

// --- Groups ---

// groupLookup ищет группу в target и проверяет соответствие.
func (m *Mapper) groupLookup(ctx context.Context, sourceID, name string) func() (string, error) {
	return func() (string, error) {
		found, err := m.target.FindGroupByName(ctx, name)
		if err != nil || found == nil {
			return "", err
		}
		if err := checkGroup(sourceID, name, found); err != nil {
			return "", err
		}
		return found.ID, nil
	}
}

func checkGroup(sourceID, name string, g *model.TargetGroup) error {
	conflict := func(detail string) error {
		return &idp.MappingConflictError{
			Kind: model.KindGroup, SourceID: sourceID, Key: name, TargetID: g.ID, Detail: detail,
		}
	}
	if g.ID == "" {
		return conflict("target вернул группу с пустым ID")
	}
	if g.Name != name {
		return conflict(fmt.Sprintf("имя в target %q не совпадает", g.Name))
	}
	return nil
}

// ResolveGroup возвращает соответствие для группы, при необходимости создавая её.
// err != nil означает статус failed.
func (m *Mapper) ResolveGroup(ctx context.Context, src model.SourceGroup, payload model.GroupPayload) (model.MappingEntry, error) {
	rec, _ := m.resolve(model.KindGroup, src.ID,
		m.groupLookup(ctx, src.ID, payload.Name),
		func() (string, error) {
			created, err := m.createGroup(ctx, payload)
			if err != nil {
				return "", err
			}
			if err := checkGroup(src.ID, payload.Name, created); err != nil {
				return "", err
			}
			return created.ID, nil
		},
	)
	return rec.entry, rec.err
}

// ResolveExistingGroup — только поиск (для повторного запуска фазы членств).
// found=false, если группы нет ни в таблице, ни в target.
func (m *Mapper) ResolveExistingGroup(ctx context.Context, src model.SourceGroup) (model.MappingEntry, bool, error) {
	rec, found := m.resolve(model.KindGroup, src.ID, m.groupLookup(ctx, src.ID, src.Name), nil)
	return rec.entry, found, rec.err
}

// --- Users ---

// userLookup ищет пользователя в target и проверяет соответствие.
func (m *Mapper) userLookup(ctx context.Context, sourceID, username, email string) func() (string, error) {
	return func() (string, error) {
		found, err := m.target.FindUserByUsername(ctx, username)
		if err != nil || found == nil {
			return "", err
		}
		if err := checkUser(sourceID, username, email, found); err != nil {
			return "", err
		}
		return found.ID, nil
	}
}

func checkUser(sourceID, username, email string, u *model.TargetUser) error {
	conflict := func(detail string) error {
		return &idp.MappingConflictError{
			Kind: model.KindUser, SourceID: sourceID, Key: username, TargetID: u.ID, Detail: detail,
		}
	}
	if u.ID == "" {
		return conflict("target вернул пользователя с пустым ID")
	}
	if u.Username != username {
		return conflict(fmt.Sprintf("username в target %q не совпадает", u.Username))
	}
	if email != "" && u.Email != "" && !strings.EqualFold(u.Email, email) {
		return conflict(fmt.Sprintf("email в target %q отличается от source %q", u.Email, email))
	}
	return nil
}

// ResolveUser возвращает соответствие для пользователя, при необходимости создавая его.
func (m *Mapper) ResolveUser(ctx context.Context, src model.SourceUser, payload model.UserPayload) (model.MappingEntry, error) {
	rec, _ := m.resolve(model.KindUser, src.ID,
		m.userLookup(ctx, src.ID, payload.Username, payload.Email),
		func() (string, error) {
			created, err := m.createUser(ctx, payload)
			if err != nil {
				return "", err
			}
			if err := checkUser(src.ID, payload.Username, payload.Email, created); err != nil {
				return "", err
			}
			return created.ID, nil
		},
	)
	return rec.entry, rec.err
}

// ResolveExistingUser — только поиск (для повторного запуска фазы членств).
func (m *Mapper) ResolveExistingUser(ctx context.Context, src model.SourceUser) (model.MappingEntry, bool, error) {
	rec, found := m.resolve(model.KindUser, src.ID, m.userLookup(ctx, src.ID, src.Username, src.Email), nil)
	return rec.entry, found, rec.err
}
