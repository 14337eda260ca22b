package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

// PoolDB — пул подключений: запросы + транзакции (*pgxpool.Pool).
type PoolDB interface {
	DBTX
	TxBeginner
}

// Store объединяет репозитории запусков и таблиц соответствий.
type Store struct {
	runs     RunRepository
	mappings MappingRepository
	tx       *TxRunner
}

// NewStore создаёт хранилище поверх пула подключений.
func NewStore(db PoolDB) *Store {
	return &Store{
		runs:     NewRunRepository(db),
		mappings: NewMappingRepository(db),
		tx:       NewTxRunner(db),
	}
}

// SaveRun создаёт или обновляет запись запуска.
func (s *Store) SaveRun(ctx context.Context, run *model.MigrationRun) error {
	return s.runs.Save(ctx, run)
}

// SaveResult атомарно сохраняет итог запуска и его таблицу соответствий.
func (s *Store) SaveResult(ctx context.Context, run *model.MigrationRun, mappings []model.MappingEntry) error {
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		if err := NewRunRepository(tx).Save(ctx, run); err != nil {
			return err
		}
		return NewMappingRepository(tx).SaveBatch(ctx, run.ID, mappings)
	})
}

// GetRun возвращает запуск с отчётом.
func (s *Store) GetRun(ctx context.Context, id string) (*model.MigrationRun, error) {
	return s.runs.Get(ctx, id)
}

// ListRuns возвращает страницу запусков и общее количество.
func (s *Store) ListRuns(ctx context.Context, filters RunListFilters, limit, offset int) ([]*model.MigrationRun, int, error) {
	runs, err := s.runs.List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.runs.Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListMappings возвращает сохранённую таблицу соответствий запуска.
func (s *Store) ListMappings(ctx context.Context, runID string, kind *model.EntityKind) ([]model.MappingEntry, error) {
	return s.mappings.ListByRun(ctx, runID, kind)
}

// FailInterrupted закрывает запуски, прерванные рестартом сервиса.
func (s *Store) FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error) {
	return s.runs.FailInterrupted(ctx, reason, at)
}
