package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

// MappingRepository — сохранённые таблицы соответствий (таблица mapping_entries).
type MappingRepository interface {
	// SaveBatch сохраняет записи таблицы соответствий запуска (повторное сохранение перезаписывает).
	SaveBatch(ctx context.Context, runID string, entries []model.MappingEntry) error
	// ListByRun возвращает записи запуска, упорядоченные по виду и source ID.
	ListByRun(ctx context.Context, runID string, kind *model.EntityKind) ([]model.MappingEntry, error)
}

type mappingRepo struct {
	db DBTX
}

// NewMappingRepository создаёт репозиторий таблиц соответствий.
func NewMappingRepository(db DBTX) MappingRepository {
	return &mappingRepo{db: db}
}

func (r *mappingRepo) SaveBatch(ctx context.Context, runID string, entries []model.MappingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO mapping_entries (run_id, source_kind, source_id, target_id, status, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, source_kind, source_id) DO UPDATE SET
			target_id = EXCLUDED.target_id,
			status = EXCLUDED.status,
			error = EXCLUDED.error`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query, runID, string(e.SourceKind), e.SourceID,
			nullString(e.TargetID), string(e.Status), nullString(e.Error))
	}

	results := r.db.SendBatch(ctx, batch)
	for i := range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("ошибка сохранения соответствия %s/%s: %w",
				entries[i].SourceKind, entries[i].SourceID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("ошибка сохранения таблицы соответствий: %w", err)
	}
	return nil
}

func (r *mappingRepo) ListByRun(ctx context.Context, runID string, kind *model.EntityKind) ([]model.MappingEntry, error) {
	query := `
		SELECT source_kind, source_id, target_id, status, error
		FROM mapping_entries
		WHERE run_id = $1 AND ($2::text IS NULL OR source_kind = $2)
		ORDER BY source_kind, source_id`

	var kindArg *string
	if kind != nil {
		k := string(*kind)
		kindArg = &k
	}

	rows, err := r.db.Query(ctx, query, runID, kindArg)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения таблицы соответствий: %w", err)
	}
	defer rows.Close()

	result := make([]model.MappingEntry, 0)
	for rows.Next() {
		var e model.MappingEntry
		var sourceKind, status string
		var targetID, errText *string
		if err := rows.Scan(&sourceKind, &e.SourceID, &targetID, &status, &errText); err != nil {
			return nil, fmt.Errorf("ошибка сканирования соответствия: %w", err)
		}
		e.SourceKind = model.EntityKind(sourceKind)
		e.Status = model.MappingStatus(status)
		e.TargetID = derefString(targetID)
		e.Error = derefString(errText)
		result = append(result, e)
	}
	return result, rows.Err()
}
