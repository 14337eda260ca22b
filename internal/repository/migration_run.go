package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

// RunRepository — история запусков миграции (таблица migration_runs).
type RunRepository interface {
	// Save создаёт или обновляет запуск. Второй активный (running) запуск — ErrConflict.
	Save(ctx context.Context, run *model.MigrationRun) error
	// Get возвращает запуск вместе с полным отчётом.
	Get(ctx context.Context, id string) (*model.MigrationRun, error)
	// List возвращает запуски без отчётов, новые первыми.
	List(ctx context.Context, filters RunListFilters, limit, offset int) ([]*model.MigrationRun, error)
	// Count возвращает количество запусков с фильтрацией.
	Count(ctx context.Context, filters RunListFilters) (int, error)
	// FailInterrupted переводит «зависшие» running-запуски (после рестарта) в failed.
	FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error)
}

// RunListFilters — фильтры списка запусков.
type RunListFilters struct {
	Status *model.RunStatus
	DryRun *bool
}

type runRepo struct {
	db DBTX
}

// NewRunRepository создаёт репозиторий запусков.
func NewRunRepository(db DBTX) RunRepository {
	return &runRepo{db: db}
}

func (r *runRepo) Save(ctx context.Context, run *model.MigrationRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("ошибка сериализации summary: %w", err)
	}
	var report []byte
	if run.Report != nil {
		if report, err = json.Marshal(run.Report); err != nil {
			return fmt.Errorf("ошибка сериализации отчёта: %w", err)
		}
	}

	query := `
		INSERT INTO migration_runs (id, dry_run, phase, status, started_at, finished_at, error, summary, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error,
			summary = EXCLUDED.summary,
			report = EXCLUDED.report`

	_, err = r.db.Exec(ctx, query,
		run.ID, run.DryRun, string(run.Phase), string(run.Status), run.StartedAt,
		run.FinishedAt, run.Error, summary, report,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: уже есть активный запуск миграции", ErrConflict)
		}
		return fmt.Errorf("ошибка сохранения запуска %s: %w", run.ID, err)
	}
	return nil
}

// runScanner — общий интерфейс pgx.Row и pgx.Rows для сканирования.
type runScanner interface {
	Scan(dest ...any) error
}

// scanRun сканирует строку migration_runs. withReport — в выборке есть колонка report.
func scanRun(row runScanner, withReport bool) (*model.MigrationRun, error) {
	run := &model.MigrationRun{}
	var phase, status string
	var summary, report []byte

	dest := []any{&run.ID, &run.DryRun, &phase, &status, &run.StartedAt, &run.FinishedAt, &run.Error, &summary}
	if withReport {
		dest = append(dest, &report)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	run.Phase = model.Phase(phase)
	run.Status = model.RunStatus(status)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("некорректный summary запуска %s: %w", run.ID, err)
		}
	}
	if len(report) > 0 {
		run.Report = &model.MigrationReport{}
		if err := json.Unmarshal(report, run.Report); err != nil {
			return nil, fmt.Errorf("некорректный отчёт запуска %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func (r *runRepo) Get(ctx context.Context, id string) (*model.MigrationRun, error) {
	query := `
		SELECT id, dry_run, phase, status, started_at, finished_at, error, summary, report
		FROM migration_runs
		WHERE id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, id), true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения запуска: %w", err)
	}
	return run, nil
}

// buildRunWhere строит WHERE-условие для фильтрации запусков.
func buildRunWhere(filters RunListFilters) (string, []any) {
	var conditions []string
	var args []any

	if filters.Status != nil {
		args = append(args, string(*filters.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.DryRun != nil {
		args = append(args, *filters.DryRun)
		conditions = append(conditions, fmt.Sprintf("dry_run = $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *runRepo) List(ctx context.Context, filters RunListFilters, limit, offset int) ([]*model.MigrationRun, error) {
	where, args := buildRunWhere(filters)
	query := fmt.Sprintf(`
		SELECT id, dry_run, phase, status, started_at, finished_at, error, summary
		FROM migration_runs
		%s
		ORDER BY started_at DESC, id
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка запусков: %w", err)
	}
	defer rows.Close()

	result := make([]*model.MigrationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования запуска: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (r *runRepo) Count(ctx context.Context, filters RunListFilters) (int, error) {
	where, args := buildRunWhere(filters)

	var count int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM migration_runs "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта запусков: %w", err)
	}
	return count, nil
}

func (r *runRepo) FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error) {
	query := `
		UPDATE migration_runs
		SET status = $1, error = $2, finished_at = $3
		WHERE status = $4`

	tag, err := r.db.Exec(ctx, query, string(model.RunFailed), reason, at, string(model.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("ошибка закрытия прерванных запусков: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
