// migration.go — сервис запусков миграции идентичностей.
//
// MigrationService управляет жизненным циклом запусков:
//  1. Start — проверка, что нет активного запуска, запись running в БД
//  2. фоновое выполнение фаз оркестратора (отмена — Cancel или IM_RUN_TIMEOUT)
//  3. итоговый статус + отчёт + таблица соответствий сохраняются одной транзакцией
//
// Пока запуск активен, Get возвращает «живой» отчёт из памяти.
//
// Prometheus-метрики:
//   - im_migration_runs_total — завершённые запуски по статусу
//   - im_migration_duration_seconds — длительность запуска
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/migration"
	"github.com/bigkaa/goartstore/idp-migrator/internal/repository"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_migration_runs_total",
		Help: "Количество завершённых запусков миграции по статусу",
	}, []string{"status", "dry_run"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_migration_duration_seconds",
		Help:    "Длительность запуска миграции",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s … ~17m
	}, []string{"dry_run"})
)

// persistTimeout — время на сохранение итога после завершения (или отмены) запуска.
const persistTimeout = 15 * time.Second

// RunStore — хранилище истории запусков (реализуется repository.Store).
type RunStore interface {
	SaveRun(ctx context.Context, run *model.MigrationRun) error
	SaveResult(ctx context.Context, run *model.MigrationRun, mappings []model.MappingEntry) error
	GetRun(ctx context.Context, id string) (*model.MigrationRun, error)
	ListRuns(ctx context.Context, filters repository.RunListFilters, limit, offset int) ([]*model.MigrationRun, int, error)
	ListMappings(ctx context.Context, runID string, kind *model.EntityKind) ([]model.MappingEntry, error)
	FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error)
}

// StartRequest — параметры нового запуска.
type StartRequest struct {
	// DryRun — nil означает значение по умолчанию (IM_DRY_RUN_DEFAULT)
	DryRun *bool
	// Phases — фазы запуска; пусто — все
	Phases []model.Phase
}

// activeRun — выполняющийся запуск.
type activeRun struct {
	run    *migration.Run
	record model.MigrationRun
	phases []model.Phase
	cancel context.CancelFunc
	done   chan struct{}
}

// MigrationService — сервис запусков миграции.
type MigrationService struct {
	orchestrator  *migration.Orchestrator
	store         RunStore
	defaultDryRun bool
	runTimeout    time.Duration
	now           func() time.Time
	logger        *slog.Logger

	// baseCtx — родительский контекст фоновых запусков (отменяется при Shutdown)
	baseCtx    context.Context
	stopCancel context.CancelFunc

	mu     sync.Mutex
	active *activeRun
}

// MigrationOptions — параметры сервиса.
type MigrationOptions struct {
	DefaultDryRun bool
	// RunTimeout — ограничение длительности запуска (0 — без ограничения)
	RunTimeout time.Duration
	// Now — источник времени (для тестов)
	Now func() time.Time
}

// NewMigrationService создаёт сервис запусков миграции.
func NewMigrationService(
	orchestrator *migration.Orchestrator,
	store RunStore,
	opts MigrationOptions,
	logger *slog.Logger,
) *MigrationService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &MigrationService{
		orchestrator:  orchestrator,
		store:         store,
		defaultDryRun: opts.DefaultDryRun,
		runTimeout:    opts.RunTimeout,
		now:           opts.Now,
		logger:        logger.With(slog.String("component", "migration_service")),
		baseCtx:       baseCtx,
		stopCancel:    stop,
	}
}

// ParsePhases разбирает имена фаз (groups, users, memberships, all).
// Пустой список — все фазы.
func ParsePhases(names []string) ([]model.Phase, error) {
	if len(names) == 0 {
		return migration.AllPhases, nil
	}
	var phases []model.Phase
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "all":
			return migration.AllPhases, nil
		case "groups", strings.ToLower(string(model.PhaseGroups)):
			phases = append(phases, model.PhaseGroups)
		case "users", strings.ToLower(string(model.PhaseUsers)):
			phases = append(phases, model.PhaseUsers)
		case "memberships", strings.ToLower(string(model.PhaseMemberships)):
			phases = append(phases, model.PhaseMemberships)
		default:
			return nil, fmt.Errorf("%w: неизвестная фаза %q, допустимые: groups, users, memberships, all", ErrValidation, name)
		}
	}
	return phases, nil
}

// Recover закрывает запуски, оставшиеся в статусе running после рестарта.
func (s *MigrationService) Recover(ctx context.Context) error {
	n, err := s.store.FailInterrupted(ctx, "запуск прерван перезапуском сервиса", s.now().UTC())
	if err != nil {
		return fmt.Errorf("закрытие прерванных запусков: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Прерванные запуски помечены как failed", slog.Int("count", n))
	}
	return nil
}

// Start запускает миграцию в фоне и возвращает запись запуска (status=running).
func (s *MigrationService) Start(ctx context.Context, req StartRequest) (*model.MigrationRun, error) {
	dryRun := s.defaultDryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	phases := req.Phases
	if len(phases) == 0 {
		phases = migration.AllPhases
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, s.active.record.ID)
	}
	if s.baseCtx.Err() != nil {
		return nil, fmt.Errorf("%w: сервис останавливается", ErrRunInProgress)
	}

	id := uuid.NewString()
	record := model.MigrationRun{
		ID:        id,
		DryRun:    dryRun,
		Phase:     model.PhasePending,
		Status:    model.RunRunning,
		StartedAt: s.now().UTC(),
	}
	if err := s.store.SaveRun(ctx, &record); err != nil {
		// Уникальный индекс БД защищает и от запуска на другой реплике
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: активный запуск на другом экземпляре", ErrRunInProgress)
		}
		return nil, fmt.Errorf("сохранение запуска: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	if s.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(s.baseCtx, s.runTimeout)
	}

	active := &activeRun{
		run:    s.orchestrator.NewRun(id, dryRun),
		record: record,
		phases: phases,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = active

	s.logger.Info("Запуск миграции начат",
		slog.String("run_id", id),
		slog.Bool("dry_run", dryRun),
		slog.Any("phases", phases),
	)

	go s.execute(runCtx, active)

	out := record
	return &out, nil
}

// RunSync выполняет запуск и ждёт его завершения (IM_RUN_ON_START).
func (s *MigrationService) RunSync(ctx context.Context, req StartRequest) (*model.MigrationRun, error) {
	started, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil && active.record.ID == started.ID {
		select {
		case <-active.done:
		case <-ctx.Done():
			active.cancel()
			<-active.done
		}
	}
	return s.Get(context.WithoutCancel(ctx), started.ID)
}

// execute выполняет фазы и сохраняет итог.
func (s *MigrationService) execute(ctx context.Context, active *activeRun) {
	defer close(active.done)
	defer active.cancel()

	err := active.run.Execute(ctx, active.phases...)
	report := active.run.Finish()

	record := active.record
	record.Phase = report.Phase
	record.FinishedAt = report.FinishedAt
	record.Summary = report.Summary
	record.Report = &report
	record.Status, record.Error = runStatus(report, err)

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if perr := s.store.SaveResult(persistCtx, &record, active.run.Mappings()); perr != nil {
		s.logger.Error("Ошибка сохранения итога запуска",
			slog.String("run_id", record.ID),
			slog.String("error", perr.Error()),
		)
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()

	dry := fmt.Sprint(record.DryRun)
	runsTotal.WithLabelValues(string(record.Status), dry).Inc()
	if record.FinishedAt != nil {
		runDuration.WithLabelValues(dry).Observe(record.FinishedAt.Sub(record.StartedAt).Seconds())
	}

	s.logger.Info("Запуск миграции завершён",
		slog.String("run_id", record.ID),
		slog.String("status", string(record.Status)),
		slog.String("phase", string(record.Phase)),
		slog.Int("failed", report.Summary.Failed()),
		slog.Int("suppressed_writes", report.SuppressedWrites),
	)
}

// runStatus определяет итоговый статус запуска.
func runStatus(report model.MigrationReport, err error) (model.RunStatus, *string) {
	msg := func(e error) *string {
		s := e.Error()
		return &s
	}

	switch {
	case err == nil && report.Summary.Failed() == 0:
		return model.RunSucceeded, nil
	case err == nil:
		return model.RunCompletedWithErrors, nil
	case errors.Is(err, context.Canceled):
		return model.RunCancelled, msg(errors.New("запуск отменён"))
	case errors.Is(err, context.DeadlineExceeded):
		return model.RunFailed, msg(errors.New("превышено ограничение длительности запуска"))
	default:
		// idp.ErrSourceUnavailable и прочие фатальные ошибки
		return model.RunFailed, msg(err)
	}
}

// Cancel отменяет активный запуск.
func (s *MigrationService) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil && active.record.ID == id {
		active.cancel()
		s.logger.Info("Запуск миграции отменяется", slog.String("run_id", id))
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRunNotActive, id)
}

// Get возвращает запуск: активный — с «живым» отчётом, завершённый — из БД.
func (s *MigrationService) Get(ctx context.Context, id string) (*model.MigrationRun, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil && active.record.ID == id {
		report := active.run.Report()
		run := active.record
		run.Phase = report.Phase
		run.Summary = report.Summary
		run.Report = &report
		return &run, nil
	}

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("получение запуска: %w", err)
	}
	return run, nil
}

// List возвращает страницу истории запусков.
func (s *MigrationService) List(ctx context.Context, filters repository.RunListFilters, limit, offset int) ([]*model.MigrationRun, int, error) {
	runs, total, err := s.store.ListRuns(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("получение списка запусков: %w", err)
	}
	return runs, total, nil
}

// Mappings возвращает таблицу соответствий запуска.
func (s *MigrationService) Mappings(ctx context.Context, id string, kind *model.EntityKind) ([]model.MappingEntry, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil && active.record.ID == id {
		var out []model.MappingEntry
		for _, e := range active.run.Mappings() {
			if kind == nil || e.SourceKind == *kind {
				out = append(out, e)
			}
		}
		return out, nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.ListMappings(ctx, id, kind)
	if err != nil {
		return nil, fmt.Errorf("получение таблицы соответствий: %w", err)
	}
	return entries, nil
}

// Snapshot возвращает нормализованный снимок source (без записи в target).
func (s *MigrationService) Snapshot(ctx context.Context) (*model.SourceSnapshot, error) {
	return s.orchestrator.Snapshot(ctx)
}

// Active возвращает ID активного запуска или "".
func (s *MigrationService) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.record.ID
}

// Wait ждёт завершения активного запуска (если он есть).
func (s *MigrationService) Wait(ctx context.Context) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil {
		return nil
	}
	select {
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown отменяет активный запуск и ждёт сохранения его итога.
func (s *MigrationService) Shutdown(ctx context.Context) error {
	s.stopCancel()
	return s.Wait(ctx)
}
