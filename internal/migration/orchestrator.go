// orchestrator.go — конечный автомат миграции:
// MIGRATE_GROUPS → MIGRATE_USERS → MIGRATE_MEMBERSHIPS → DONE.
// Ошибки отдельных сущностей фиксируются в отчёте и не прерывают запуск;
// фатальна только недоступность source. Отмена запуска проверяется только
// между сущностями: начатая запись в target доводится до итога.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

// AllPhases — фазы полного запуска в каноническом порядке.
var AllPhases = []model.Phase{model.PhaseGroups, model.PhaseUsers, model.PhaseMemberships}

// Options — параметры оркестратора.
type Options struct {
	// Workers — число параллельных обработчиков в фазах групп и пользователей (минимум 1)
	Workers int
	// Now — источник времени (для тестов), nil — time.Now
	Now func() time.Time
	// EntityTimeout — предел обработки одной сущности, 0 — DefaultEntityTimeout
	EntityTimeout time.Duration
}

// DefaultEntityTimeout — предел обработки одной сущности (с учётом повторов).
const DefaultEntityTimeout = 5 * time.Minute

// Orchestrator создаёт и выполняет запуски миграции.
type Orchestrator struct {
	source      idp.SourceReader
	target      idp.TargetWriter
	transformer *Transformer
	opts        Options
	logger      *slog.Logger
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(source idp.SourceReader, target idp.TargetWriter, transformer *Transformer, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EntityTimeout <= 0 {
		opts.EntityTimeout = DefaultEntityTimeout
	}
	return &Orchestrator{
		source:      source,
		target:      target,
		transformer: transformer,
		opts:        opts,
		logger:      logger.With(slog.String("component", "migration_orchestrator")),
	}
}

// MigrateAll выполняет полный запуск. Возвращает отчёт даже при ошибках
// отдельных сущностей. При недоступности source возвращает (nil, err);
// при отмене контекста — отчёт по обработанному префиксу и ошибку контекста.
func (o *Orchestrator) MigrateAll(ctx context.Context, dryRun bool) (*model.MigrationReport, error) {
	run := o.NewRun(uuid.NewString(), dryRun)
	err := run.Execute(ctx, AllPhases...)
	report := run.Finish()

	if errors.Is(err, idp.ErrSourceUnavailable) {
		return nil, err
	}
	return &report, err
}

// Snapshot читает полный снимок source (без записи в target).
// Ошибки отдельных записей логируются и не возвращаются.
func (o *Orchestrator) Snapshot(ctx context.Context) (*model.SourceSnapshot, error) {
	snap, err := loadSnapshot(ctx, o.source, o.logger)
	if err != nil {
		return nil, err
	}
	return &model.SourceSnapshot{Groups: snap.groups, Users: snap.users, Roles: snap.roles}, nil
}

// NewRun создаёт запуск. В режиме dryRun запись в target заменяется DryRunWriter.
func (o *Orchestrator) NewRun(runID string, dryRun bool) *Run {
	writer := o.target
	var dry *DryRunWriter
	if dryRun {
		dry = NewDryRunWriter(o.target, o.logger)
		writer = dry
	}

	return &Run{
		id:          runID,
		dryRun:      dryRun,
		source:      o.source,
		writer:      writer,
		dry:         dry,
		transformer: o.transformer,
		mapper:      NewMapper(writer, o.logger),
		builder:     NewReportBuilder(runID, dryRun, o.opts.Now()),
		workers:     o.opts.Workers,
		timeout:     o.opts.EntityTimeout,
		now:         o.opts.Now,
		logger:      o.logger.With(slog.String("run_id", runID), slog.Bool("dry_run", dryRun)),
	}
}

// --- Snapshot ---

// snapshot — материализованные данные source одного запуска.
type snapshot struct {
	groups []model.SourceGroup
	users  []model.SourceUser
	roles  []model.SourceRole

	groupErrs []*idp.SourceDataError
	userErrs  []*idp.SourceDataError

	groupIndex map[string]model.SourceGroup
	roleIndex  map[string]model.SourceRole
}

// splitSourceErr отделяет ошибки отдельных записей от фатальных.
func splitSourceErr(op string, err error) ([]*idp.SourceDataError, error) {
	list, ok := idp.SourceDataErrors(err)
	if ok {
		return list, nil
	}
	if errors.Is(err, idp.ErrSourceUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s: %w", idp.ErrSourceUnavailable, op, err)
}

// loadSnapshot читает группы, пользователей и роли. Сущности сортируются по source ID.
func loadSnapshot(ctx context.Context, source idp.SourceReader, logger *slog.Logger) (*snapshot, error) {
	s := &snapshot{}

	groups, err := source.FetchGroups(ctx)
	if s.groupErrs, err = splitSourceErr("FetchGroups", err); err != nil {
		return nil, err
	}
	users, err := source.FetchUsers(ctx)
	if s.userErrs, err = splitSourceErr("FetchUsers", err); err != nil {
		return nil, err
	}
	roles, err := source.FetchRoles(ctx)
	roleErrs, err := splitSourceErr("FetchRoles", err)
	if err != nil {
		return nil, err
	}
	for _, re := range roleErrs {
		logger.Warn("Некорректная роль source пропущена",
			slog.String("role_id", re.RecordID),
			slog.String("error", re.Err.Error()),
		)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })

	s.groups, s.users, s.roles = groups, users, roles
	s.groupIndex = make(map[string]model.SourceGroup, len(groups))
	for _, g := range groups {
		s.groupIndex[g.ID] = g
	}
	s.roleIndex = make(map[string]model.SourceRole, len(roles))
	for _, r := range roles {
		s.roleIndex[r.ID] = r
	}

	logger.Info("Снимок source прочитан",
		slog.Int("groups", len(groups)),
		slog.Int("users", len(users)),
		slog.Int("roles", len(roles)),
		slog.Int("invalid_groups", len(s.groupErrs)),
		slog.Int("invalid_users", len(s.userErrs)),
	)
	return s, nil
}

// --- Run ---

// Run — один запуск миграции со своей таблицей соответствий и отчётом.
type Run struct {
	id          string
	dryRun      bool
	source      idp.SourceReader
	writer      idp.TargetWriter
	dry         *DryRunWriter
	transformer *Transformer
	mapper      *Mapper
	builder     *ReportBuilder
	workers     int
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger

	snapMu sync.Mutex
	snap   *snapshot

	// aborted — запуск прерван (отмена или фатальная ошибка source)
	aborted atomic.Bool
}

// ID возвращает идентификатор запуска.
func (r *Run) ID() string { return r.id }

// DryRun сообщает, выполняется ли запуск в режиме dry-run.
func (r *Run) DryRun() bool { return r.dryRun }

// Mappings возвращает текущую таблицу соответствий.
func (r *Run) Mappings() []model.MappingEntry { return r.mapper.Entries() }

// Report возвращает текущий (возможно, частичный) отчёт.
func (r *Run) Report() model.MigrationReport {
	r.syncSuppressed()
	return r.builder.Snapshot()
}

// Finish завершает запуск и возвращает итоговый отчёт. Прерванный запуск
// сохраняет фазу, на которой остановился; успешный переходит в DONE.
func (r *Run) Finish() model.MigrationReport {
	r.syncSuppressed()
	phase := model.PhaseDone
	if r.aborted.Load() {
		phase = r.builder.Snapshot().Phase
	}
	return r.builder.Finish(r.now(), phase)
}

func (r *Run) syncSuppressed() {
	if r.dry != nil {
		r.builder.SetSuppressedWrites(r.dry.Suppressed())
	}
}

// loadSnapshot читает снимок source один раз за запуск.
func (r *Run) loadSnapshot(ctx context.Context) (*snapshot, error) {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	if r.snap != nil {
		return r.snap, nil
	}
	snap, err := loadSnapshot(ctx, r.source, r.logger)
	if err != nil {
		return nil, err
	}
	r.snap = snap
	return snap, nil
}

// Execute выполняет указанные фазы в каноническом порядке
// (порядок аргументов не важен, повторы игнорируются).
func (r *Run) Execute(ctx context.Context, phases ...model.Phase) error {
	want := make(map[model.Phase]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}

	steps := []struct {
		phase model.Phase
		fn    func(context.Context) error
	}{
		{model.PhaseGroups, r.MigrateGroups},
		{model.PhaseUsers, r.MigrateUsers},
		{model.PhaseMemberships, r.MigrateMemberships},
	}
	for _, step := range steps {
		if !want[step.phase] {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = step.fn(ctx)
		}
		if err != nil {
			r.aborted.Store(true)
			r.logger.Warn("Запуск прерван",
				slog.String("phase", string(step.phase)),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return nil
}

// phaseStart переводит автомат в фазу и возвращает функцию учёта длительности.
func (r *Run) phaseStart(p model.Phase) func() {
	r.builder.SetPhase(p)
	started := time.Now()
	r.logger.Info("Фаза миграции начата", slog.String("phase", string(p)))
	return func() {
		phaseDuration.WithLabelValues(string(p)).Observe(time.Since(started).Seconds())
		r.logger.Info("Фаза миграции завершена",
			slog.String("phase", string(p)),
			slog.Duration("duration", time.Since(started)),
		)
	}
}

// outcomeFromEntry формирует итог по записи таблицы соответствий.
func outcomeFromEntry(entry model.MappingEntry, key string) model.EntityOutcome {
	o := model.EntityOutcome{SourceID: entry.SourceID, SourceKey: key, TargetID: entry.TargetID}
	switch entry.Status {
	case model.MappingCreated:
		o.Action = model.ActionCreated
	case model.MappingExisting:
		o.Action = model.ActionExisting
	default:
		o.Action = model.ActionFailed
		o.Error = entry.Error
	}
	return o
}

// failedDataOutcome — итог для записи source, которую не удалось разобрать.
func (r *Run) failedDataOutcome(kind model.EntityKind, de *idp.SourceDataError) model.EntityOutcome {
	id := de.RecordID
	if id != "" {
		r.mapper.MarkFailed(kind, id, de)
	}
	return model.EntityOutcome{SourceID: id, Action: model.ActionFailed, Error: de.Error()}
}

// entityContext — контекст обработки одной сущности. Отмена запуска на него
// не распространяется, чтобы запись в target не обрывалась на середине.
func (r *Run) entityContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

// process обрабатывает n сущностей с ограниченным параллелизмом и фиксирует
// итоги в порядке индексов. Отмена ctx проверяется перед каждой сущностью;
// начатая сущность всегда получает итог.
func (r *Run) process(ctx context.Context, kind model.EntityKind, n int, handle func(ctx context.Context, i int) model.EntityOutcome) error {
	run := func(i int) model.EntityOutcome {
		ectx, cancel := r.entityContext(ctx)
		defer cancel()
		return handle(ectx, i)
	}

	if r.workers <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.builder.Record(kind, run(i))
		}
		return nil
	}

	outcomes := make([]model.EntityOutcome, n)
	done := make([]bool, n)
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[i], done[i] = run(i), true
			return nil
		})
	}
	_ = g.Wait()

	for i := 0; i < n; i++ {
		if done[i] {
			r.builder.Record(kind, outcomes[i])
		}
	}
	for i := 0; i < n; i++ {
		if !done[i] {
			return ctx.Err()
		}
	}
	return nil
}

// MigrateGroups — фаза MIGRATE_GROUPS.
func (r *Run) MigrateGroups(ctx context.Context) error {
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	defer r.phaseStart(model.PhaseGroups)()

	for _, de := range snap.groupErrs {
		r.builder.Record(model.KindGroup, r.failedDataOutcome(model.KindGroup, de))
	}

	return r.process(ctx, model.KindGroup, len(snap.groups), func(ctx context.Context, i int) model.EntityOutcome {
		g := snap.groups[i]
		payload, err := r.transformer.TransformGroup(g)
		if err != nil {
			return outcomeFromEntry(r.mapper.MarkFailed(model.KindGroup, g.ID, err), g.Name)
		}

		entry, err := r.mapper.ResolveGroup(ctx, g, payload)
		if err != nil {
			r.logger.Warn("Группа не мигрирована",
				slog.String("source_id", g.ID),
				slog.String("name", g.Name),
				slog.String("error", err.Error()),
			)
		}
		return outcomeFromEntry(entry, g.Name)
	})
}

// MigrateUsers — фаза MIGRATE_USERS.
func (r *Run) MigrateUsers(ctx context.Context) error {
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	defer r.phaseStart(model.PhaseUsers)()

	for _, de := range snap.userErrs {
		r.builder.Record(model.KindUser, r.failedDataOutcome(model.KindUser, de))
	}

	return r.process(ctx, model.KindUser, len(snap.users), func(ctx context.Context, i int) model.EntityOutcome {
		u := snap.users[i]
		payload, err := r.transformer.TransformUser(u, snap.roleIndex)
		if err != nil {
			return outcomeFromEntry(r.mapper.MarkFailed(model.KindUser, u.ID, err), u.Username)
		}

		entry, err := r.mapper.ResolveUser(ctx, u, payload)
		if err != nil {
			r.logger.Warn("Пользователь не мигрирован",
				slog.String("source_id", u.ID),
				slog.String("username", u.Username),
				slog.String("error", err.Error()),
			)
		}
		return outcomeFromEntry(entry, u.Username)
	})
}

// membershipEdge — ребро членства user → group.
type membershipEdge struct {
	user    model.SourceUser
	groupID string
}

// MigrateMemberships — фаза MIGRATE_MEMBERSHIPS. Выполняется последовательно.
// Если фазы групп/пользователей в этом запуске не выполнялись, концы ребра
// разрешаются только поиском в target (без создания).
func (r *Run) MigrateMemberships(ctx context.Context) error {
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return err
	}
	defer r.phaseStart(model.PhaseMemberships)()

	var edges []membershipEdge
	for _, u := range snap.users {
		for _, gid := range u.SortedGroupIDs() {
			edges = append(edges, membershipEdge{user: u, groupID: gid})
		}
	}

	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		ectx, cancel := r.entityContext(ctx)
		o := r.migrateMembership(ectx, snap, e)
		cancel()
		r.builder.Record(model.KindMembership, o)
	}
	return nil
}

// endpoint разрешает один конец ребра. reason != "" — ребро нужно пропустить.
func (r *Run) endpoint(
	kind model.EntityKind,
	sourceID string,
	lookup func() (model.MappingEntry, bool, error),
) (entry model.MappingEntry, reason string) {
	entry, ok := r.mapper.Entry(kind, sourceID)
	if !ok {
		var found bool
		var err error
		entry, found, err = lookup()
		if err == nil && !found {
			return entry, fmt.Sprintf("%s %s отсутствует в target", kind, sourceID)
		}
	}
	if entry.Status == model.MappingFailed {
		return entry, fmt.Sprintf("%s %s не мигрирован: %s", kind, sourceID, entry.Error)
	}
	return entry, ""
}

// migrateMembership обрабатывает одно ребро.
func (r *Run) migrateMembership(ctx context.Context, snap *snapshot, e membershipEdge) model.EntityOutcome {
	o := model.EntityOutcome{SourceID: model.MembershipSourceID(e.user.ID, e.groupID)}

	group, inSnapshot := snap.groupIndex[e.groupID]
	if !inSnapshot {
		// Группа могла быть отброшена как некорректная — тогда она есть в таблице как failed
		if entry, ok := r.mapper.Entry(model.KindGroup, e.groupID); ok && entry.Status == model.MappingFailed {
			o.Action, o.Reason = model.ActionSkipped, fmt.Sprintf("group %s не мигрирован: %s", e.groupID, entry.Error)
			return o
		}
		o.Action, o.Reason = model.ActionSkipped, fmt.Sprintf("group %s отсутствует в снимке source", e.groupID)
		return o
	}
	o.SourceKey = e.user.Username + ":" + group.Name

	groupEntry, reason := r.endpoint(model.KindGroup, e.groupID, func() (model.MappingEntry, bool, error) {
		return r.mapper.ResolveExistingGroup(ctx, group)
	})
	if reason != "" {
		o.Action, o.Reason = model.ActionSkipped, reason
		return o
	}

	userEntry, reason := r.endpoint(model.KindUser, e.user.ID, func() (model.MappingEntry, bool, error) {
		return r.mapper.ResolveExistingUser(ctx, e.user)
	})
	if reason != "" {
		o.Action, o.Reason = model.ActionSkipped, reason
		return o
	}

	o.TargetID = model.MembershipSourceID(userEntry.TargetID, groupEntry.TargetID)
	if err := r.writer.AddUserToGroup(ctx, userEntry.TargetID, groupEntry.TargetID); err != nil {
		r.logger.Warn("Членство не мигрировано",
			slog.String("source_id", o.SourceID),
			slog.String("error", err.Error()),
		)
		o.Action, o.Error = model.ActionFailed, err.Error()
		return o
	}

	// Target не сообщает, было ли членство новым: успешное добавление — всегда created
	o.Action = model.ActionCreated
	return o
}
