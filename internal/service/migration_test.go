package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/collections/set"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
	"github.com/bigkaa/goartstore/idp-migrator/internal/migration"
	"github.com/bigkaa/goartstore/idp-migrator/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type staticSource struct {
	err error
}

func (s *staticSource) FetchGroups(context.Context) ([]model.SourceGroup, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []model.SourceGroup{{ID: "g1", Name: "admins", Path: "/admins"}}, nil
}

func (s *staticSource) FetchUsers(context.Context) ([]model.SourceUser, error) {
	return []model.SourceUser{{
		ID: "u1", Username: "alice", Email: "a@x", Enabled: true,
		GroupIDs: set.NewStrings("g1"),
	}}, nil
}

func (s *staticSource) FetchRoles(context.Context) ([]model.SourceRole, error) {
	return nil, nil
}

// memTarget — in-memory target; при block != nil создание группы ждёт закрытия block
// или истечения контекста вызова.
type memTarget struct {
	mu     sync.Mutex
	groups map[string]*model.TargetGroup
	users  map[string]*model.TargetUser
	writes int
	failU  error

	block   chan struct{}
	entered chan struct{}
}

func newMemTarget() *memTarget {
	return &memTarget{groups: map[string]*model.TargetGroup{}, users: map[string]*model.TargetUser{}}
}

func (t *memTarget) FindGroupByName(_ context.Context, name string) (*model.TargetGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.groups[name], nil
}

func (t *memTarget) CreateGroup(ctx context.Context, p model.GroupPayload) (*model.TargetGroup, error) {
	if t.block != nil {
		if t.entered != nil {
			close(t.entered)
			t.entered = nil
		}
		select {
		case <-t.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	g := &model.TargetGroup{ID: "grp-" + p.Name, Name: p.Name}
	t.groups[p.Name] = g
	return g, nil
}

func (t *memTarget) FindUserByUsername(_ context.Context, username string) (*model.TargetUser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[username], nil
}

func (t *memTarget) CreateUser(_ context.Context, p model.UserPayload) (*model.TargetUser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failU != nil {
		return nil, t.failU
	}
	t.writes++
	u := &model.TargetUser{ID: "usr-" + p.Username, Username: p.Username, Email: p.Email}
	t.users[p.Username] = u
	return u, nil
}

func (t *memTarget) AddUserToGroup(context.Context, string, string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	return nil
}

// memStore — in-memory RunStore.
type memStore struct {
	mu          sync.Mutex
	runs        map[string]model.MigrationRun
	mappings    map[string][]model.MappingEntry
	saveRunErr  error
	interrupted int
}

func newMemStore() *memStore {
	return &memStore{runs: map[string]model.MigrationRun{}, mappings: map[string][]model.MappingEntry{}}
}

func (s *memStore) SaveRun(_ context.Context, run *model.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveRunErr != nil {
		return s.saveRunErr
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) SaveResult(_ context.Context, run *model.MigrationRun, mappings []model.MappingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	s.mappings[run.ID] = mappings
	return nil
}

func (s *memStore) GetRun(_ context.Context, id string) (*model.MigrationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &run, nil
}

func (s *memStore) ListRuns(_ context.Context, filters repository.RunListFilters, limit, offset int) ([]*model.MigrationRun, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.MigrationRun
	for _, r := range s.runs {
		if filters.Status != nil && r.Status != *filters.Status {
			continue
		}
		run := r
		out = append(out, &run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (s *memStore) ListMappings(_ context.Context, runID string, kind *model.EntityKind) ([]model.MappingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MappingEntry
	for _, e := range s.mappings[runID] {
		if kind == nil || e.SourceKind == *kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) FailInterrupted(context.Context, string, time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted, nil
}

func newTestService(src idp.SourceReader, target idp.TargetWriter, store RunStore, opts MigrationOptions) *MigrationService {
	tr := migration.NewTransformer(migration.TransformConfig{DefaultPassword: "ChangeMe!1"})
	orch := migration.NewOrchestrator(src, target, tr, migration.Options{Workers: 2}, testLogger())
	return NewMigrationService(orch, store, opts, testLogger())
}

func boolPtr(b bool) *bool { return &b }

// --- tests ---

func TestParsePhases(t *testing.T) {
	tests := []struct {
		in      []string
		want    []model.Phase
		wantErr bool
	}{
		{nil, migration.AllPhases, false},
		{[]string{"all"}, migration.AllPhases, false},
		{[]string{"memberships"}, []model.Phase{model.PhaseMemberships}, false},
		{[]string{" Users ", "GROUPS"}, []model.Phase{model.PhaseUsers, model.PhaseGroups}, false},
		{[]string{"MIGRATE_USERS"}, []model.Phase{model.PhaseUsers}, false},
		{[]string{"roles"}, nil, true},
	}
	for _, tt := range tests {
		got, err := ParsePhases(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ParsePhases(%v) ошибка = %v, ожидается ErrValidation", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePhases(%v) ошибка: %v", tt.in, err)
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("ParsePhases(%v) = %v, ожидается %v", tt.in, got, tt.want)
		}
	}
}

func TestRunSyncSucceeded(t *testing.T) {
	store := newMemStore()
	target := newMemTarget()
	svc := newTestService(&staticSource{}, target, store, MigrationOptions{})

	run, err := svc.RunSync(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if run.Status != model.RunSucceeded || run.Phase != model.PhaseDone {
		t.Errorf("Status/Phase = %s/%s, ожидается succeeded/DONE", run.Status, run.Phase)
	}
	if run.Report == nil || run.Report.Summary.Users.Created != 1 {
		t.Errorf("Report = %+v, ожидается один созданный пользователь", run.Report)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt не заполнен")
	}
	if svc.Active() != "" {
		t.Errorf("Active() = %q после завершения, ожидается пусто", svc.Active())
	}

	mappings, err := svc.Mappings(context.Background(), run.ID, nil)
	if err != nil {
		t.Fatalf("Mappings() ошибка: %v", err)
	}
	if len(mappings) != 2 {
		t.Errorf("Mappings() вернул %d записей, ожидается 2 (группа и пользователь)", len(mappings))
	}

	kind := model.KindUser
	users, err := svc.Mappings(context.Background(), run.ID, &kind)
	if err != nil {
		t.Fatalf("Mappings(user) ошибка: %v", err)
	}
	if len(users) != 1 || users[0].TargetID != "usr-alice" {
		t.Errorf("Mappings(user) = %+v, ожидается usr-alice", users)
	}
}

func TestRunSyncDryRunDefault(t *testing.T) {
	target := newMemTarget()
	svc := newTestService(&staticSource{}, target, newMemStore(), MigrationOptions{DefaultDryRun: true})

	run, err := svc.RunSync(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if !run.DryRun || run.Report.SuppressedWrites == 0 {
		t.Errorf("DryRun=%v SuppressedWrites=%d, ожидается dry-run с подавленными записями", run.DryRun, run.Report.SuppressedWrites)
	}
	if target.writes != 0 {
		t.Errorf("target.writes = %d, ожидается 0 в dry-run", target.writes)
	}

	// Явный dry_run=false перекрывает значение по умолчанию
	run, err = svc.RunSync(context.Background(), StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if run.DryRun || target.writes == 0 {
		t.Errorf("DryRun=%v writes=%d, ожидается реальная запись", run.DryRun, target.writes)
	}
}

func TestRunCompletedWithErrors(t *testing.T) {
	target := newMemTarget()
	target.failU = fmt.Errorf("%w: 400", idp.ErrTargetWrite)
	svc := newTestService(&staticSource{}, target, newMemStore(), MigrationOptions{})

	run, err := svc.RunSync(context.Background(), StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if run.Status != model.RunCompletedWithErrors {
		t.Errorf("Status = %s, ожидается completed_with_errors", run.Status)
	}
	if run.Summary.Users.Failed != 1 {
		t.Errorf("Summary.Users.Failed = %d, ожидается 1", run.Summary.Users.Failed)
	}
}

func TestRunSourceUnavailable(t *testing.T) {
	src := &staticSource{err: fmt.Errorf("%w: connection refused", idp.ErrSourceUnavailable)}
	target := newMemTarget()
	svc := newTestService(src, target, newMemStore(), MigrationOptions{})

	run, err := svc.RunSync(context.Background(), StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if run.Status != model.RunFailed || run.Error == nil {
		t.Errorf("Status = %s, Error = %v; ожидается failed с сообщением", run.Status, run.Error)
	}
	if target.writes != 0 {
		t.Errorf("target.writes = %d, ожидается 0", target.writes)
	}
}

func TestStartSingleActiveAndCancel(t *testing.T) {
	target := newMemTarget()
	target.block = make(chan struct{})
	target.entered = make(chan struct{})
	entered := target.entered
	store := newMemStore()
	svc := newTestService(&staticSource{}, target, store, MigrationOptions{})
	ctx := context.Background()

	run, err := svc.Start(ctx, StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("Start() ошибка: %v", err)
	}
	if run.Status != model.RunRunning {
		t.Errorf("Status = %s, ожидается running", run.Status)
	}
	<-entered

	if _, err := svc.Start(ctx, StartRequest{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("второй Start() = %v, ожидается ErrRunInProgress", err)
	}

	live, err := svc.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() активного ошибка: %v", err)
	}
	if live.Status != model.RunRunning || live.Phase != model.PhaseGroups {
		t.Errorf("live = %s/%s, ожидается running/MIGRATE_GROUPS", live.Status, live.Phase)
	}

	if err := svc.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel() ошибка: %v", err)
	}
	// отмена не обрывает начатое создание группы: оно завершается после ответа target
	close(target.block)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() ошибка: %v", err)
	}

	final, err := svc.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if final.Status != model.RunCancelled || final.Phase != model.PhaseGroups {
		t.Errorf("final = %s/%s, ожидается cancelled/MIGRATE_GROUPS", final.Status, final.Phase)
	}
	if final.Report == nil || len(final.Report.Groups) != 1 || final.Report.Groups[0].Action != model.ActionCreated {
		t.Errorf("итог группы после отмены: %+v, ожидается created", final.Report)
	}
	if target.writes != 1 {
		t.Errorf("target.writes = %d, ожидается 1", target.writes)
	}

	if err := svc.Cancel(ctx, run.ID); !errors.Is(err, ErrRunNotActive) {
		t.Errorf("Cancel() завершённого = %v, ожидается ErrRunNotActive", err)
	}
	if err := svc.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel() несуществующего = %v, ожидается ErrNotFound", err)
	}
}

func TestRunTimeout(t *testing.T) {
	target := newMemTarget()
	target.block = make(chan struct{})
	// target отвечает на создание группы позже, чем истекает таймаут запуска
	release := time.AfterFunc(200*time.Millisecond, func() { close(target.block) })
	defer release.Stop()
	svc := newTestService(&staticSource{}, target, newMemStore(), MigrationOptions{RunTimeout: 50 * time.Millisecond})

	run, err := svc.RunSync(context.Background(), StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("RunSync() ошибка: %v", err)
	}
	if run.Status != model.RunFailed || run.Error == nil {
		t.Errorf("Status = %s, ожидается failed по таймауту", run.Status)
	}
	if run.Phase != model.PhaseGroups {
		t.Errorf("Phase = %s, ожидается MIGRATE_GROUPS", run.Phase)
	}
}

func TestStartConflictFromStore(t *testing.T) {
	store := newMemStore()
	store.saveRunErr = fmt.Errorf("%w: уже есть активный запуск", repository.ErrConflict)
	svc := newTestService(&staticSource{}, newMemTarget(), store, MigrationOptions{})

	if _, err := svc.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Start() = %v, ожидается ErrRunInProgress", err)
	}
	if svc.Active() != "" {
		t.Error("после отказа хранилища не должно быть активного запуска")
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(&staticSource{}, newMemTarget(), newMemStore(), MigrationOptions{})
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() = %v, ожидается ErrNotFound", err)
	}
	if _, err := svc.Mappings(context.Background(), "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Mappings() = %v, ожидается ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	svc := newTestService(&staticSource{}, newMemTarget(), newMemStore(), MigrationOptions{DefaultDryRun: true})
	for range 3 {
		if _, err := svc.RunSync(context.Background(), StartRequest{}); err != nil {
			t.Fatalf("RunSync() ошибка: %v", err)
		}
	}

	runs, total, err := svc.List(context.Background(), repository.RunListFilters{}, 2, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if total != 3 || len(runs) != 2 {
		t.Errorf("List() = %d запусков, total %d; ожидается 2 и 3", len(runs), total)
	}
}

func TestRecover(t *testing.T) {
	store := newMemStore()
	store.interrupted = 2
	svc := newTestService(&staticSource{}, newMemTarget(), store, MigrationOptions{})
	if err := svc.Recover(context.Background()); err != nil {
		t.Errorf("Recover() ошибка: %v", err)
	}
}

func TestShutdownCancelsActive(t *testing.T) {
	target := newMemTarget()
	target.block = make(chan struct{})
	target.entered = make(chan struct{})
	entered := target.entered
	svc := newTestService(&staticSource{}, target, newMemStore(), MigrationOptions{})

	run, err := svc.Start(context.Background(), StartRequest{DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("Start() ошибка: %v", err)
	}
	<-entered
	release := time.AfterFunc(50*time.Millisecond, func() { close(target.block) })
	defer release.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() ошибка: %v", err)
	}

	final, err := svc.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Get() ошибка: %v", err)
	}
	if final.Status != model.RunCancelled {
		t.Errorf("Status = %s, ожидается cancelled", final.Status)
	}
	if _, err := svc.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Start() после Shutdown = %v, ожидается отказ", err)
	}
}

func TestSnapshot(t *testing.T) {
	svc := newTestService(&staticSource{}, newMemTarget(), newMemStore(), MigrationOptions{})
	snap, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() ошибка: %v", err)
	}
	if len(snap.Groups) != 1 || len(snap.Users) != 1 {
		t.Errorf("Snapshot() = %+v, ожидается 1 группа и 1 пользователь", snap)
	}
}
