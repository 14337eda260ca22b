package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/juju/collections/set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

func actions(outcomes []model.EntityOutcome) []model.OutcomeAction {
	out := make([]model.OutcomeAction, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.Action
	}
	return out
}

func sourceIDs(outcomes []model.EntityOutcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.SourceID
	}
	return out
}

func countPrefix(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestMigrateAll_FirstRunAndRerun(t *testing.T) {
	src := scenario()
	target := newFakeTarget()

	first, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, first)

	assert.Equal(t, model.PhaseDone, first.Phase)
	assert.False(t, first.DryRun)
	assert.NotNil(t, first.FinishedAt)
	assert.Equal(t, []model.OutcomeAction{model.ActionCreated}, actions(first.Groups))
	assert.Equal(t, []model.OutcomeAction{model.ActionCreated}, actions(first.Users))
	assert.Equal(t, []model.OutcomeAction{model.ActionCreated}, actions(first.Memberships))
	assert.Equal(t, "u1:g1", first.Memberships[0].SourceID)
	assert.Equal(t, "alice:admins", first.Memberships[0].SourceKey)

	groupT := first.Groups[0].TargetID
	userT := first.Users[0].TargetID
	assert.Equal(t, userT+":"+groupT, first.Memberships[0].TargetID)
	assert.True(t, target.members[groupT].Contains(userT), "alice должна состоять в admins")

	// Повторный запуск: ничего не создаётся, членство снова сообщается как created
	second, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []model.OutcomeAction{model.ActionExisting}, actions(second.Groups))
	assert.Equal(t, []model.OutcomeAction{model.ActionExisting}, actions(second.Users))
	assert.Equal(t, []model.OutcomeAction{model.ActionCreated}, actions(second.Memberships))
	assert.Equal(t, groupT, second.Groups[0].TargetID)
	assert.Equal(t, userT, second.Users[0].TargetID)

	calls := target.writes()
	assert.Equal(t, 1, countPrefix(calls, "create_group:"))
	assert.Equal(t, 1, countPrefix(calls, "create_user:"))
	assert.Equal(t, 1, target.members[groupT].Size())

	assert.Equal(t, 1, second.Summary.Groups.Existing)
	assert.Equal(t, 1, second.Summary.Memberships.Created)
	assert.Zero(t, second.Summary.Failed())
}

func TestMigrateAll_DryRunDoesNotWrite(t *testing.T) {
	src := scenario()
	src.users = append(src.users, model.SourceUser{
		ID: "u2", Username: "bob", Email: "b@x", GroupIDs: set.NewStrings("g1"),
	})
	target := newFakeTarget()
	target.users["bob"] = &model.TargetUser{ID: "tu-77", Username: "bob", Email: "b@x"}

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), true)
	require.NoError(t, err)

	assert.Empty(t, target.writes(), "dry-run не должен писать в target")
	assert.True(t, report.DryRun)
	assert.Equal(t, model.PhaseDone, report.Phase)

	require.Len(t, report.Groups, 1)
	assert.Equal(t, model.ActionCreated, report.Groups[0].Action)
	assert.True(t, IsSyntheticID(report.Groups[0].TargetID))

	require.Len(t, report.Users, 2)
	assert.Equal(t, model.ActionCreated, report.Users[0].Action)
	assert.True(t, IsSyntheticID(report.Users[0].TargetID))
	// Существующий пользователь виден как existing с настоящим ID
	assert.Equal(t, model.ActionExisting, report.Users[1].Action)
	assert.Equal(t, "tu-77", report.Users[1].TargetID)

	assert.Equal(t, []model.OutcomeAction{model.ActionCreated, model.ActionCreated}, actions(report.Memberships))
	// группа + alice + два членства
	assert.Equal(t, 4, report.SuppressedWrites)
}

func TestMigrateAll_DryRunIsDeterministic(t *testing.T) {
	target := newFakeTarget()

	a, err := newTestOrchestrator(scenario(), target, 1).MigrateAll(context.Background(), true)
	require.NoError(t, err)
	b, err := newTestOrchestrator(scenario(), target, 1).MigrateAll(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, a.Groups, b.Groups)
	assert.Equal(t, a.Users, b.Users)
	assert.Equal(t, a.Memberships, b.Memberships)
}

func TestMigrateAll_MembershipsAfterEntities(t *testing.T) {
	src := &fakeSource{}
	for _, id := range []string{"g3", "g1", "g2", "g5", "g4"} {
		src.groups = append(src.groups, model.SourceGroup{ID: id, Name: "group-" + id})
	}
	for _, id := range []string{"u2", "u1", "u3"} {
		src.users = append(src.users, model.SourceUser{
			ID: id, Username: "user-" + id, Email: id + "@x", Enabled: true,
			GroupIDs: set.NewStrings("g1", "g4"),
		})
	}
	target := newFakeTarget()

	report, err := newTestOrchestrator(src, target, 4).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	calls := target.writes()
	lastCreate, firstAdd := -1, len(calls)
	for i, c := range calls {
		if strings.HasPrefix(c, "create_") {
			lastCreate = i
		}
		if strings.HasPrefix(c, "add:") && i < firstAdd {
			firstAdd = i
		}
	}
	assert.Less(t, lastCreate, firstAdd, "членства должны добавляться после создания всех сущностей: %v", calls)
	assert.Equal(t, 6, countPrefix(calls, "add:"))

	assert.Equal(t, []string{"g1", "g2", "g3", "g4", "g5"}, sourceIDs(report.Groups))
	assert.Equal(t, []string{"u1", "u2", "u3"}, sourceIDs(report.Users))
	assert.Equal(t, []string{"u1:g1", "u1:g4", "u2:g1", "u2:g4", "u3:g1", "u3:g4"}, sourceIDs(report.Memberships))
}

func TestMigrateAll_WorkersProduceSameReport(t *testing.T) {
	build := func() *fakeSource {
		src := &fakeSource{}
		for _, id := range []string{"g7", "g2", "g9", "g1", "g5", "g3"} {
			src.groups = append(src.groups, model.SourceGroup{ID: id, Name: "group-" + id})
		}
		return src
	}

	seq, err := newTestOrchestrator(build(), newFakeTarget(), 1).MigrateAll(context.Background(), true)
	require.NoError(t, err)
	par, err := newTestOrchestrator(build(), newFakeTarget(), 8).MigrateAll(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, seq.Groups, par.Groups)
	assert.Equal(t, seq.Summary, par.Summary)
}

func TestMigrateAll_PartialFailureIsolated(t *testing.T) {
	src := &fakeSource{
		groups: []model.SourceGroup{
			{ID: "g1", Name: "admins"},
			{ID: "g2", Name: "broken"},
		},
		users: []model.SourceUser{
			{ID: "u1", Username: "alice", Email: "a@x", GroupIDs: set.NewStrings("g1", "g2")},
			{ID: "u2", Username: "nomail", GroupIDs: set.NewStrings("g1")},
		},
	}
	target := newFakeTarget()
	target.failGroup["broken"] = &idp.TargetWriteError{
		EntityKind: model.KindGroup, EntityKey: "broken", Cause: errors.New("HTTP 400"),
	}

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err, "ошибки сущностей не прерывают запуск")
	assert.Equal(t, model.PhaseDone, report.Phase)

	assert.Equal(t, []model.OutcomeAction{model.ActionCreated, model.ActionFailed}, actions(report.Groups))
	assert.Contains(t, report.Groups[1].Error, "HTTP 400")

	assert.Equal(t, []model.OutcomeAction{model.ActionCreated, model.ActionFailed}, actions(report.Users))
	assert.Contains(t, report.Users[1].Error, idp.ErrTransform.Error())

	require.Equal(t, []string{"u1:g1", "u1:g2", "u2:g1"}, sourceIDs(report.Memberships))
	assert.Equal(t, model.ActionCreated, report.Memberships[0].Action)
	assert.Equal(t, model.ActionSkipped, report.Memberships[1].Action)
	assert.Contains(t, report.Memberships[1].Reason, "g2")
	assert.Equal(t, model.ActionSkipped, report.Memberships[2].Action)
	assert.Contains(t, report.Memberships[2].Reason, "u2")

	assert.Equal(t, 2, report.Summary.Failed())
	assert.Equal(t, 2, report.Summary.Memberships.Skipped)
}

func TestMigrateAll_MembershipWriteFailure(t *testing.T) {
	src := scenario()
	target := newFakeTarget()
	target.failAdd["tu-2:tg-1"] = &idp.TargetWriteError{
		EntityKind: model.KindMembership, EntityKey: "alice:admins", Cause: errors.New("HTTP 403"),
	}

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Memberships, 1)
	assert.Equal(t, model.ActionFailed, report.Memberships[0].Action)
	assert.Contains(t, report.Memberships[0].Error, "HTTP 403")
}

func TestMigrateAll_SourceDataErrors(t *testing.T) {
	src := scenario()
	src.users[0].GroupIDs.Add("g9")
	src.groupsErr = errors.Join(&idp.SourceDataError{
		Kind: model.KindGroup, RecordID: "g9", Err: errors.New("нет поля name"),
	})
	src.usersErr = &idp.SourceDataError{Kind: model.KindUser, Err: errors.New("невалидный JSON")}
	target := newFakeTarget()

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, []string{"g9", "g1"}, sourceIDs(report.Groups))
	assert.Equal(t, model.ActionFailed, report.Groups[0].Action)
	assert.Contains(t, report.Groups[0].Error, "нет поля name")
	assert.Equal(t, model.ActionCreated, report.Groups[1].Action)

	require.Len(t, report.Users, 2)
	assert.Equal(t, model.ActionFailed, report.Users[0].Action)
	assert.Empty(t, report.Users[0].SourceID)

	require.Equal(t, []string{"u1:g1", "u1:g9"}, sourceIDs(report.Memberships))
	assert.Equal(t, model.ActionCreated, report.Memberships[0].Action)
	assert.Equal(t, model.ActionSkipped, report.Memberships[1].Action)
	assert.Contains(t, report.Memberships[1].Reason, "не мигрирован")
}

func TestMigrateAll_UnknownGroupReference(t *testing.T) {
	src := scenario()
	src.users[0].GroupIDs = set.NewStrings("g404")

	report, err := newTestOrchestrator(src, newFakeTarget(), 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Memberships, 1)
	assert.Equal(t, model.ActionSkipped, report.Memberships[0].Action)
	assert.Contains(t, report.Memberships[0].Reason, "отсутствует в снимке")
}

func TestMigrateAll_MappingConflict(t *testing.T) {
	src := scenario()
	target := newFakeTarget()
	target.users["alice"] = &model.TargetUser{ID: "tu-99", Username: "alice", Email: "other@x"}

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Users, 1)
	assert.Equal(t, model.ActionFailed, report.Users[0].Action)
	assert.Contains(t, report.Users[0].Error, idp.ErrMappingConflict.Error())

	assert.Equal(t, model.ActionSkipped, report.Memberships[0].Action)
	assert.Equal(t, "other@x", target.users["alice"].Email, "конфликтующая сущность не должна изменяться")
	assert.Zero(t, countPrefix(target.writes(), "create_user:"))
}

func TestMigrateAll_SourceUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed", errors.Join(idp.ErrSourceUnavailable, errors.New("401"))},
		{"plain", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := scenario()
			src.usersErr = tt.err
			target := newFakeTarget()

			report, err := newTestOrchestrator(src, target, 1).MigrateAll(context.Background(), false)
			require.Error(t, err)
			assert.ErrorIs(t, err, idp.ErrSourceUnavailable)
			assert.Nil(t, report)
			assert.Empty(t, target.writes(), "при недоступном source запись не выполняется")
		})
	}
}

func TestMigrateAll_Cancelled(t *testing.T) {
	src := &fakeSource{groups: []model.SourceGroup{
		{ID: "g1", Name: "a"}, {ID: "g2", Name: "b"}, {ID: "g3", Name: "c"},
	}}
	target := newFakeTarget()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target.onCreate = cancel

	report, err := newTestOrchestrator(src, target, 1).MigrateAll(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report, "при отмене возвращается частичный отчёт")

	assert.Equal(t, model.PhaseGroups, report.Phase)
	assert.Equal(t, []string{"g1"}, sourceIDs(report.Groups))
	assert.Equal(t, model.ActionCreated, report.Groups[0].Action, "начатая запись доводится до итога")
	assert.Empty(t, report.Users)
	assert.NotNil(t, report.FinishedAt)
	assert.Equal(t, 1, countPrefix(target.writes(), "create_group:"))
}

func TestMigrateAll_CancelledDuringUserCreate(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			src := scenario()
			src.users = append(src.users, model.SourceUser{ID: "u2", Username: "bob", Email: "b@x", Enabled: true})
			target := newFakeTarget()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			// отмена приходит, пока запрос на создание пользователя ещё не завершён
			target.onCreate = func() {
				if countPrefix(target.writes(), "create_user:") > 0 {
					cancel()
				}
			}

			report, err := newTestOrchestrator(src, target, workers).MigrateAll(ctx, false)
			require.ErrorIs(t, err, context.Canceled)
			require.NotNil(t, report)

			assert.Equal(t, model.PhaseUsers, report.Phase)
			require.NotEmpty(t, report.Users)
			for _, u := range report.Users {
				assert.Equal(t, model.ActionCreated, u.Action, "пользователь %s", u.SourceID)
			}
			// каждый созданный в target пользователь попал в отчёт
			assert.Len(t, report.Users, countPrefix(target.writes(), "create_user:"))
			assert.Empty(t, report.Memberships)
		})
	}
}

func TestRun_EntityTimeout(t *testing.T) {
	src := scenario()
	target := &slowTarget{fakeTarget: newFakeTarget()}
	tr := NewTransformer(TransformConfig{DefaultPassword: "ChangeMe!1"})
	o := NewOrchestrator(src, target, tr, Options{Workers: 1, EntityTimeout: 10 * time.Millisecond}, testLogger())

	report, err := o.MigrateAll(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, model.ActionFailed, report.Groups[0].Action)
	assert.Contains(t, report.Groups[0].Error, context.DeadlineExceeded.Error())
}

// slowTarget — создание группы не завершается до истечения контекста.
type slowTarget struct {
	*fakeTarget
}

func (s *slowTarget) CreateGroup(ctx context.Context, _ model.GroupPayload) (*model.TargetGroup, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_MembershipsOnly(t *testing.T) {
	src := scenario()
	src.users = append(src.users, model.SourceUser{
		ID: "u2", Username: "bob", Email: "b@x", GroupIDs: set.NewStrings("g1"),
	})
	target := newFakeTarget()
	target.groups["admins"] = &model.TargetGroup{ID: "tg-1", Name: "admins"}
	target.users["alice"] = &model.TargetUser{ID: "tu-1", Username: "alice", Email: "a@x"}

	run := newTestOrchestrator(src, target, 1).NewRun("run-1", false)
	require.NoError(t, run.Execute(context.Background(), model.PhaseMemberships))
	report := run.Finish()

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, model.PhaseDone, report.Phase)
	assert.Empty(t, report.Groups)
	assert.Empty(t, report.Users)

	require.Len(t, report.Memberships, 2)
	assert.Equal(t, model.ActionCreated, report.Memberships[0].Action)
	assert.Equal(t, "tu-1:tg-1", report.Memberships[0].TargetID)
	assert.Equal(t, model.ActionSkipped, report.Memberships[1].Action)
	assert.Contains(t, report.Memberships[1].Reason, "отсутствует в target")

	assert.Equal(t, []string{"add:tu-1:tg-1"}, target.writes(), "фаза членств не создаёт сущности")
}

func TestRun_PhasesRunInCanonicalOrder(t *testing.T) {
	target := newFakeTarget()
	run := newTestOrchestrator(scenario(), target, 1).NewRun("run-2", false)

	require.NoError(t, run.Execute(context.Background(),
		model.PhaseMemberships, model.PhaseUsers, model.PhaseGroups, model.PhaseGroups))

	assert.Equal(t, []string{"create_group:admins", "create_user:alice", "add:tu-2:tg-1"}, target.writes())

	mappings := run.Mappings()
	require.Len(t, mappings, 2)
	assert.Equal(t, model.KindGroup, mappings[0].SourceKind)
	assert.Equal(t, model.KindUser, mappings[1].SourceKind)
}

func TestRun_LiveReport(t *testing.T) {
	target := newFakeTarget()
	run := newTestOrchestrator(scenario(), target, 1).NewRun("run-3", true)

	assert.Equal(t, model.PhasePending, run.Report().Phase)

	require.NoError(t, run.Execute(context.Background(), model.PhaseGroups))
	live := run.Report()
	assert.Equal(t, model.PhaseGroups, live.Phase)
	assert.Nil(t, live.FinishedAt)
	assert.Equal(t, 1, live.SuppressedWrites)
	assert.True(t, run.DryRun())
}

func TestOrchestrator_Snapshot(t *testing.T) {
	src := &fakeSource{
		groups: []model.SourceGroup{{ID: "g2", Name: "b"}, {ID: "g1", Name: "a"}},
		users:  []model.SourceUser{{ID: "u2"}, {ID: "u1"}},
		roles:  []model.SourceRole{{ID: "r1", Name: "admin", Scope: model.RoleScopeRealm}},
	}

	snap, err := newTestOrchestrator(src, newFakeTarget(), 1).Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "g1", snap.Groups[0].ID)
	assert.Equal(t, "u1", snap.Users[0].ID)
	assert.Len(t, snap.Roles, 1)
}
