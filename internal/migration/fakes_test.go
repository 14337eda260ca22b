package migration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/juju/collections/set"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
	"github.com/bigkaa/goartstore/idp-migrator/internal/idp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource — статический source IdP.
type fakeSource struct {
	groups []model.SourceGroup
	users  []model.SourceUser
	roles  []model.SourceRole

	groupsErr error
	usersErr  error
	rolesErr  error

	mu    sync.Mutex
	calls int
}

func (s *fakeSource) FetchGroups(context.Context) ([]model.SourceGroup, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return append([]model.SourceGroup(nil), s.groups...), s.groupsErr
}

func (s *fakeSource) FetchUsers(context.Context) ([]model.SourceUser, error) {
	return append([]model.SourceUser(nil), s.users...), s.usersErr
}

func (s *fakeSource) FetchRoles(context.Context) ([]model.SourceRole, error) {
	return append([]model.SourceRole(nil), s.roles...), s.rolesErr
}

// fakeTarget — in-memory target IdP с журналом вызовов.
type fakeTarget struct {
	mu      sync.Mutex
	groups  map[string]*model.TargetGroup // по имени
	users   map[string]*model.TargetUser  // по username
	members map[string]set.Strings        // groupID → userIDs
	nextID  int

	// calls — журнал операций записи: "create_group:<name>", "create_user:<username>", "add:<user>:<group>"
	calls []string
	finds int

	failGroup map[string]error
	failUser  map[string]error
	failAdd   map[string]error // ключ "<userID>:<groupID>"

	// onCreate вызывается после каждой успешной операции записи; если после
	// него контекст вызова отменён, Create* возвращает ctx.Err(), как оборванный HTTP-запрос
	onCreate func()
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		groups:    map[string]*model.TargetGroup{},
		users:     map[string]*model.TargetUser{},
		members:   map[string]set.Strings{},
		failGroup: map[string]error{},
		failUser:  map[string]error{},
		failAdd:   map[string]error{},
	}
}

func (t *fakeTarget) writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *fakeTarget) FindGroupByName(_ context.Context, name string) (*model.TargetGroup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finds++
	if g, ok := t.groups[name]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, nil
}

func (t *fakeTarget) CreateGroup(ctx context.Context, p model.GroupPayload) (*model.TargetGroup, error) {
	t.mu.Lock()
	if err := t.failGroup[p.Name]; err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if g, ok := t.groups[p.Name]; ok {
		t.mu.Unlock()
		return g, nil
	}
	t.nextID++
	g := &model.TargetGroup{ID: "tg-" + strconv.Itoa(t.nextID), Name: p.Name, Attributes: p.Attributes}
	t.groups[p.Name] = g
	t.calls = append(t.calls, "create_group:"+p.Name)
	hook := t.onCreate
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g, nil
}

func (t *fakeTarget) FindUserByUsername(_ context.Context, username string) (*model.TargetUser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finds++
	if u, ok := t.users[username]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (t *fakeTarget) CreateUser(ctx context.Context, p model.UserPayload) (*model.TargetUser, error) {
	t.mu.Lock()
	if err := t.failUser[p.Username]; err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if u, ok := t.users[p.Username]; ok {
		t.mu.Unlock()
		return u, nil
	}
	t.nextID++
	u := &model.TargetUser{ID: "tu-" + strconv.Itoa(t.nextID), Username: p.Username, Email: p.Email, Name: p.Name, Enabled: p.Enabled}
	t.users[p.Username] = u
	t.calls = append(t.calls, "create_user:"+p.Username)
	hook := t.onCreate
	t.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return u, nil
}

func (t *fakeTarget) AddUserToGroup(_ context.Context, userID, groupID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failAdd[userID+":"+groupID]; err != nil {
		return err
	}
	if t.members[groupID] == nil {
		t.members[groupID] = set.NewStrings()
	}
	t.members[groupID].Add(userID)
	t.calls = append(t.calls, fmt.Sprintf("add:%s:%s", userID, groupID))
	return nil
}

var _ idp.TargetWriter = (*fakeTarget)(nil)

// scenario — базовый сценарий: группа g1 "admins", пользователь u1 "alice" в g1.
func scenario() *fakeSource {
	return &fakeSource{
		groups: []model.SourceGroup{{ID: "g1", Name: "admins"}},
		users: []model.SourceUser{{
			ID: "u1", Username: "alice", Email: "a@x", Enabled: true,
			GroupIDs: set.NewStrings("g1"),
		}},
	}
}

func newTestOrchestrator(src idp.SourceReader, target idp.TargetWriter, workers int) *Orchestrator {
	tr := NewTransformer(TransformConfig{DefaultPassword: "ChangeMe!1", TagRoles: true})
	return NewOrchestrator(src, target, tr, Options{Workers: workers}, testLogger())
}
