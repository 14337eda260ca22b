// report.go — модели таблицы соответствий и отчёта о миграции.
package model

import "time"

// MappingStatus — терминальный статус записи таблицы соответствий.
type MappingStatus string

const (
	MappingCreated  MappingStatus = "created"
	MappingExisting MappingStatus = "existing"
	MappingFailed   MappingStatus = "failed"
)

// MappingEntry — соответствие source ID → target ID в рамках одного запуска.
type MappingEntry struct {
	SourceID   string        `json:"source_id" yaml:"source_id"`
	SourceKind EntityKind    `json:"source_kind" yaml:"source_kind"`
	TargetID   string        `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Status     MappingStatus `json:"status" yaml:"status"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Resolved сообщает, есть ли у записи рабочий target ID.
func (e MappingEntry) Resolved() bool {
	return e.Status != MappingFailed && e.TargetID != ""
}

// OutcomeAction — итог обработки одной сущности.
type OutcomeAction string

const (
	ActionCreated  OutcomeAction = "created"
	ActionExisting OutcomeAction = "existing"
	ActionSkipped  OutcomeAction = "skipped"
	ActionFailed   OutcomeAction = "failed"
)

// EntityOutcome — итог обработки одной сущности (группы, пользователя, членства).
// Для членств SourceID имеет вид "<user_id>:<group_id>".
type EntityOutcome struct {
	SourceID string `json:"source_id" yaml:"source_id"`
	// SourceKey — естественный ключ (имя группы, username)
	SourceKey string        `json:"source_key,omitempty" yaml:"source_key,omitempty"`
	TargetID  string        `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Action    OutcomeAction `json:"action" yaml:"action"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	// Reason — причина пропуска (только для ActionSkipped)
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// MembershipSourceID формирует идентификатор членства.
func MembershipSourceID(userID, groupID string) string {
	return userID + ":" + groupID
}

// Phase — фаза конечного автомата миграции.
type Phase string

const (
	PhasePending     Phase = "PENDING"
	PhaseGroups      Phase = "MIGRATE_GROUPS"
	PhaseUsers       Phase = "MIGRATE_USERS"
	PhaseMemberships Phase = "MIGRATE_MEMBERSHIPS"
	PhaseDone        Phase = "DONE"
)

// KindCounts — счётчики итогов по одному виду сущностей.
type KindCounts struct {
	Total    int `json:"total" yaml:"total"`
	Created  int `json:"created" yaml:"created"`
	Existing int `json:"existing" yaml:"existing"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Add учитывает один итог.
func (c *KindCounts) Add(action OutcomeAction) {
	c.Total++
	switch action {
	case ActionCreated:
		c.Created++
	case ActionExisting:
		c.Existing++
	case ActionSkipped:
		c.Skipped++
	case ActionFailed:
		c.Failed++
	}
}

// ReportSummary — сводка по отчёту.
type ReportSummary struct {
	Groups      KindCounts `json:"groups" yaml:"groups"`
	Users       KindCounts `json:"users" yaml:"users"`
	Memberships KindCounts `json:"memberships" yaml:"memberships"`
}

// Failed возвращает общее число неуспешных сущностей.
func (s ReportSummary) Failed() int {
	return s.Groups.Failed + s.Users.Failed + s.Memberships.Failed
}

// MigrationReport — структурированный отчёт о запуске миграции.
type MigrationReport struct {
	RunID      string     `json:"run_id" yaml:"run_id"`
	DryRun     bool       `json:"dry_run" yaml:"dry_run"`
	Phase      Phase      `json:"phase" yaml:"phase"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`

	Groups      []EntityOutcome `json:"groups" yaml:"groups"`
	Users       []EntityOutcome `json:"users" yaml:"users"`
	Memberships []EntityOutcome `json:"memberships" yaml:"memberships"`

	// SuppressedWrites — число записей, подавленных в режиме dry-run
	SuppressedWrites int           `json:"suppressed_writes" yaml:"suppressed_writes"`
	Summary          ReportSummary `json:"summary" yaml:"summary"`
}

// RunStatus — статус запуска миграции в сервисе.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	// RunCompletedWithErrors — запуск завершён, но часть сущностей не мигрирована
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
	RunCancelled           RunStatus = "cancelled"
)

// MigrationRun — запись о запуске миграции (хранится в PostgreSQL).
type MigrationRun struct {
	ID         string
	DryRun     bool
	Phase      Phase
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      *string
	Summary    ReportSummary
	Report     *MigrationReport
}
