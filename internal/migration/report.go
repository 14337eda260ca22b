// report.go — накопитель итогов запуска и рендеринг отчёта (JSON/YAML).
package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

// ReportBuilder — аддитивный накопитель итогов. Потокобезопасен:
// Snapshot можно вызывать во время выполнения запуска.
type ReportBuilder struct {
	mu     sync.Mutex
	report model.MigrationReport
}

// NewReportBuilder создаёт накопитель и фиксирует время начала.
func NewReportBuilder(runID string, dryRun bool, startedAt time.Time) *ReportBuilder {
	return &ReportBuilder{
		report: model.MigrationReport{
			RunID:       runID,
			DryRun:      dryRun,
			Phase:       model.PhasePending,
			StartedAt:   startedAt.UTC(),
			Groups:      []model.EntityOutcome{},
			Users:       []model.EntityOutcome{},
			Memberships: []model.EntityOutcome{},
		},
	}
}

// SetPhase фиксирует текущую фазу.
func (b *ReportBuilder) SetPhase(p model.Phase) {
	b.mu.Lock()
	b.report.Phase = p
	b.mu.Unlock()
}

// SetSuppressedWrites фиксирует число подавленных записей (dry-run).
func (b *ReportBuilder) SetSuppressedWrites(n int) {
	b.mu.Lock()
	b.report.SuppressedWrites = n
	b.mu.Unlock()
}

// Record добавляет итог обработки сущности.
func (b *ReportBuilder) Record(kind model.EntityKind, o model.EntityOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch kind {
	case model.KindGroup:
		b.report.Groups = append(b.report.Groups, o)
		b.report.Summary.Groups.Add(o.Action)
	case model.KindUser:
		b.report.Users = append(b.report.Users, o)
		b.report.Summary.Users.Add(o.Action)
	case model.KindMembership:
		b.report.Memberships = append(b.report.Memberships, o)
		b.report.Summary.Memberships.Add(o.Action)
	}

	entitiesTotal.WithLabelValues(string(kind), string(o.Action), fmt.Sprint(b.report.DryRun)).Inc()
}

// Finish фиксирует время завершения и возвращает итоговый отчёт.
func (b *ReportBuilder) Finish(finishedAt time.Time, phase model.Phase) model.MigrationReport {
	b.mu.Lock()
	t := finishedAt.UTC()
	b.report.FinishedAt = &t
	b.report.Phase = phase
	b.mu.Unlock()
	return b.Snapshot()
}

// Snapshot возвращает независимую копию текущего состояния отчёта.
func (b *ReportBuilder) Snapshot() model.MigrationReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.report
	r.Groups = append([]model.EntityOutcome(nil), b.report.Groups...)
	r.Users = append([]model.EntityOutcome(nil), b.report.Users...)
	r.Memberships = append([]model.EntityOutcome(nil), b.report.Memberships...)
	if r.Groups == nil {
		r.Groups = []model.EntityOutcome{}
	}
	if r.Users == nil {
		r.Users = []model.EntityOutcome{}
	}
	if r.Memberships == nil {
		r.Memberships = []model.EntityOutcome{}
	}
	if b.report.FinishedAt != nil {
		t := *b.report.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// RenderJSON сериализует отчёт в JSON с отступами. Порядок полей и элементов
// стабилен, поэтому отчёты разных запусков удобно сравнивать diff'ом.
func RenderJSON(r model.MigrationReport) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("сериализация отчёта в JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// RenderYAML сериализует отчёт в YAML.
func RenderYAML(r model.MigrationReport) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("сериализация отчёта в YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("сериализация отчёта в YAML: %w", err)
	}
	return buf.Bytes(), nil
}
