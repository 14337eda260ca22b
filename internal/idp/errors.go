// errors.go — таксономия ошибок миграции.
// Фатальной для запуска является только ErrSourceUnavailable;
// остальные ошибки относятся к одной сущности и фиксируются в отчёте.
package idp

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/idp-migrator/internal/domain/model"
)

var (
	// ErrSourceUnavailable — source IdP недоступен или отклонил аутентификацию.
	ErrSourceUnavailable = errors.New("source IdP недоступен")
	// ErrSourceData — запись source не удалось разобрать.
	ErrSourceData = errors.New("некорректная запись source")
	// ErrTransform — запись source не может быть преобразована (нет обязательного поля).
	ErrTransform = errors.New("ошибка преобразования")
	// ErrTargetWrite — target IdP отклонил запись.
	ErrTargetWrite = errors.New("ошибка записи в target IdP")
	// ErrMappingConflict — найденная в target сущность не соответствует source.
	ErrMappingConflict = errors.New("конфликт соответствия")
)

// SourceDataError — запись source, которую не удалось разобрать.
type SourceDataError struct {
	Kind     model.EntityKind
	RecordID string
	Err      error
}

func (e *SourceDataError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "<без id>"
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrSourceData, e.Kind, id, e.Err)
}

func (e *SourceDataError) Unwrap() error { return e.Err }

// Is позволяет errors.Is(err, ErrSourceData).
func (e *SourceDataError) Is(target error) bool { return target == ErrSourceData }

// TransformError — source-запись не удовлетворяет требованиям target.
type TransformError struct {
	Kind     model.EntityKind
	SourceID string
	Field    string
	Reason   string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: %s %s: поле %s: %s", ErrTransform, e.Kind, e.SourceID, e.Field, e.Reason)
}

// Is позволяет errors.Is(err, ErrTransform).
func (e *TransformError) Is(target error) bool { return target == ErrTransform }

// TargetWriteError — отказ target IdP.
// Transient=true означает, что ошибка временная (5xx, 429, сеть)
// и была повторена до исчерпания бюджета.
type TargetWriteError struct {
	EntityKind model.EntityKind
	EntityKey  string
	Cause      error
	Transient  bool
}

func (e *TargetWriteError) Error() string {
	kind := "постоянная"
	if e.Transient {
		kind = "временная"
	}
	return fmt.Sprintf("%s (%s): %s %q: %v", ErrTargetWrite, kind, e.EntityKind, e.EntityKey, e.Cause)
}

func (e *TargetWriteError) Unwrap() error { return e.Cause }

// Is позволяет errors.Is(err, ErrTargetWrite).
func (e *TargetWriteError) Is(target error) bool { return target == ErrTargetWrite }

// MappingConflictError — сущность с тем же естественным ключом в target
// не соответствует source (пустой ID, другой ключ, другой email).
// Такая сущность никогда не перезаписывается.
type MappingConflictError struct {
	Kind     model.EntityKind
	SourceID string
	Key      string
	TargetID string
	Detail   string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("%s: %s %s (%q → target %q): %s",
		ErrMappingConflict, e.Kind, e.SourceID, e.Key, e.TargetID, e.Detail)
}

// Is позволяет errors.Is(err, ErrMappingConflict).
func (e *MappingConflictError) Is(target error) bool { return target == ErrMappingConflict }

// SourceDataErrors извлекает *SourceDataError из (возможно, объединённой) ошибки.
// Если err содержит что-то кроме ошибок данных, ok=false.
func SourceDataErrors(err error) (list []*SourceDataError, ok bool) {
	if err == nil {
		return nil, true
	}
	var errs []error
	if joined, isJoined := err.(interface{ Unwrap() []error }); isJoined {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var sde *SourceDataError
		if !errors.As(e, &sde) {
			return nil, false
		}
		list = append(list, sde)
	}
	return list, true
}
