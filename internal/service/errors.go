// errors.go — ошибки сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — запуск не найден.
	ErrNotFound = errors.New("запуск миграции не найден")
	// ErrRunInProgress — уже выполняется другой запуск.
	ErrRunInProgress = errors.New("запуск миграции уже выполняется")
	// ErrRunNotActive — запуск уже завершён (отмена невозможна).
	ErrRunNotActive = errors.New("запуск миграции не активен")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)
