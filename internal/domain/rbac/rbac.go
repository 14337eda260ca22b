// Пакет rbac — роли операторов API миграции.
// Роль определяется по группам из JWT; operator включает права viewer.
package rbac

import (
	"strings"

	"github.com/juju/collections/set"
)

// Роли в порядке возрастания привилегий.
const (
	// RoleViewer — просмотр истории запусков, отчётов и снимка source
	RoleViewer = "viewer"
	// RoleOperator — запуск и отмена миграции
	RoleOperator = "operator"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		if roleWeight[r] > roleWeight[highest] {
			highest = r
		}
	}
	return highest
}

// MapGroupsToRole определяет роль по группам из токена.
// Keycloak может передавать группы полным путём ("/ops/iam-admins"):
// совпадение проверяется и по пути, и по последнему сегменту.
func MapGroupsToRole(groups []string, operatorGroups, viewerGroups []string) string {
	operators := set.NewStrings(operatorGroups...)
	viewers := set.NewStrings(viewerGroups...)

	var roles []string
	for _, g := range groups {
		for _, name := range groupNames(g) {
			if operators.Contains(name) {
				roles = append(roles, RoleOperator)
			}
			if viewers.Contains(name) {
				roles = append(roles, RoleViewer)
			}
		}
	}
	return HighestRole(roles)
}

// groupNames возвращает варианты имени группы для сравнения.
func groupNames(g string) []string {
	trimmed := strings.Trim(g, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return []string{g, trimmed, trimmed[i+1:]}
	}
	return []string{g, trimmed}
}

// HasRole проверяет, что роль actual не ниже required.
func HasRole(actual, required string) bool {
	if !IsValidRole(actual) {
		return false
	}
	return roleWeight[actual] >= roleWeight[required]
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}
