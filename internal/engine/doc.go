// Package engine содержит чистые вычисления над событиями Celery.
//
// Включает:
//   - condition.go: вычисление дерева условий (AND/OR, short-circuit)
//   - template.go:  рендеринг параметров действий ({{ .task_name }})
//   - simulate.go:  dry-run проверка workflow без побочных эффектов
//
// Функции пакета не имеют состояния (кроме кеша regex) и безопасны
// для конкурентного вызова из пула воркеров оркестратора.
package engine
