// Package admission решает, допускается ли выполнение workflow.
//
// Гейты, в порядке проверки:
//   - cooldown:   минимальный интервал между выполнениями workflow
//   - hourly cap: max_executions_per_hour за скользящие 60 минут
//   - breaker:    скользящее окно на (workflow_id, context_key)
//
// Состояние хранится только в памяти процесса. Блокировки берутся на
// workflow и на бакет breaker, глобальной блокировки нет.
package admission
