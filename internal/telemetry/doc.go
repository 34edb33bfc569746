// Package telemetry: логирование и метрики celerywatch.
//
//   - logging.go: slog (JSON или text), опционально файл с ротацией lumberjack;
//     логгер передаётся через context вместе с workflow_id, execution_id, task_id
//   - metrics.go: Prometheus метрики движка и API
//
// Каждый бинарник отдаёт метрики на /metrics.
package telemetry
