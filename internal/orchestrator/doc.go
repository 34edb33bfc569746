// Package orchestrator: движок правил.
//
// Engine получает события через Submit, раскладывает их по индексу
// триггеров и обрабатывает пулом воркеров:
//   - условия (engine.Evaluate), промах не оставляет записи в журнале
//   - допуск (admission.Controller): cooldown → hourly cap → circuit breaker
//   - pipeline действий (actions.Pipeline)
//   - журнал выполнений (ledger.Ledger)
//
// Индекс правил пересобирается по уведомлению об изменении и по таймеру.
// Submit никогда не блокирует источник: при полной очереди событие
// отбрасывается.
package orchestrator
