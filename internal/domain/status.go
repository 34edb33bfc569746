package domain

// ExecutionStatus: статус выполнения workflow.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed
//	(или сразу) rate_limited, если отказал один из гейтов допуска
type ExecutionStatus string

const (
	// ExecutionPending: запись создана при допуске.
	ExecutionPending ExecutionStatus = "pending"

	// ExecutionRunning: pipeline действий запущен.
	ExecutionRunning ExecutionStatus = "running"

	// ExecutionCompleted: все не пропущенные действия успешны
	// (или упали только действия с continue_on_failure).
	ExecutionCompleted ExecutionStatus = "completed"

	// ExecutionFailed: упало действие без continue_on_failure.
	ExecutionFailed ExecutionStatus = "failed"

	// ExecutionRateLimited: отказ cooldown, hourly cap или circuit breaker.
	ExecutionRateLimited ExecutionStatus = "rate_limited"
)

// IsTerminal возвращает true для финальных статусов.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionRateLimited:
		return true
	default:
		return false
	}
}

// CountsAsExecution: учитывается ли запись в счётчиках workflow.
func (s ExecutionStatus) CountsAsExecution() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// IsValid проверяет статус (для фильтров API).
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed, ExecutionRateLimited:
		return true
	default:
		return false
	}
}

// ActionStatus: результат одного действия.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionSkipped ActionStatus = "skipped"
)

// RejectReason: гейт, отказавший в допуске.
type RejectReason string

const (
	RejectCooldown       RejectReason = "cooldown"
	RejectHourlyLimit    RejectReason = "hourly_limit"
	RejectCircuitBreaker RejectReason = "circuit_breaker"

	// RejectMissingContext: ключ контекста не найден в событии,
	// лимит посчитать нельзя, отказываем (fail closed).
	RejectMissingContext RejectReason = "missing_context_key"
)
