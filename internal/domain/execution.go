package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowExecutionRecord: запись аудита одной попытки выполнения.
//
// Создаётся при допуске (pending) или сразу как rate_limited.
// После установки CompletedAt не изменяется.
type WorkflowExecutionRecord struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`

	// TriggeredAt: момент допуска (или отказа).
	TriggeredAt time.Time `json:"triggered_at"`

	// TriggerType: тип события, запустившего выполнение.
	TriggerType string `json:"trigger_type"`

	// TriggerEvent: снимок события.
	TriggerEvent map[string]any `json:"trigger_event"`

	Status ExecutionStatus `json:"status"`

	// ActionsExecuted: результаты действий. Пусто для rate_limited.
	ActionsExecuted []ActionResult `json:"actions_executed"`

	// RejectReason: отказавший гейт (только для rate_limited).
	RejectReason RejectReason `json:"reject_reason,omitempty"`

	// ContextKey: ключ контекста circuit breaker, если он вычислялся.
	ContextKey string `json:"context_key,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	StackTrace   string `json:"stack_trace,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	// WorkflowSnapshot: копия определения на момент выполнения.
	WorkflowSnapshot *WorkflowDefinition `json:"workflow_snapshot,omitempty"`
}

// ActionResult: результат одного действия pipeline.
type ActionResult struct {
	ActionType   string         `json:"action_type"`
	Status       ActionStatus   `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// NewExecutionRecord создаёт pending запись для допущенного события.
func NewExecutionRecord(wf *WorkflowDefinition, ev *Event, now time.Time) *WorkflowExecutionRecord {
	return &WorkflowExecutionRecord{
		ID:               uuid.New(),
		WorkflowID:       wf.ID,
		TriggeredAt:      now,
		TriggerType:      ev.Type,
		TriggerEvent:     ev.Fields(),
		Status:           ExecutionPending,
		ActionsExecuted:  []ActionResult{},
		WorkflowSnapshot: wf.Snapshot(),
	}
}

// NewRateLimitedRecord создаёт финальную запись об отказе в допуске.
func NewRateLimitedRecord(wf *WorkflowDefinition, ev *Event, reason RejectReason, message string, now time.Time) *WorkflowExecutionRecord {
	rec := NewExecutionRecord(wf, ev, now)
	rec.Status = ExecutionRateLimited
	rec.RejectReason = reason
	rec.ErrorMessage = message
	rec.StartedAt = &now
	rec.CompletedAt = &now
	return rec
}

// MarkRunning переводит запись в running.
func (r *WorkflowExecutionRecord) MarkRunning(now time.Time) {
	r.Status = ExecutionRunning
	r.StartedAt = &now
}

// Finish фиксирует результаты pipeline и финальный статус.
func (r *WorkflowExecutionRecord) Finish(status ExecutionStatus, results []ActionResult, now time.Time) {
	r.Status = status
	if results != nil {
		r.ActionsExecuted = results
	}
	if r.StartedAt == nil {
		r.StartedAt = &r.TriggeredAt
	}
	r.CompletedAt = &now
	r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
	if status == ExecutionFailed && r.ErrorMessage == "" {
		r.ErrorMessage = firstActionError(r.ActionsExecuted)
	}
}

// Fail завершает запись с ошибкой уровня выполнения (паника обработчика).
func (r *WorkflowExecutionRecord) Fail(message, stack string, results []ActionResult, now time.Time) {
	r.ErrorMessage = message
	r.StackTrace = stack
	r.Finish(ExecutionFailed, results, now)
}

// Succeeded: выполнение завершилось успешно.
func (r *WorkflowExecutionRecord) Succeeded() bool {
	return r.Status == ExecutionCompleted
}

func firstActionError(results []ActionResult) string {
	for _, res := range results {
		if res.Status == ActionFailed && res.ErrorMessage != "" {
			return res.ActionType + ": " + res.ErrorMessage
		}
	}
	return ""
}
