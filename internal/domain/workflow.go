package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition описывает правило автоматизации.
//
// Workflow реагирует на события Celery определённого типа (Trigger),
// фильтрует их условиями (Conditions) и выполняет упорядоченный
// список действий (Actions). Движок только читает определение и
// обновляет счётчики после попытки выполнения.
type WorkflowDefinition struct {
	// ID: неизменяемый идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// Name: человекочитаемое имя ("notify-on-payment-failure").
	Name string `json:"name" validate:"required,max=200"`

	// Description: описание назначения workflow.
	Description string `json:"description,omitempty" validate:"max=2000"`

	// Enabled: выключенные workflows никогда не вычисляются.
	Enabled bool `json:"enabled"`

	// Trigger: тип события, на которое реагирует workflow.
	Trigger Trigger `json:"trigger"`

	// Conditions: необязательное дерево условий.
	// nil означает "всегда совпадает".
	Conditions *ConditionGroup `json:"conditions,omitempty"`

	// Actions: упорядоченный список действий.
	Actions []ActionConfig `json:"actions" validate:"dive"`

	// Priority: среди одновременно подходящих workflows больший priority идёт первым.
	Priority int `json:"priority"`

	// CooldownSeconds: минимальный интервал между двумя выполнениями workflow
	// независимо от контекста.
	CooldownSeconds int `json:"cooldown_seconds" validate:"gte=0"`

	// MaxExecutionsPerHour: глобальный лимит выполнений за скользящий час.
	// 0 означает "без лимита".
	MaxExecutionsPerHour int `json:"max_executions_per_hour,omitempty" validate:"gte=0"`

	// CircuitBreaker: необязательный лимит по контексту события.
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`

	// Счётчики обновляются только движком.
	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger описывает тип события, запускающий workflow.
type Trigger struct {
	// Type: тип события в точечной нотации ("task.failed", "worker.offline").
	Type string `json:"type"`

	// Config: дополнительные параметры триггера (для UI).
	Config map[string]any `json:"config,omitempty"`
}

// ActionConfig: один шаг в списке действий workflow.
type ActionConfig struct {
	// Type: тип действия ("slack.notify", "task.retry", "email.send", "webhook.call").
	Type string `json:"type" validate:"required"`

	// ConfigID: ссылка на переиспользуемый ActionConfigDefinition.
	ConfigID *uuid.UUID `json:"config_id,omitempty"`

	// Params: параметры действия. Строки могут содержать Go templates
	// с полями события: {{ .task_name }}, {{ .root_id }}.
	Params map[string]any `json:"params,omitempty"`

	// ContinueOnFailure: продолжать pipeline, если действие упало.
	ContinueOnFailure bool `json:"continue_on_failure"`
}

// CircuitBreakerConfig: скользящее окно выполнений на ключ контекста.
type CircuitBreakerConfig struct {
	Enabled       bool `json:"enabled"`
	MaxExecutions int  `json:"max_executions"`
	WindowSeconds int  `json:"window_seconds"`

	// ContextField: поле события, разбивающее лимит на бюджеты
	// ("root_id", "task_name", "hostname"). Пустое значение или "auto"
	// означает root_id с fallback на task_id.
	ContextField string `json:"context_field,omitempty"`
}

// ContextFieldAuto: автоматический выбор ключа контекста.
const ContextFieldAuto = "auto"

// Window возвращает длину окна.
func (c *CircuitBreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// IsAuto проверяет, используется ли автоматический ключ контекста.
func (c *CircuitBreakerConfig) IsAuto() bool {
	return c.ContextField == "" || c.ContextField == ContextFieldAuto
}

// Cooldown возвращает cooldown как time.Duration.
func (w *WorkflowDefinition) Cooldown() time.Duration {
	return time.Duration(w.CooldownSeconds) * time.Second
}

// IsRunnable проверяет, может ли workflow вычисляться движком.
func (w *WorkflowDefinition) IsRunnable() bool {
	return w.Enabled && w.Trigger.Type != "" && len(w.Actions) > 0
}

// Snapshot возвращает глубокую копию определения для execution record.
// Последующие правки workflow не меняют снимок.
func (w *WorkflowDefinition) Snapshot() *WorkflowDefinition {
	data, err := json.Marshal(w)
	if err != nil {
		cp := *w
		return &cp
	}
	var cp WorkflowDefinition
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *w
	}
	return &cp
}

// ActionConfigDefinition: именованная переиспользуемая конфигурация
// (credentials или адрес назначения), на которую ссылаются workflows.
//
// Удаление конфигурации, на которую есть ссылки, не проверяется:
// действие упадёт при выполнении.
type ActionConfigDefinition struct {
	ID uuid.UUID `json:"id"`

	// Name: уникальное имя ("ops-slack", "smtp-main").
	Name string `json:"name" validate:"required,max=200"`

	// Type: тип действия, для которого предназначена конфигурация.
	Type string `json:"type" validate:"required"`

	// Config: значения, которые подмешиваются в params действия
	// (webhook_url, smtp_host, password ...).
	Config map[string]any `json:"config"`

	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
