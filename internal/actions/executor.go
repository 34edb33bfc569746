package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
)

// Request: входные данные одного действия.
type Request struct {
	// Params: отрендеренные params поверх значений action config.
	Params map[string]any

	Event       *domain.Event
	Workflow    *domain.WorkflowDefinition
	ExecutionID uuid.UUID
}

// Executor: обработчик одного типа действия.
//
// Реализации: SlackExecutor, WebhookExecutor, EmailExecutor, TaskRetryExecutor.
//
// ctx несёт таймаут pipeline.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Result: результат выполнения действия.
type Result struct {
	// Output: данные результата (сохраняются в ActionResult.result).
	Output map[string]any

	// Error: сообщение об ошибке (логическая ошибка выполнения, например HTTP 500).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry: реестр executor'ов по типу действия.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// Deps: зависимости executor'ов по умолчанию.
type Deps struct {
	// Publisher для task.retry. nil: действие падает с ErrPublisherUnavailable.
	Publisher TaskPublisher

	// Dialer для email.send. nil: gomail SMTP dialer из config.
	Dialer DialerFunc
}

// NewRegistry создаёт реестр с executor'ами по умолчанию.
//
// Регистрирует: slack.notify, webhook.call, email.send, task.retry.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(domain.ActionSlackNotify, NewSlackExecutor())
	r.Register(domain.ActionWebhookCall, &WebhookExecutor{})
	r.Register(domain.ActionEmailSend, &EmailExecutor{Dial: deps.Dialer})
	r.Register(domain.ActionTaskRetry, &TaskRetryExecutor{Publisher: deps.Publisher})
	return r
}

// Register добавляет executor для типа действия.
func (r *Registry) Register(actionType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = executor
}

// Get возвращает executor для типа действия.
func (r *Registry) Get(actionType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[actionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, actionType)
	}
	return executor, nil
}

// getString извлекает строку из map с default значением.
// Числа и bool приводятся к строке.
func getString(m map[string]any, key, defaultVal string) string {
	val, ok := m[key]
	if !ok || val == nil {
		return defaultVal
	}
	switch v := val.(type) {
	case string:
		if v == "" {
			return defaultVal
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return defaultVal
}

// getInt извлекает целое (JSON числа приходят как float64, строки парсятся).
func getInt(m map[string]any, key string, defaultVal int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

// getBool извлекает bool ("true"/"false" тоже принимаются).
func getBool(m map[string]any, key string, defaultVal bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// getStringList принимает список или строку через запятую.
func getStringList(m map[string]any, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case []any:
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// getTimeout извлекает таймаут в секундах.
func getTimeout(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	switch v := m[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return defaultVal
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
