package admission

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
)

// Decision: результат допуска.
type Decision struct {
	Admitted   bool
	Reason     domain.RejectReason
	Message    string
	ContextKey string
}

// Controller проверяет гейты в порядке cooldown → hourly cap → circuit breaker.
// Первый отказавший гейт определяет причину rate_limited.
type Controller struct {
	scheduler *Scheduler
	breaker   *Breaker
}

// NewController создаёт Controller с пустым состоянием.
func NewController() *Controller {
	return &Controller{
		scheduler: NewScheduler(),
		breaker:   NewBreaker(),
	}
}

// Admit решает, может ли workflow выполниться для события.
//
// Проверки одного workflow сериализованы его блокировкой, поэтому два
// события не пройдут cooldown одновременно. Бакет breaker блокируется
// внутри (порядок workflow → bucket везде одинаков). Состояние
// cooldown и часового лимита меняется только при полном допуске.
func (c *Controller) Admit(wf *domain.WorkflowDefinition, ev *domain.Event, now time.Time) Decision {
	st := c.scheduler.state(wf.ID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if wf.LastExecutedAt != nil && wf.LastExecutedAt.After(st.lastExecutedAt) {
		st.lastExecutedAt = *wf.LastExecutedAt
	}

	if reason, msg := checkCooldown(st, wf, now); reason != "" {
		return Decision{Reason: reason, Message: msg}
	}
	if reason, msg := checkHourly(st, wf, now); reason != "" {
		return Decision{Reason: reason, Message: msg}
	}

	var contextKey string
	if cb := wf.CircuitBreaker; cb != nil && cb.Enabled {
		key, ok := ContextKey(cb, ev)
		if !ok {
			field := cb.ContextField
			if cb.IsAuto() {
				field = "root_id/task_id"
			}
			return Decision{
				Reason:  domain.RejectMissingContext,
				Message: fmt.Sprintf("circuit breaker context field %s missing from event", field),
			}
		}
		contextKey = key

		if !c.breaker.Allow(wf.ID, key, cb, now) {
			return Decision{
				Reason:     domain.RejectCircuitBreaker,
				ContextKey: key,
				Message: fmt.Sprintf("circuit breaker open: %d executions within %ds for %s",
					cb.MaxExecutions, cb.WindowSeconds, key),
			}
		}
	}

	st.record(now)
	return Decision{Admitted: true, ContextKey: contextKey}
}

// Seed восстанавливает cooldown и часовой счётчик из ledger.
func (c *Controller) Seed(workflowID uuid.UUID, lastExecutedAt time.Time, recent []time.Time) {
	c.scheduler.Seed(workflowID, lastExecutedAt, recent)
}

// Forget удаляет всё состояние workflow.
func (c *Controller) Forget(workflowID uuid.UUID) {
	c.scheduler.Forget(workflowID)
	c.breaker.ForgetWorkflow(workflowID)
}

// Sweep удаляет простаивающие бакеты breaker.
func (c *Controller) Sweep(now time.Time) int {
	return c.breaker.Sweep(now)
}

// BreakerBuckets возвращает число живых бакетов (метрика).
func (c *Controller) BreakerBuckets() int {
	return c.breaker.Len()
}

// BreakerCount возвращает заполненность окна для ключа
// (пишется в лог старта выполнения).
func (c *Controller) BreakerCount(wf *domain.WorkflowDefinition, contextKey string, now time.Time) int {
	if wf.CircuitBreaker == nil {
		return 0
	}
	return c.breaker.Count(wf.ID, contextKey, wf.CircuitBreaker.Window(), now)
}
