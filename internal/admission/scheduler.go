package admission

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
)

// hourWindow: окно лимита max_executions_per_hour.
const hourWindow = time.Hour

// workflowState: cooldown и часовой счётчик одного workflow.
// Все проверки одного workflow идут под mu.
type workflowState struct {
	mu             sync.Mutex
	lastExecutedAt time.Time
	hourly         []time.Time
}

func (s *workflowState) pruneHourly(now time.Time) {
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(s.hourly) && !s.hourly[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.hourly = append(s.hourly[:0], s.hourly[i:]...)
	}
}

// Scheduler: cooldown и часовой лимит на workflow.
type Scheduler struct {
	states sync.Map // uuid.UUID → *workflowState
}

// NewScheduler создаёт пустой Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) state(workflowID uuid.UUID) *workflowState {
	if v, ok := s.states.Load(workflowID); ok {
		return v.(*workflowState)
	}
	v, _ := s.states.LoadOrStore(workflowID, &workflowState{})
	return v.(*workflowState)
}

// Seed восстанавливает состояние из ledger после рестарта.
// Значения объединяются с уже накопленными, ничего не теряется.
func (s *Scheduler) Seed(workflowID uuid.UUID, lastExecutedAt time.Time, recent []time.Time) {
	st := s.state(workflowID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if lastExecutedAt.After(st.lastExecutedAt) {
		st.lastExecutedAt = lastExecutedAt
	}

	merged := append(append([]time.Time(nil), st.hourly...), recent...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	st.hourly = dedupe(merged)
}

// Forget удаляет состояние workflow.
func (s *Scheduler) Forget(workflowID uuid.UUID) {
	s.states.Delete(workflowID)
}

// checkCooldown: отказ, если now - last_executed_at < cooldown.
func checkCooldown(st *workflowState, wf *domain.WorkflowDefinition, now time.Time) (domain.RejectReason, string) {
	cooldown := wf.Cooldown()
	if cooldown <= 0 || st.lastExecutedAt.IsZero() {
		return "", ""
	}
	elapsed := now.Sub(st.lastExecutedAt)
	if elapsed >= cooldown {
		return "", ""
	}
	remaining := (cooldown - elapsed).Round(time.Millisecond)
	return domain.RejectCooldown, fmt.Sprintf("cooldown active: %s remaining of %s", remaining, cooldown)
}

// checkHourly: отказ, если за последние 60 минут лимит исчерпан.
func checkHourly(st *workflowState, wf *domain.WorkflowDefinition, now time.Time) (domain.RejectReason, string) {
	st.pruneHourly(now)
	if wf.MaxExecutionsPerHour <= 0 {
		return "", ""
	}
	if len(st.hourly) < wf.MaxExecutionsPerHour {
		return "", ""
	}
	return domain.RejectHourlyLimit, fmt.Sprintf("hourly limit reached: %d executions in the last hour (max %d)",
		len(st.hourly), wf.MaxExecutionsPerHour)
}

// record фиксирует допущенное выполнение.
func (st *workflowState) record(now time.Time) {
	if now.After(st.lastExecutedAt) {
		st.lastExecutedAt = now
	}
	st.hourly = append(st.hourly, now)
}

// SortByPriority упорядочивает workflows по убыванию priority.
// При равном priority порядок по имени, затем по ID, чтобы порядок
// побочных эффектов в audit log был стабильным.
func SortByPriority(wfs []*domain.WorkflowDefinition) {
	sort.SliceStable(wfs, func(i, j int) bool {
		a, b := wfs[i], wfs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID.String() < b.ID.String()
	})
}

// storagePrecision: Postgres TIMESTAMPTZ хранит микросекунды (с округлением),
// время в памяти хранит наносекунды. Отметки ближе storagePrecision считаются
// одним выполнением.
const storagePrecision = time.Microsecond

// dedupe убирает повторы из отсортированного списка.
func dedupe(ts []time.Time) []time.Time {
	if len(ts) < 2 {
		return ts
	}
	out := []time.Time{ts[0]}
	for i := 1; i < len(ts); i++ {
		if ts[i].Sub(ts[i-1]) >= storagePrecision {
			out = append(out, ts[i])
		}
	}
	return out
}
