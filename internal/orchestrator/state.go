package orchestrator

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/domain"
)

// executionState: выполнение в процессе.
type executionState struct {
	executionID  uuid.UUID
	workflowID   uuid.UUID
	workflowName string
	eventType    string
	taskID       string
	contextKey   string
	startedAt    time.Time
}

// ActiveExecution: публичное представление выполнения в процессе.
type ActiveExecution struct {
	ExecutionID  uuid.UUID `json:"execution_id"`
	WorkflowID   uuid.UUID `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	EventType    string    `json:"event_type"`
	TaskID       string    `json:"task_id,omitempty"`
	ContextKey   string    `json:"context_key,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Stats: состояние движка для /healthz.
type Stats struct {
	Generation       uint64 `json:"generation"`
	Workflows        int    `json:"workflows"`
	Triggers         int    `json:"triggers"`
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	ActiveExecutions int    `json:"active_executions"`
	BreakerBuckets   int    `json:"breaker_buckets"`
	LedgerDegraded   bool   `json:"ledger_degraded"`
}

// trackExecution добавляет выполнение в активные.
func (e *Engine) trackExecution(rec *domain.WorkflowExecutionRecord, wf *domain.WorkflowDefinition, ev *domain.Event) {
	state := &executionState{
		executionID:  rec.ID,
		workflowID:   wf.ID,
		workflowName: wf.Name,
		eventType:    ev.Type,
		taskID:       ev.TaskID,
		contextKey:   rec.ContextKey,
		startedAt:    rec.TriggeredAt,
	}
	if rec.StartedAt != nil {
		state.startedAt = *rec.StartedAt
	}

	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	e.active[rec.ID] = state
}

// untrackExecution удаляет выполнение из активных.
func (e *Engine) untrackExecution(id uuid.UUID) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, id)
}

// ActiveExecutionsCount возвращает количество выполнений в процессе.
func (e *Engine) ActiveExecutionsCount() int {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	return len(e.active)
}

// ActiveExecutions возвращает выполнения в процессе, старые первыми.
func (e *Engine) ActiveExecutions() []ActiveExecution {
	e.activeMu.RLock()
	out := make([]ActiveExecution, 0, len(e.active))
	for _, st := range e.active {
		out = append(out, ActiveExecution{
			ExecutionID:  st.executionID,
			WorkflowID:   st.workflowID,
			WorkflowName: st.workflowName,
			EventType:    st.eventType,
			TaskID:       st.taskID,
			ContextKey:   st.contextKey,
			StartedAt:    st.startedAt,
		})
	}
	e.activeMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats возвращает сводку состояния движка.
func (e *Engine) Stats() Stats {
	snap := e.Snapshot()
	stats := Stats{
		Workflows:        snap.Len(),
		QueueDepth:       len(e.queue),
		QueueCapacity:    cap(e.queue),
		ActiveExecutions: e.ActiveExecutionsCount(),
		BreakerBuckets:   e.admission.BreakerBuckets(),
	}
	if snap != nil {
		stats.Generation = snap.Generation
		stats.Triggers = len(snap.ByTrigger)
	}
	if e.ledger != nil {
		stats.LedgerDegraded = e.ledger.Degraded()
	}
	return stats
}
