package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/domain"
)

// MemoryStore: хранилище в памяти с тем же набором методов, что и PGStore.
// Используется в тестах и в локальном режиме без Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[uuid.UUID]*domain.WorkflowDefinition
	configs    map[uuid.UUID]*domain.ActionConfigDefinition
	executions map[uuid.UUID]*domain.WorkflowExecutionRecord

	locks    sync.Map // name → *sync.Mutex
	onChange []func(Change)
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[uuid.UUID]*domain.WorkflowDefinition),
		configs:    make(map[uuid.UUID]*domain.ActionConfigDefinition),
		executions: make(map[uuid.UUID]*domain.WorkflowExecutionRecord),
	}
}

// OnChange регистрирует обработчик изменений определений.
// Аналог LISTEN на ChangesChannel.
func (s *MemoryStore) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Ping всегда успешен.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// WithLock выполняет fn, если lock name свободен в этом процессе.
func (s *MemoryStore) WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	v, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()
	return true, fn(ctx)
}

// --- Workflows ---

// CreateWorkflow создаёт workflow.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *domain.WorkflowDefinition) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	s.mu.Lock()
	if _, ok := s.workflows[wf.ID]; ok || s.workflowNameTaken(wf.Name, wf.ID) {
		s.mu.Unlock()
		return ErrAlreadyExists
	}
	s.workflows[wf.ID] = clone(wf)
	s.mu.Unlock()

	s.notify(Change{Kind: KindWorkflow, ID: wf.ID, Op: OpCreate})
	return nil
}

// GetWorkflow возвращает копию workflow.
func (s *MemoryStore) GetWorkflow(_ context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(wf), nil
}

// ListWorkflows возвращает все workflows по имени.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]domain.WorkflowDefinition, error) {
	return s.listWorkflows(false), nil
}

// ListEnabledWorkflows возвращает включённые workflows.
func (s *MemoryStore) ListEnabledWorkflows(_ context.Context) ([]domain.WorkflowDefinition, error) {
	return s.listWorkflows(true), nil
}

// UpdateWorkflow обновляет определение, сохраняя счётчики.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf *domain.WorkflowDefinition) error {
	s.mu.Lock()
	cur, ok := s.workflows[wf.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.workflowNameTaken(wf.Name, wf.ID) {
		s.mu.Unlock()
		return ErrAlreadyExists
	}

	wf.UpdatedAt = time.Now().UTC()
	wf.CreatedAt = cur.CreatedAt
	next := clone(wf)
	next.ExecutionCount = cur.ExecutionCount
	next.SuccessCount = cur.SuccessCount
	next.FailureCount = cur.FailureCount
	next.LastExecutedAt = cur.LastExecutedAt
	s.workflows[wf.ID] = next
	s.mu.Unlock()

	s.notify(Change{Kind: KindWorkflow, ID: wf.ID, Op: OpUpdate})
	return nil
}

// SetWorkflowEnabled включает или выключает workflow.
func (s *MemoryStore) SetWorkflowEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	wf, ok := s.workflows[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	wf.Enabled = enabled
	wf.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.notify(Change{Kind: KindWorkflow, ID: id, Op: OpUpdate})
	return nil
}

// DeleteWorkflow удаляет workflow. История выполнений сохраняется.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.workflows[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.workflows, id)
	s.mu.Unlock()

	s.notify(Change{Kind: KindWorkflow, ID: id, Op: OpDelete})
	return nil
}

// --- Action configs ---

// CreateActionConfig создаёт конфигурацию.
func (s *MemoryStore) CreateActionConfig(_ context.Context, cfg *domain.ActionConfigDefinition) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[cfg.ID]; ok || s.configNameTaken(cfg.Name, cfg.ID) {
		return ErrAlreadyExists
	}
	s.configs[cfg.ID] = clone(cfg)
	return nil
}

// GetActionConfig возвращает конфигурацию.
func (s *MemoryStore) GetActionConfig(_ context.Context, id uuid.UUID) (*domain.ActionConfigDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(cfg), nil
}

// ListActionConfigs возвращает конфигурации по имени.
func (s *MemoryStore) ListActionConfigs(_ context.Context) ([]domain.ActionConfigDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ActionConfigDefinition, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *clone(cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateActionConfig обновляет конфигурацию.
func (s *MemoryStore) UpdateActionConfig(_ context.Context, cfg *domain.ActionConfigDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.configs[cfg.ID]
	if !ok {
		return ErrNotFound
	}
	if s.configNameTaken(cfg.Name, cfg.ID) {
		return ErrAlreadyExists
	}
	cfg.CreatedAt = cur.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.ID] = clone(cfg)
	return nil
}

// DeleteActionConfig удаляет конфигурацию без проверки ссылок.
func (s *MemoryStore) DeleteActionConfig(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// --- Executions ---

// CreateExecution сохраняет новую запись.
func (s *MemoryStore) CreateExecution(_ context.Context, rec *domain.WorkflowExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[rec.ID]; ok {
		return ErrAlreadyExists
	}
	s.executions[rec.ID] = clone(rec)
	return nil
}

// UpdateExecution обновляет незавершённую запись.
func (s *MemoryStore) UpdateExecution(_ context.Context, rec *domain.WorkflowExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[rec.ID]
	if !ok || cur.CompletedAt != nil {
		return ErrNotFound
	}
	s.executions[rec.ID] = clone(rec)
	return nil
}

// FinalizeExecution атомарно сохраняет финальную запись и счётчики.
func (s *MemoryStore) FinalizeExecution(_ context.Context, rec *domain.WorkflowExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.executions[rec.ID]; ok && cur.CompletedAt != nil {
		return nil
	}
	s.executions[rec.ID] = clone(rec)

	if !rec.Status.CountsAsExecution() {
		return nil
	}
	wf, ok := s.workflows[rec.WorkflowID]
	if !ok {
		return nil
	}
	wf.ExecutionCount++
	if rec.Succeeded() {
		wf.SuccessCount++
	} else {
		wf.FailureCount++
	}
	if wf.LastExecutedAt == nil || rec.TriggeredAt.After(*wf.LastExecutedAt) {
		at := rec.TriggeredAt
		wf.LastExecutedAt = &at
	}
	return nil
}

// GetExecution возвращает запись по ID.
func (s *MemoryStore) GetExecution(_ context.Context, id uuid.UUID) (*domain.WorkflowExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

// ListExecutionsByWorkflow возвращает выполнения workflow, новые первыми.
func (s *MemoryStore) ListExecutionsByWorkflow(_ context.Context, workflowID uuid.UUID, filter ExecutionFilter) ([]domain.WorkflowExecutionRecord, error) {
	return s.listExecutions(filter, func(rec *domain.WorkflowExecutionRecord) bool {
		return rec.WorkflowID == workflowID
	}), nil
}

// ListRecentExecutions возвращает последние выполнения всех workflows.
func (s *MemoryStore) ListRecentExecutions(_ context.Context, filter ExecutionFilter) ([]domain.WorkflowExecutionRecord, error) {
	return s.listExecutions(filter, func(*domain.WorkflowExecutionRecord) bool { return true }), nil
}

// ExecutionTimesSince возвращает моменты допуска начиная с since.
func (s *MemoryStore) ExecutionTimesSince(_ context.Context, since time.Time) (map[uuid.UUID][]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uuid.UUID][]time.Time)
	for _, rec := range s.executions {
		if rec.Status == domain.ExecutionRateLimited || rec.TriggeredAt.Before(since) {
			continue
		}
		out[rec.WorkflowID] = append(out[rec.WorkflowID], rec.TriggeredAt)
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].Before(out[id][j]) })
	}
	return out, nil
}

// PurgeExecutions удаляет завершённые записи старше before.
func (s *MemoryStore) PurgeExecutions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.executions {
		if rec.CompletedAt != nil && rec.TriggeredAt.Before(before) {
			delete(s.executions, id)
			n++
		}
	}
	return n, nil
}

// --- Helpers ---

func (s *MemoryStore) notify(c Change) {
	s.mu.RLock()
	handlers := append([]func(Change){}, s.onChange...)
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(c)
	}
}

func (s *MemoryStore) listWorkflows(enabledOnly bool) []domain.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.WorkflowDefinition, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if enabledOnly && !wf.Enabled {
			continue
		}
		out = append(out, *clone(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) listExecutions(filter ExecutionFilter, keep func(*domain.WorkflowExecutionRecord) bool) []domain.WorkflowExecutionRecord {
	filter = filter.normalize()

	s.mu.RLock()
	matched := make([]domain.WorkflowExecutionRecord, 0)
	for _, rec := range s.executions {
		if !keep(rec) {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, *clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].TriggeredAt.After(matched[j].TriggeredAt)
	})

	if filter.Offset >= len(matched) {
		return []domain.WorkflowExecutionRecord{}
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

func (s *MemoryStore) workflowNameTaken(name string, id uuid.UUID) bool {
	for _, wf := range s.workflows {
		if wf.Name == name && wf.ID != id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) configNameTaken(name string, id uuid.UUID) bool {
	for _, cfg := range s.configs {
		if cfg.Name == name && cfg.ID != id {
			return true
		}
	}
	return false
}

// clone: глубокая копия через JSON, как при записи в JSONB-колонки.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		cp := *v
		return &cp
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *v
		return &cp
	}
	return &out
}
