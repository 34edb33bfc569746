package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/domain"
)

// Snapshot: неизменяемый индекс правил.
//
// Воркеры читают текущий Snapshot без блокировок, reload собирает
// новый и подменяет указатель целиком. Определения внутри снимка
// никто не изменяет.
type Snapshot struct {
	// Generation растёт с каждой пересборкой.
	Generation uint64

	// ByTrigger: тип события → включённые workflows в порядке priority.
	ByTrigger map[string][]*domain.WorkflowDefinition

	// ByID: все workflows снимка.
	ByID map[uuid.UUID]*domain.WorkflowDefinition

	LoadedAt time.Time
}

// buildSnapshot строит индекс из списка определений.
// Выключенные и неполные (без trigger или actions) workflows в индекс не попадают.
func buildSnapshot(workflows []domain.WorkflowDefinition, generation uint64, now time.Time) *Snapshot {
	snap := &Snapshot{
		Generation: generation,
		ByTrigger:  make(map[string][]*domain.WorkflowDefinition),
		ByID:       make(map[uuid.UUID]*domain.WorkflowDefinition, len(workflows)),
		LoadedAt:   now,
	}

	for i := range workflows {
		wf := &workflows[i]
		if !wf.IsRunnable() {
			continue
		}
		snap.ByID[wf.ID] = wf
		snap.ByTrigger[wf.Trigger.Type] = append(snap.ByTrigger[wf.Trigger.Type], wf)
	}

	for _, wfs := range snap.ByTrigger {
		admission.SortByPriority(wfs)
	}
	return snap
}

// Subscribers возвращает workflows для типа события (может быть nil).
func (s *Snapshot) Subscribers(eventType string) []*domain.WorkflowDefinition {
	if s == nil {
		return nil
	}
	return s.ByTrigger[eventType]
}

// Len возвращает число workflows в индексе.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ByID)
}
