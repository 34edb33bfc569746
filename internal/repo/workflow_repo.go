package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/celerywatch/internal/domain"
)

// WorkflowRepo: репозиторий определений workflow.
//
// Каждая запись определения в той же транзакции публикует уведомление
// в ChangesChannel, чтобы движки перестроили индекс триггеров.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

const workflowColumns = `
	id, name, description, enabled, trigger_type, trigger_config, conditions,
	actions, priority, cooldown_seconds, max_executions_per_hour, circuit_breaker,
	execution_count, success_count, failure_count, last_executed_at,
	created_at, updated_at`

// --- Workflow CRUD ---

// CreateWorkflow создаёт workflow. ID и временные метки заполняются, если пусты.
func (r *WorkflowRepo) CreateWorkflow(ctx context.Context, wf *domain.WorkflowDefinition) error {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	cols, err := marshalWorkflow(wf)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflows (
			id, name, description, enabled, trigger_type, trigger_config, conditions,
			actions, priority, cooldown_seconds, max_executions_per_hour, circuit_breaker,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			wf.ID,
			wf.Name,
			wf.Description,
			wf.Enabled,
			wf.Trigger.Type,
			cols.triggerConfig,
			cols.conditions,
			cols.actions,
			wf.Priority,
			wf.CooldownSeconds,
			wf.MaxExecutionsPerHour,
			cols.circuitBreaker,
			wf.CreatedAt,
			wf.UpdatedAt,
		)
		if err != nil {
			return mapWriteError("insert workflow", err)
		}
		return notifyTx(ctx, tx, Change{Kind: KindWorkflow, ID: wf.ID, Op: OpCreate})
	})
}

// GetWorkflow возвращает workflow по ID.
func (r *WorkflowRepo) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	return scanWorkflow(r.pool.QueryRow(ctx, query, id))
}

// ListWorkflows возвращает все workflows, упорядоченные по имени.
func (r *WorkflowRepo) ListWorkflows(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows ORDER BY name`
	return r.list(ctx, "list workflows", query)
}

// ListEnabledWorkflows возвращает включённые workflows для индекса движка.
func (r *WorkflowRepo) ListEnabledWorkflows(ctx context.Context) ([]domain.WorkflowDefinition, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE enabled ORDER BY priority DESC, name`
	return r.list(ctx, "list enabled workflows", query)
}

// UpdateWorkflow обновляет определение. Счётчики не трогает:
// их пишет только FinalizeExecution.
func (r *WorkflowRepo) UpdateWorkflow(ctx context.Context, wf *domain.WorkflowDefinition) error {
	wf.UpdatedAt = time.Now().UTC()

	cols, err := marshalWorkflow(wf)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflows
		SET name = $2, description = $3, enabled = $4, trigger_type = $5,
		    trigger_config = $6, conditions = $7, actions = $8, priority = $9,
		    cooldown_seconds = $10, max_executions_per_hour = $11,
		    circuit_breaker = $12, updated_at = $13
		WHERE id = $1
	`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			wf.ID,
			wf.Name,
			wf.Description,
			wf.Enabled,
			wf.Trigger.Type,
			cols.triggerConfig,
			cols.conditions,
			cols.actions,
			wf.Priority,
			wf.CooldownSeconds,
			wf.MaxExecutionsPerHour,
			cols.circuitBreaker,
			wf.UpdatedAt,
		)
		if err != nil {
			return mapWriteError("update workflow", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		return notifyTx(ctx, tx, Change{Kind: KindWorkflow, ID: wf.ID, Op: OpUpdate})
	})
}

// SetWorkflowEnabled включает или выключает workflow.
func (r *WorkflowRepo) SetWorkflowEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `UPDATE workflows SET enabled = $2, updated_at = now() WHERE id = $1`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, id, enabled)
		if err != nil {
			return fmt.Errorf("set workflow enabled: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		return notifyTx(ctx, tx, Change{Kind: KindWorkflow, ID: id, Op: OpUpdate})
	})
}

// DeleteWorkflow удаляет workflow. История выполнений сохраняется.
func (r *WorkflowRepo) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM workflows WHERE id = $1`
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query, id)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrNotFound
		}
		return notifyTx(ctx, tx, Change{Kind: KindWorkflow, ID: id, Op: OpDelete})
	})
}

// --- Helpers ---

func (r *WorkflowRepo) list(ctx context.Context, op, query string) ([]domain.WorkflowDefinition, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	workflows := []domain.WorkflowDefinition{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// workflowJSON: JSONB-колонки workflow.
type workflowJSON struct {
	triggerConfig  []byte
	conditions     []byte
	actions        []byte
	circuitBreaker []byte
}

func marshalWorkflow(wf *domain.WorkflowDefinition) (workflowJSON, error) {
	var cols workflowJSON
	var err error

	if wf.Trigger.Config != nil {
		if cols.triggerConfig, err = json.Marshal(wf.Trigger.Config); err != nil {
			return cols, fmt.Errorf("marshal trigger config: %w", err)
		}
	}
	if wf.Conditions != nil {
		if cols.conditions, err = json.Marshal(wf.Conditions); err != nil {
			return cols, fmt.Errorf("marshal conditions: %w", err)
		}
	}
	actions := wf.Actions
	if actions == nil {
		actions = []domain.ActionConfig{}
	}
	if cols.actions, err = json.Marshal(actions); err != nil {
		return cols, fmt.Errorf("marshal actions: %w", err)
	}
	if wf.CircuitBreaker != nil {
		if cols.circuitBreaker, err = json.Marshal(wf.CircuitBreaker); err != nil {
			return cols, fmt.Errorf("marshal circuit breaker: %w", err)
		}
	}
	return cols, nil
}

// scanWorkflow сканирует одну строку в WorkflowDefinition.
// pgx.Rows реализует pgx.Row, поэтому функция годится для обоих случаев.
func scanWorkflow(row pgx.Row) (*domain.WorkflowDefinition, error) {
	var wf domain.WorkflowDefinition
	var triggerConfig, conditions, actions, circuitBreaker []byte

	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.Description,
		&wf.Enabled,
		&wf.Trigger.Type,
		&triggerConfig,
		&conditions,
		&actions,
		&wf.Priority,
		&wf.CooldownSeconds,
		&wf.MaxExecutionsPerHour,
		&circuitBreaker,
		&wf.ExecutionCount,
		&wf.SuccessCount,
		&wf.FailureCount,
		&wf.LastExecutedAt,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	if triggerConfig != nil {
		if err := json.Unmarshal(triggerConfig, &wf.Trigger.Config); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	if conditions != nil {
		wf.Conditions = &domain.ConditionGroup{}
		if err := json.Unmarshal(conditions, wf.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if actions != nil {
		if err := json.Unmarshal(actions, &wf.Actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	if circuitBreaker != nil {
		wf.CircuitBreaker = &domain.CircuitBreakerConfig{}
		if err := json.Unmarshal(circuitBreaker, wf.CircuitBreaker); err != nil {
			return nil, fmt.Errorf("unmarshal circuit breaker: %w", err)
		}
	}
	return &wf, nil
}
