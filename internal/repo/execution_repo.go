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

// ExecutionRepo: журнал выполнений workflow.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// ExecutionFilter: параметры выборки выполнений.
type ExecutionFilter struct {
	Status domain.ExecutionStatus
	Limit  int
	Offset int
}

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// normalize ограничивает Limit и Offset.
func (f ExecutionFilter) normalize() ExecutionFilter {
	if f.Limit <= 0 {
		f.Limit = defaultExecutionLimit
	}
	if f.Limit > maxExecutionLimit {
		f.Limit = maxExecutionLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

const executionColumns = `
	id, workflow_id, triggered_at, trigger_type, trigger_event, status,
	actions_executed, reject_reason, context_key, error_message, stack_trace,
	started_at, completed_at, duration_ms, workflow_snapshot`

// CreateExecution сохраняет новую запись.
func (r *ExecutionRepo) CreateExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	cols, err := marshalExecution(rec)
	if err != nil {
		return err
	}

	query := `INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if _, err := r.pool.Exec(ctx, query, executionArgs(rec, cols)...); err != nil {
		return mapWriteError("insert execution", err)
	}
	return nil
}

// UpdateExecution обновляет изменяемые поля записи.
func (r *ExecutionRepo) UpdateExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	cols, err := marshalExecution(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_executions
		SET status = $2, actions_executed = $3, error_message = $4, stack_trace = $5,
		    started_at = $6, completed_at = $7, duration_ms = $8
		WHERE id = $1 AND completed_at IS NULL
	`
	result, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Status,
		cols.actions,
		nullString(rec.ErrorMessage),
		nullString(rec.StackTrace),
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeExecution в одной транзакции сохраняет финальную запись (upsert)
// и, для completed/failed, обновляет счётчики workflow.
//
// last_executed_at получает момент допуска, а не завершения: cooldown
// отсчитывается от допуска.
func (r *ExecutionRepo) FinalizeExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	cols, err := marshalExecution(rec)
	if err != nil {
		return err
	}

	upsert := `INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    actions_executed = EXCLUDED.actions_executed,
		    reject_reason = EXCLUDED.reject_reason,
		    context_key = EXCLUDED.context_key,
		    error_message = EXCLUDED.error_message,
		    stack_trace = EXCLUDED.stack_trace,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    duration_ms = EXCLUDED.duration_ms
		WHERE workflow_executions.completed_at IS NULL`

	counters := `
		UPDATE workflows
		SET execution_count = execution_count + 1,
		    success_count = success_count + $2,
		    failure_count = failure_count + $3,
		    last_executed_at = GREATEST(COALESCE(last_executed_at, $4), $4)
		WHERE id = $1
	`

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, upsert, executionArgs(rec, cols)...)
		if err != nil {
			return fmt.Errorf("finalize execution: %w", err)
		}
		// Повтор уже применённой финализации: счётчики не трогаем.
		if result.RowsAffected() == 0 || !rec.Status.CountsAsExecution() {
			return nil
		}

		var success, failure int
		if rec.Succeeded() {
			success = 1
		} else {
			failure = 1
		}
		// Workflow мог быть удалён во время выполнения: запись остаётся в истории.
		if _, err := tx.Exec(ctx, counters, rec.WorkflowID, success, failure, rec.TriggeredAt); err != nil {
			return fmt.Errorf("update workflow counters: %w", err)
		}
		return nil
	})
}

// GetExecution возвращает запись по ID.
func (r *ExecutionRepo) GetExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`
	return scanExecution(r.pool.QueryRow(ctx, query, id))
}

// ListExecutionsByWorkflow возвращает выполнения одного workflow, новые первыми.
func (r *ExecutionRepo) ListExecutionsByWorkflow(ctx context.Context, workflowID uuid.UUID, filter ExecutionFilter) ([]domain.WorkflowExecutionRecord, error) {
	filter = filter.normalize()
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE workflow_id = $1
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY triggered_at DESC
		LIMIT $3 OFFSET $4`
	return r.list(ctx, "list executions by workflow", query,
		workflowID, nullString(string(filter.Status)), filter.Limit, filter.Offset)
}

// ListRecentExecutions возвращает последние выполнения всех workflows.
func (r *ExecutionRepo) ListRecentExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.WorkflowExecutionRecord, error) {
	filter = filter.normalize()
	query := `SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY triggered_at DESC
		LIMIT $2 OFFSET $3`
	return r.list(ctx, "list recent executions", query,
		nullString(string(filter.Status)), filter.Limit, filter.Offset)
}

// ExecutionTimesSince возвращает моменты допуска (всё, кроме rate_limited)
// начиная с since, по workflow. Нужна для восстановления hourly cap
// и cooldown после рестарта.
func (r *ExecutionRepo) ExecutionTimesSince(ctx context.Context, since time.Time) (map[uuid.UUID][]time.Time, error) {
	query := `
		SELECT workflow_id, triggered_at
		FROM workflow_executions
		WHERE triggered_at >= $1 AND status <> $2
		ORDER BY triggered_at
	`
	rows, err := r.pool.Query(ctx, query, since, domain.ExecutionRateLimited)
	if err != nil {
		return nil, fmt.Errorf("execution times since: %w", err)
	}
	defer rows.Close()

	times := make(map[uuid.UUID][]time.Time)
	for rows.Next() {
		var id uuid.UUID
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan execution time: %w", err)
		}
		times[id] = append(times[id], at)
	}
	return times, rows.Err()
}

// PurgeExecutions удаляет завершённые записи старше before.
func (r *ExecutionRepo) PurgeExecutions(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM workflow_executions
		WHERE triggered_at < $1 AND completed_at IS NOT NULL
	`
	result, err := r.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return result.RowsAffected(), nil
}

// --- Helpers ---

func (r *ExecutionRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.WorkflowExecutionRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	records := []domain.WorkflowExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type executionJSON struct {
	event    []byte
	actions  []byte
	snapshot []byte
}

func marshalExecution(rec *domain.WorkflowExecutionRecord) (executionJSON, error) {
	var cols executionJSON
	var err error

	event := rec.TriggerEvent
	if event == nil {
		event = map[string]any{}
	}
	if cols.event, err = json.Marshal(event); err != nil {
		return cols, fmt.Errorf("marshal trigger event: %w", err)
	}
	actions := rec.ActionsExecuted
	if actions == nil {
		actions = []domain.ActionResult{}
	}
	if cols.actions, err = json.Marshal(actions); err != nil {
		return cols, fmt.Errorf("marshal action results: %w", err)
	}
	if rec.WorkflowSnapshot != nil {
		if cols.snapshot, err = json.Marshal(rec.WorkflowSnapshot); err != nil {
			return cols, fmt.Errorf("marshal workflow snapshot: %w", err)
		}
	}
	return cols, nil
}

// executionArgs: аргументы в порядке executionColumns.
func executionArgs(rec *domain.WorkflowExecutionRecord, cols executionJSON) []any {
	return []any{
		rec.ID,
		rec.WorkflowID,
		rec.TriggeredAt,
		rec.TriggerType,
		cols.event,
		rec.Status,
		cols.actions,
		nullString(string(rec.RejectReason)),
		nullString(rec.ContextKey),
		nullString(rec.ErrorMessage),
		nullString(rec.StackTrace),
		rec.StartedAt,
		rec.CompletedAt,
		rec.DurationMs,
		cols.snapshot,
	}
}

func scanExecution(row pgx.Row) (*domain.WorkflowExecutionRecord, error) {
	var rec domain.WorkflowExecutionRecord
	var event, actions, snapshot []byte
	var rejectReason, contextKey, errorMessage, stackTrace *string

	err := row.Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.TriggeredAt,
		&rec.TriggerType,
		&event,
		&rec.Status,
		&actions,
		&rejectReason,
		&contextKey,
		&errorMessage,
		&stackTrace,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.DurationMs,
		&snapshot,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if event != nil {
		if err := json.Unmarshal(event, &rec.TriggerEvent); err != nil {
			return nil, fmt.Errorf("unmarshal trigger event: %w", err)
		}
	}
	rec.ActionsExecuted = []domain.ActionResult{}
	if actions != nil {
		if err := json.Unmarshal(actions, &rec.ActionsExecuted); err != nil {
			return nil, fmt.Errorf("unmarshal action results: %w", err)
		}
	}
	if snapshot != nil {
		rec.WorkflowSnapshot = &domain.WorkflowDefinition{}
		if err := json.Unmarshal(snapshot, rec.WorkflowSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal workflow snapshot: %w", err)
		}
	}
	if rejectReason != nil {
		rec.RejectReason = domain.RejectReason(*rejectReason)
	}
	if contextKey != nil {
		rec.ContextKey = *contextKey
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	if stackTrace != nil {
		rec.StackTrace = *stackTrace
	}
	return &rec, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
