// Package ledger ведёт журнал выполнений workflow.
//
// Запись создаётся pending при допуске, переходит в running при старте
// pipeline и финализируется вместе со счётчиками workflow одной
// транзакцией хранилища. Ошибки хранилища повторяются с backoff.
// Если запись не удалась после всех попыток, включается флаг degraded:
// движок продолжает оценивать события, допуск решает память процесса.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

// ErrWriteFailed: запись не удалась после всех попыток.
var ErrWriteFailed = errors.New("ledger write failed")

// Store: хранилище журнала.
type Store interface {
	CreateExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error
	UpdateExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error

	// FinalizeExecution атомарно сохраняет финальную запись (upsert) и,
	// для completed/failed, обновляет счётчики workflow.
	FinalizeExecution(ctx context.Context, rec *domain.WorkflowExecutionRecord) error
}

// RetryPolicy: повторы записи.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// AttemptTimeout: предел одной попытки.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy: 4 попытки, 100ms → 2s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    4,
	InitialDelay:   100 * time.Millisecond,
	MaxDelay:       2 * time.Second,
	AttemptTimeout: 5 * time.Second,
}

// Ledger пишет записи выполнений.
type Ledger struct {
	store    Store
	policy   RetryPolicy
	logger   *slog.Logger
	degraded atomic.Bool
}

// Config: конфигурация Ledger.
type Config struct {
	Store  Store
	Retry  *RetryPolicy
	Logger *slog.Logger
}

// New создаёт Ledger.
func New(cfg Config) *Ledger {
	policy := DefaultRetryPolicy
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		store:  cfg.Store,
		policy: policy,
		logger: logger.With("component", "ledger"),
	}
}

// Begin сохраняет pending запись допущенного выполнения.
func (l *Ledger) Begin(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	return l.write(ctx, "create", rec, l.store.CreateExecution)
}

// Start сохраняет переход в running.
func (l *Ledger) Start(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	return l.write(ctx, "start", rec, l.store.UpdateExecution)
}

// Finalize сохраняет финальную запись и счётчики workflow.
// Работает и без предшествующей pending записи (upsert).
func (l *Ledger) Finalize(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("finalize execution %s: status %s is not terminal", rec.ID, rec.Status)
	}
	return l.write(ctx, "finalize", rec, l.store.FinalizeExecution)
}

// RecordRejection сохраняет rate_limited запись. Счётчики не меняются.
func (l *Ledger) RecordRejection(ctx context.Context, rec *domain.WorkflowExecutionRecord) error {
	if rec.Status != domain.ExecutionRateLimited {
		return fmt.Errorf("record rejection %s: status %s", rec.ID, rec.Status)
	}
	return l.write(ctx, "reject", rec, l.store.FinalizeExecution)
}

// Degraded: последняя запись не удалась.
func (l *Ledger) Degraded() bool {
	return l.degraded.Load()
}

// write выполняет запись с повторами.
//
// Отмена ctx не прерывает запись: финальный статус должен попасть
// в журнал и при остановке движка. Каждую попытку ограничивает
// AttemptTimeout.
func (l *Ledger) write(
	ctx context.Context,
	op string,
	rec *domain.WorkflowExecutionRecord,
	fn func(context.Context, *domain.WorkflowExecutionRecord) error,
) error {
	base := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		actx, cancel := l.attemptContext(base)
		lastErr = fn(actx, rec)
		cancel()

		if lastErr == nil {
			l.markHealthy()
			return nil
		}

		if attempt == l.policy.MaxAttempts {
			break
		}

		delay := calculateBackoff(attempt, l.policy)
		l.logger.Debug("ledger write failed, retrying",
			"op", op,
			"execution_id", rec.ID,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr,
		)
		time.Sleep(delay)
	}

	telemetry.LedgerWriteFailures.Inc()
	l.markDegraded(op, rec, lastErr)
	return fmt.Errorf("%w: %s execution %s: %v", ErrWriteFailed, op, rec.ID, lastErr)
}

func (l *Ledger) attemptContext(base context.Context) (context.Context, context.CancelFunc) {
	if l.policy.AttemptTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, l.policy.AttemptTimeout)
}

func (l *Ledger) markHealthy() {
	if l.degraded.CompareAndSwap(true, false) {
		telemetry.Degraded.Set(0)
		l.logger.Info("ledger recovered, audit trail is complete again")
	}
}

func (l *Ledger) markDegraded(op string, rec *domain.WorkflowExecutionRecord, err error) {
	if l.degraded.CompareAndSwap(false, true) {
		telemetry.Degraded.Set(1)
	}
	l.logger.Error("ledger write failed, audit degraded",
		"op", op,
		"execution_id", rec.ID,
		"workflow_id", rec.WorkflowID,
		"status", rec.Status,
		"error", err,
	)
}

// calculateBackoff: InitialDelay * 2^(attempt-1), не больше MaxDelay.
func calculateBackoff(attempt int, policy RetryPolicy) time.Duration {
	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
