package orchestrator

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/engine"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

// processEvent прогоняет событие через все подписанные workflows.
//
// Workflows одного события идут последовательно в порядке priority:
// так порядок побочных эффектов в журнале детерминирован. Параллельность
// достигается между событиями. Снимок берётся один раз на событие.
func (e *Engine) processEvent(ctx context.Context, ev *domain.Event) {
	logger := telemetry.WithTaskID(telemetry.WithEventType(telemetry.FromContext(ctx), ev.Type), ev.TaskID)

	for _, wf := range e.Snapshot().Subscribers(ev.Type) {
		e.evaluateSafe(telemetry.WithLogger(ctx, logger), wf, ev)
	}
}

// evaluateSafe изолирует сбой одного workflow от остальных.
func (e *Engine) evaluateSafe(ctx context.Context, wf *domain.WorkflowDefinition, ev *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.FromContext(ctx).Error("workflow evaluation panicked",
				"workflow_id", wf.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	e.evaluate(ctx, wf, ev)
}

// evaluate: условия → допуск → pipeline → журнал.
func (e *Engine) evaluate(ctx context.Context, wf *domain.WorkflowDefinition, ev *domain.Event) {
	logger := telemetry.WithWorkflowID(telemetry.FromContext(ctx), wf.ID.String())

	// Промах условий: не rate limit, в журнал ничего не пишем.
	if !engine.Evaluate(wf.Conditions, ev) {
		logger.Debug("conditions not met")
		return
	}

	now := e.now()
	decision := e.admission.Admit(wf, ev, now)
	if !decision.Admitted {
		e.reject(ctx, logger, wf, ev, decision, now)
		return
	}

	rec := domain.NewExecutionRecord(wf, ev, now)
	rec.ContextKey = decision.ContextKey
	logger = telemetry.WithExecutionID(logger, rec.ID.String())

	// Выполнение не отменяется остановкой движка: оно идёт до конца
	// или до таймаута действий.
	runCtx := telemetry.WithLogger(context.WithoutCancel(ctx), logger)

	// Ошибки журнала не останавливают выполнение: допуск уже учтён
	// в памяти, ledger сам отмечает degraded.
	begun := e.ledger.Begin(runCtx, rec) == nil

	rec.MarkRunning(e.now())
	if begun {
		_ = e.ledger.Start(runCtx, rec)
	}

	e.trackExecution(rec, wf, ev)
	defer e.untrackExecution(rec.ID)

	logger.Info("workflow execution started",
		"workflow_name", wf.Name,
		"actions", len(wf.Actions),
		"context_key", rec.ContextKey,
		"breaker_fill", e.admission.BreakerCount(wf, rec.ContextKey, now),
	)

	outcome := e.pipeline.Run(runCtx, wf, ev, rec.ID)

	if outcome.Panic != nil {
		rec.Fail(outcome.Panic.Error(), outcome.Panic.Stack, outcome.Results, e.now())
	} else {
		rec.Finish(outcome.Status, outcome.Results, e.now())
	}

	if err := e.ledger.Finalize(runCtx, rec); err != nil {
		logger.Error("execution not recorded",
			"status", rec.Status,
			"error", err,
		)
	}
	telemetry.Executions.WithLabelValues(string(rec.Status)).Inc()

	logger.Info("workflow execution finished",
		"status", rec.Status,
		"duration_ms", rec.DurationMs,
		"error", rec.ErrorMessage,
	)
}

// reject пишет rate_limited запись. Pipeline не запускается.
func (e *Engine) reject(
	ctx context.Context,
	logger *slog.Logger,
	wf *domain.WorkflowDefinition,
	ev *domain.Event,
	d admission.Decision,
	now time.Time,
) {
	rec := domain.NewRateLimitedRecord(wf, ev, d.Reason, d.Message, now)
	rec.ContextKey = d.ContextKey

	telemetry.RateLimited.WithLabelValues(string(d.Reason)).Inc()
	telemetry.Executions.WithLabelValues(string(domain.ExecutionRateLimited)).Inc()

	logger.Info("workflow execution rate limited",
		"reason", d.Reason,
		"context_key", d.ContextKey,
		"message", d.Message,
	)

	if err := e.ledger.RecordRejection(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("rejection not recorded", "error", err)
	}
}
