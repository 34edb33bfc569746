package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/engine"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

const defaultActionTimeout = 5 * time.Second

// ConfigResolver разрешает config_id действия.
type ConfigResolver interface {
	GetActionConfig(ctx context.Context, id uuid.UUID) (*domain.ActionConfigDefinition, error)
}

// PanicError: паника обработчика действия.
type PanicError struct {
	ActionType string
	Value      any
	Stack      string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.ActionType, e.Value)
}

func (e *PanicError) Unwrap() error { return ErrActionPanic }

// Outcome: итог pipeline одного выполнения.
type Outcome struct {
	Status  domain.ExecutionStatus
	Results []domain.ActionResult

	// Panic: не nil, если обработчик паниковал. Выполнение failed,
	// остальные действия skipped.
	Panic *PanicError
}

// Pipeline выполняет действия workflow последовательно.
type Pipeline struct {
	registry *Registry
	configs  ConfigResolver
	timeout  time.Duration
	logger   *slog.Logger
}

// PipelineConfig: конфигурация Pipeline.
type PipelineConfig struct {
	Registry *Registry
	Configs  ConfigResolver

	// Timeout: предел на одно действие (default: 5s).
	Timeout time.Duration

	Logger *slog.Logger
}

// NewPipeline создаёт Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(Deps{})
	}
	return &Pipeline{
		registry: registry,
		configs:  cfg.Configs,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run выполняет действия по порядку.
//
// Упавшее действие без continue_on_failure останавливает pipeline,
// последующие получают skipped. Статус failed, только если упало
// такое действие (или обработчик паниковал).
func (p *Pipeline) Run(ctx context.Context, wf *domain.WorkflowDefinition, ev *domain.Event, executionID uuid.UUID) Outcome {
	out := Outcome{
		Status:  domain.ExecutionCompleted,
		Results: make([]domain.ActionResult, 0, len(wf.Actions)),
	}
	logger := telemetry.WithExecutionID(p.logger, executionID.String())
	data := engine.NewContext(ev, wf)

	stopped := false
	for i := range wf.Actions {
		action := &wf.Actions[i]

		if stopped {
			out.Results = append(out.Results, domain.ActionResult{
				ActionType: action.Type,
				Status:     domain.ActionSkipped,
			})
			continue
		}

		result, panicErr := p.runAction(ctx, wf, ev, executionID, action, data)
		out.Results = append(out.Results, result)

		telemetry.ActionDuration.
			WithLabelValues(action.Type, string(result.Status)).
			Observe(float64(result.DurationMs) / 1000)

		if panicErr != nil {
			logger.Error("action panicked",
				"action_index", i,
				"action_type", action.Type,
				"panic", panicErr.Value,
			)
			out.Panic = panicErr
			out.Status = domain.ExecutionFailed
			stopped = true
			continue
		}

		if result.Status != domain.ActionFailed {
			continue
		}

		logger.Warn("action failed",
			"action_index", i,
			"action_type", action.Type,
			"continue_on_failure", action.ContinueOnFailure,
			"error", result.ErrorMessage,
		)
		if !action.ContinueOnFailure {
			out.Status = domain.ExecutionFailed
			stopped = true
		}
	}

	return out
}

// runAction выполняет одно действие и переводит ошибки в ActionResult.
func (p *Pipeline) runAction(
	ctx context.Context,
	wf *domain.WorkflowDefinition,
	ev *domain.Event,
	executionID uuid.UUID,
	action *domain.ActionConfig,
	data map[string]any,
) (result domain.ActionResult, panicErr *PanicError) {
	start := time.Now()
	result = domain.ActionResult{ActionType: action.Type}

	fail := func(err error) domain.ActionResult {
		result.Status = domain.ActionFailed
		result.ErrorMessage = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	executor, err := p.registry.Get(action.Type)
	if err != nil {
		return fail(err), nil
	}

	params, err := p.resolveParams(ctx, action, data)
	if err != nil {
		return fail(err), nil
	}

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := &Request{
		Params:      params,
		Event:       ev,
		Workflow:    wf,
		ExecutionID: executionID,
	}

	res, err := safeExecute(actx, executor, req, action.Type)

	var pe *PanicError
	if errors.As(err, &pe) {
		return fail(pe), pe
	}
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", p.timeout, err)
		}
		return fail(err), nil
	}

	if res != nil {
		result.Result = res.Output
		if res.Error != "" {
			return fail(errors.New(res.Error)), nil
		}
	}

	result.Status = domain.ActionSuccess
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// resolveParams сливает action config и отрендеренные params.
// Значения params перекрывают значения config.
func (p *Pipeline) resolveParams(ctx context.Context, action *domain.ActionConfig, data map[string]any) (map[string]any, error) {
	merged := make(map[string]any)

	if action.ConfigID != nil {
		if p.configs == nil {
			return nil, fmt.Errorf("%w: %s: no config store", ErrActionConfig, action.ConfigID)
		}
		cfg, err := p.configs.GetActionConfig(ctx, *action.ConfigID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrActionConfig, action.ConfigID, err)
		}
		if cfg.Type != "" && cfg.Type != action.Type {
			return nil, fmt.Errorf("%w: %s has type %s, action is %s",
				ErrActionConfig, action.ConfigID, cfg.Type, action.Type)
		}
		for k, v := range cfg.Config {
			merged[k] = v
		}
	}

	rendered, err := engine.RenderConfig(action.Params, data)
	if err != nil {
		return nil, err
	}
	for k, v := range rendered {
		merged[k] = v
	}
	return merged, nil
}

// safeExecute вызывает executor, превращая панику в *PanicError.
func safeExecute(ctx context.Context, executor Executor, req *Request, actionType string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &PanicError{
				ActionType: actionType,
				Value:      r,
				Stack:      string(debug.Stack()),
			}
		}
	}()
	return executor.Execute(ctx, req)
}
