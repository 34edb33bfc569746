package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/actions"
	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/ledger"
	"github.com/shaiso/celerywatch/internal/repo"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

// Default configuration values.
const (
	defaultWorkers        = 8
	defaultQueueSize      = 1024
	defaultReloadInterval = 30 * time.Second
	seedWindow            = time.Hour
)

// RuleStore: источник определений для индекса.
type RuleStore interface {
	ListEnabledWorkflows(ctx context.Context) ([]domain.WorkflowDefinition, error)
	ExecutionTimesSince(ctx context.Context, since time.Time) (map[uuid.UUID][]time.Time, error)
}

// Engine: движок правил.
type Engine struct {
	store     RuleStore
	ledger    *ledger.Ledger
	pipeline  *actions.Pipeline
	admission *admission.Controller

	snapshot   atomic.Pointer[Snapshot]
	generation atomic.Uint64
	seeded     atomic.Bool

	queue    chan *domain.Event
	reloadCh chan struct{}

	// Выполнения в процессе (executionID → state)
	active   map[uuid.UUID]*executionState
	activeMu sync.RWMutex

	// Configuration
	workers        int
	reloadInterval time.Duration
	now            func() time.Time

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config: конфигурация Engine.
type Config struct {
	Store     RuleStore
	Ledger    *ledger.Ledger
	Pipeline  *actions.Pipeline
	Admission *admission.Controller

	Workers        int           // размер пула (default: 8)
	QueueSize      int           // ёмкость очереди событий (default: 1024)
	ReloadInterval time.Duration // страховочный интервал пересборки индекса (default: 30s)

	// Now: источник времени (для тестов).
	Now func() time.Time

	Logger *slog.Logger
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	reloadInterval := cfg.ReloadInterval
	if reloadInterval <= 0 {
		reloadInterval = defaultReloadInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctrl := cfg.Admission
	if ctrl == nil {
		ctrl = admission.NewController()
	}

	return &Engine{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		pipeline:       cfg.Pipeline,
		admission:      ctrl,
		queue:          make(chan *domain.Event, queueSize),
		reloadCh:       make(chan struct{}, 1),
		active:         make(map[uuid.UUID]*executionState),
		workers:        workers,
		reloadInterval: reloadInterval,
		now:            now,
		logger:         logger.With("component", "engine"),
	}
}

// Start загружает индекс, восстанавливает счётчики допуска из журнала
// и запускает воркеры и цикл пересборки.
//
// Ошибка первой загрузки не фатальна: индекс подтянется в reloadLoop.
func (e *Engine) Start(ctx context.Context) error {
	if e.IsStopped() {
		return ErrEngineStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.logger.Info("starting engine",
		"workers", e.workers,
		"queue_size", cap(e.queue),
		"reload_interval", e.reloadInterval,
	)

	if err := e.Reload(ctx); err != nil {
		e.logger.Error("initial rule load failed, will retry", "error", err)
	}

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.worker(ctx, id)
		}(i)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reloadLoop(ctx)
	}()

	e.logger.Info("engine started", "workflows", e.Snapshot().Len())
	return nil
}

// Stop останавливает приём событий и ждёт завершения текущих выполнений.
// События, оставшиеся в очереди, отбрасываются.
func (e *Engine) Stop() {
	e.stoppedMu.Lock()
	e.stopped = true
	e.stoppedMu.Unlock()

	e.logger.Info("stopping engine...")

	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.wg.Wait()

	dropped := len(e.queue)
	if dropped > 0 {
		telemetry.EventsDropped.WithLabelValues("shutdown").Add(float64(dropped))
	}
	e.logger.Info("engine stopped", "dropped_events", dropped)
}

// IsStopped проверяет, остановлен ли Engine.
func (e *Engine) IsStopped() bool {
	e.stoppedMu.RLock()
	defer e.stoppedMu.RUnlock()
	return e.stopped
}

// Ready: nil, если движок принимает события и индекс загружен.
func (e *Engine) Ready() error {
	if e.IsStopped() {
		return ErrEngineStopped
	}
	if e.snapshot.Load() == nil {
		return ErrNoSnapshot
	}
	return nil
}

// Submit ставит событие в очередь. Не блокирует.
//
// Событие без подписчиков отбрасывается сразу (один lookup в индексе),
// при полной очереди тоже отбрасывается: источник не ждёт медленные действия.
func (e *Engine) Submit(ev *domain.Event) bool {
	if e.IsStopped() {
		telemetry.EventsDropped.WithLabelValues("stopped").Inc()
		return false
	}

	if len(e.Snapshot().Subscribers(ev.Type)) == 0 {
		telemetry.EventsDropped.WithLabelValues("no_subscribers").Inc()
		return false
	}

	select {
	case e.queue <- ev:
		telemetry.QueueDepth.Set(float64(len(e.queue)))
		return true
	default:
		telemetry.EventsDropped.WithLabelValues("queue_full").Inc()
		e.logger.Warn("event queue full, dropping event",
			"event_type", ev.Type,
			"task_id", ev.TaskID,
			"capacity", cap(e.queue),
		)
		return false
	}
}

// Snapshot возвращает текущий индекс (nil до первой загрузки).
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// TriggerReload просит reloadLoop пересобрать индекс. Не блокирует:
// несколько запросов подряд сливаются в одну пересборку.
func (e *Engine) TriggerReload() {
	select {
	case e.reloadCh <- struct{}{}:
	default:
	}
}

// HandleChange реагирует на уведомление об изменении определения.
func (e *Engine) HandleChange(c repo.Change) {
	if c.Kind == repo.KindWorkflow && c.Op == repo.OpDelete {
		e.admission.Forget(c.ID)
	}
	e.TriggerReload()
}

// Reload перечитывает включённые workflows и атомарно подменяет индекс.
func (e *Engine) Reload(ctx context.Context) error {
	workflows, err := e.store.ListEnabledWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list enabled workflows: %w", err)
	}

	snap := buildSnapshot(workflows, e.generation.Add(1), e.now())
	e.snapshot.Store(snap)

	telemetry.RuleGeneration.Set(float64(snap.Generation))
	telemetry.WorkflowsLoaded.Set(float64(snap.Len()))

	e.logger.Debug("rule index rebuilt",
		"generation", snap.Generation,
		"workflows", snap.Len(),
		"triggers", len(snap.ByTrigger),
	)

	if !e.seeded.Load() {
		if err := e.seed(ctx, snap); err != nil {
			e.logger.Warn("failed to seed admission state from ledger", "error", err)
		} else {
			e.seeded.Store(true)
		}
	}
	return nil
}

// seed восстанавливает cooldown и часовой лимит из журнала после рестарта.
func (e *Engine) seed(ctx context.Context, snap *Snapshot) error {
	now := e.now()
	times, err := e.store.ExecutionTimesSince(ctx, now.Add(-seedWindow))
	if err != nil {
		return err
	}

	for id, wf := range snap.ByID {
		var last time.Time
		if wf.LastExecutedAt != nil {
			last = *wf.LastExecutedAt
		}
		e.admission.Seed(id, last, times[id])
	}

	e.logger.Info("admission state seeded from ledger",
		"workflows", snap.Len(),
		"recent_workflows", len(times),
	)
	return nil
}

// reloadLoop пересобирает индекс по запросу и по таймеру.
func (e *Engine) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reloadCh:
		case <-ticker.C:
		}

		if err := e.Reload(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("failed to reload rules", "error", err)
		}
	}
}

// worker обрабатывает события из очереди.
func (e *Engine) worker(ctx context.Context, id int) {
	logger := e.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			telemetry.QueueDepth.Set(float64(len(e.queue)))
			e.processEvent(telemetry.WithLogger(ctx, logger), ev)
		}
	}
}
