package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/celerywatch/internal/telemetry"
)

// Default configuration values.
const (
	defaultSweepSchedule     = "@every 1m"
	defaultRetentionSchedule = "0 3 * * *"
	defaultRetention         = 30 * 24 * time.Hour

	retentionLock = "retention"
)

// Sweeper очищает бакеты circuit breaker (admission.Controller).
type Sweeper interface {
	Sweep(now time.Time) int
	BreakerBuckets() int
}

// Purger удаляет старые записи журнала.
type Purger interface {
	PurgeExecutions(ctx context.Context, before time.Time) (int64, error)
}

// Locker: межпроцессная блокировка (advisory lock в Postgres).
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// Runner запускает задачи по расписанию.
type Runner struct {
	sweeper   Sweeper
	purger    Purger
	locker    Locker
	retention time.Duration
	now       func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// Config: конфигурация Runner.
type Config struct {
	Sweeper Sweeper
	Purger  Purger // nil: очистка журнала отключена
	Locker  Locker // nil: очистка без блокировки

	SweepSchedule     string        // default: @every 1m
	RetentionSchedule string        // default: 0 3 * * *
	Retention         time.Duration // default: 720h

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт Runner и регистрирует задачи.
func New(cfg Config) (*Runner, error) {
	sweepSchedule := cfg.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = defaultSweepSchedule
	}
	retentionSchedule := cfg.RetentionSchedule
	if retentionSchedule == "" {
		retentionSchedule = defaultRetentionSchedule
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "maintenance")

	clog := cronLogger{logger: logger}
	r := &Runner{
		sweeper:   cfg.Sweeper,
		purger:    cfg.Purger,
		locker:    cfg.Locker,
		retention: retention,
		now:       now,
		logger:    logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.sweeper != nil {
		if _, err := r.cron.AddFunc(sweepSchedule, func() { r.SweepBreaker() }); err != nil {
			return nil, fmt.Errorf("schedule breaker sweep %q: %w", sweepSchedule, err)
		}
	}
	if r.purger != nil {
		if _, err := r.cron.AddFunc(retentionSchedule, func() { _, _ = r.PurgeExecutions(r.ctx) }); err != nil {
			return nil, fmt.Errorf("schedule retention %q: %w", retentionSchedule, err)
		}
	}
	return r, nil
}

// Start запускает планировщик.
func (r *Runner) Start() {
	r.logger.Info("starting maintenance jobs",
		"jobs", len(r.cron.Entries()),
		"retention", r.retention,
	)
	r.cron.Start()
}

// Stop останавливает планировщик и ждёт выполняющиеся задачи не дольше ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("maintenance jobs still running at shutdown")
	}
}

// SweepBreaker удаляет простаивающие бакеты и обновляет метрику.
func (r *Runner) SweepBreaker() int {
	removed := r.sweeper.Sweep(r.now())
	live := r.sweeper.BreakerBuckets()
	telemetry.BreakerBuckets.Set(float64(live))

	if removed > 0 {
		r.logger.Debug("breaker buckets swept", "removed", removed, "live", live)
	}
	return removed
}

// PurgeExecutions удаляет записи старше retention.
// Возвращает -1, если блокировку держит другой экземпляр.
func (r *Runner) PurgeExecutions(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.retention)

	var purged int64
	purge := func(ctx context.Context) error {
		n, err := r.purger.PurgeExecutions(ctx, before)
		purged = n
		return err
	}

	if r.locker == nil {
		if err := purge(ctx); err != nil {
			r.logger.Error("execution purge failed", "error", err)
			return 0, err
		}
	} else {
		acquired, err := r.locker.WithLock(ctx, retentionLock, purge)
		if err != nil {
			r.logger.Error("execution purge failed", "error", err)
			return 0, err
		}
		if !acquired {
			r.logger.Debug("execution purge skipped, another instance holds the lock")
			return -1, nil
		}
	}

	r.logger.Info("executions purged", "deleted", purged, "before", before)
	return purged, nil
}
