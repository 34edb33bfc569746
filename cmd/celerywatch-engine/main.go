// celerywatch-engine: движок правил мониторинга Celery.
//
// Engine:
//   - Получает события Celery из celeryev (RabbitMQ) и/или Redis pub/sub
//   - Обогащает их и сопоставляет с включёнными workflows
//   - Пропускает через cooldown, часовой лимит и circuit breaker
//   - Выполняет действия и пишет журнал выполнений
//   - Пересобирает индекс правил по LISTEN/NOTIFY
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/celerywatch/internal/actions"
	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/config"
	"github.com/shaiso/celerywatch/internal/events"
	"github.com/shaiso/celerywatch/internal/ledger"
	"github.com/shaiso/celerywatch/internal/maintenance"
	"github.com/shaiso/celerywatch/internal/mq"
	"github.com/shaiso/celerywatch/internal/orchestrator"
	"github.com/shaiso/celerywatch/internal/repo"
	"github.com/shaiso/celerywatch/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.SetupLogger(telemetry.LogOptions{}).Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LogOptions{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	logger.Info("starting celerywatch-engine", "event_source", cfg.EventSource)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	store := repo.NewPGStore(pool)

	// RabbitMQ: источник событий и publisher для task.retry
	var mqConn *mq.Connection
	deps := actions.Deps{}

	mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
	switch {
	case err == nil:
		defer mqConn.Close()
		deps.Publisher = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	case cfg.UseAMQP():
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	default:
		logger.Warn("RabbitMQ not available, task.retry actions will fail", "error", err)
	}

	// Движок
	ctrl := admission.NewController()
	engine := orchestrator.New(orchestrator.Config{
		Store: store,
		Ledger: ledger.New(ledger.Config{
			Store:  store,
			Logger: logger,
		}),
		Pipeline: actions.NewPipeline(actions.PipelineConfig{
			Registry: actions.NewRegistry(deps),
			Configs:  store,
			Timeout:  cfg.ActionTimeout,
			Logger:   logger,
		}),
		Admission:      ctrl,
		Workers:        cfg.EngineWorkers,
		QueueSize:      cfg.EngineQueueSize,
		ReloadInterval: cfg.ReloadInterval,
		Logger:         logger,
	})

	ingestor := events.NewIngestor(engine, events.NewEnricher(cfg.TaskCacheSize, cfg.TaskCacheTTL), logger)

	// Обслуживание: sweep бакетов и очистка журнала
	jobs, err := maintenance.New(maintenance.Config{
		Sweeper:           ctrl,
		Purger:            store,
		Locker:            store,
		SweepSchedule:     cfg.BreakerSweepSchedule,
		RetentionSchedule: cfg.RetentionSchedule,
		Retention:         cfg.ExecutionRetention,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to schedule maintenance jobs", "error", err)
		os.Exit(1)
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	jobs.Start()

	g, gctx := errgroup.WithContext(ctx)

	// Изменения правил: LISTEN/NOTIFY → пересборка индекса
	g.Go(func() error {
		return ignoreCanceled(repo.NewListener(pool, logger).Listen(gctx, engine.HandleChange))
	})

	if cfg.UseAMQP() {
		consumer := mq.NewEventConsumer(mqConn, logger, cfg.EventQueue, ingestor)
		logger.Info("consuming celery events", "topology", mq.TopologyInfo(mq.Queue(cfg.EventQueue)))
		g.Go(func() error {
			return ignoreCanceled(consumer.Start(gctx))
		})
	}

	var source pinger
	if cfg.UseRedis() {
		redisSource, err := mq.NewRedisEventSource(mq.RedisSourceConfig{
			URL:    cfg.RedisURL,
			Sink:   ingestor,
			Logger: logger,
		})
		if err != nil {
			logger.Error("failed to create redis event source", "error", err)
			os.Exit(1)
		}
		defer redisSource.Close()
		source = redisSource
		g.Go(func() error {
			return ignoreCanceled(redisSource.Start(gctx))
		})
	}

	// HTTP: /healthz, /metrics, /executions/active
	server := &http.Server{
		Addr:              ":" + cfg.EnginePort,
		Handler:           newStatusRouter(engine, store, source, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("engine component failed", "error", err)
	}

	logger.Info("shutting down")

	// Выполнения в процессе доигрываются до конца
	engine.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	jobs.Stop(stopCtx)

	logger.Info("celerywatch-engine stopped")
}

// ignoreCanceled: штатная остановка по контексту не ошибка.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
