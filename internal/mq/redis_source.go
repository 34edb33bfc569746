package mq

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/shaiso/celerywatch/internal/telemetry"
)

// RedisEventSource читает события Celery с брокера Redis.
//
// На Redis Celery объявляет celeryev как fanout, kombu публикует
// события через PUBLISH в канал "/{db}.celeryev/{routing_key}".
// Источник подписывается по шаблону и разворачивает конверт kombu.
type RedisEventSource struct {
	client  *redis.Client
	pattern string
	sink    EventSink
	logger  *slog.Logger
}

// RedisSourceConfig: конфигурация RedisEventSource.
type RedisSourceConfig struct {
	// URL: redis://host:port/db
	URL string

	// Pattern: шаблон PSUBSCRIBE. По умолчанию "/{db}.celeryev/*".
	Pattern string

	Sink   EventSink
	Logger *slog.Logger
}

// NewRedisEventSource создаёт источник. Соединение ленивое.
func NewRedisEventSource(cfg RedisSourceConfig) (*RedisEventSource, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = fmt.Sprintf("/%d.%s/*", opts.DB, ExchangeEvents)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisEventSource{
		client:  redis.NewClient(opts),
		pattern: pattern,
		sink:    cfg.Sink,
		logger:  logger.With("component", "redis_source"),
	}, nil
}

// Ping проверяет доступность Redis.
func (s *RedisEventSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Start подписывается и передаёт события в sink до отмены ctx.
// При разрыве подписка восстанавливается с backoff; после успешной
// подписки задержка снова начинается с минимальной.
func (s *RedisEventSource) Start(ctx context.Context) error {
	var b backoff
	for {
		subscribed, err := s.run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			b.reset()
		}

		delay := b.next()
		s.logger.Warn("subscription lost, resubscribing", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// run держит одну подписку. true: PSUBSCRIBE был подтверждён.
func (s *RedisEventSource) run(ctx context.Context) (bool, error) {
	pubsub := s.client.PSubscribe(ctx, s.pattern)
	defer pubsub.Close()
	defer telemetry.BrokerConnected.WithLabelValues(SourceRedis).Set(0)

	// Ждём подтверждения подписки, чтобы видеть ошибку соединения сразу
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("psubscribe %s: %w", s.pattern, err)
	}

	telemetry.BrokerConnected.WithLabelValues(SourceRedis).Set(1)
	s.logger.Info("subscribed to celery events", "pattern", s.pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("pubsub channel closed")
			}
			body, err := DecodeKombuEnvelope([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("failed to decode kombu envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if err := s.sink.Ingest(ctx, SourceRedis, body); err != nil {
				s.logger.Warn("failed to ingest event", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// Close закрывает клиент Redis.
func (s *RedisEventSource) Close() error {
	return s.client.Close()
}

// kombuEnvelope: сообщение kombu на виртуальном транспорте.
type kombuEnvelope struct {
	Body            json.RawMessage `json:"body"`
	ContentEncoding string          `json:"content-encoding"`
	ContentType     string          `json:"content-type"`
	Properties      struct {
		BodyEncoding string `json:"body_encoding"`
	} `json:"properties"`
}

// DecodeKombuEnvelope извлекает тело события из конверта kombu.
// Тело в base64 (body_encoding) или строкой JSON.
func DecodeKombuEnvelope(payload []byte) ([]byte, error) {
	var env kombuEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if len(env.Body) == 0 {
		return nil, errors.New("envelope has no body")
	}

	// body: строка (base64 или JSON текст) либо уже объект
	var s string
	if err := json.Unmarshal(env.Body, &s); err != nil {
		return env.Body, nil
	}

	if env.Properties.BodyEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		return decoded, nil
	}
	return []byte(s), nil
}

// backoff: экспоненциальная задержка от reconnectMinDelay до reconnectMaxDelay.
type backoff struct {
	cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = reconnectMinDelay
	}
	d := b.cur
	b.cur = min(b.cur*2, reconnectMaxDelay)
	return d
}

func (b *backoff) reset() { b.cur = 0 }
