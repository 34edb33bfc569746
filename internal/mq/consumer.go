package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// EventSink принимает сырые события Celery от источников.
// Ошибка означает, что тело не удалось разобрать.
type EventSink interface {
	Ingest(ctx context.Context, source string, body []byte) error
}

// Источники событий для логов и метрик.
const (
	SourceAMQP  = "amqp"
	SourceRedis = "redis"
)

const eventPrefetch = 100

var errDeliveriesClosed = errors.New("deliveries channel closed")

// EventConsumer читает события из очереди, привязанной к celeryev
// по task.# и worker.#, и передаёт тела в EventSink.
//
// Очередь transient: после разрыва соединения топология объявляется
// заново перед basic.consume.
type EventConsumer struct {
	conn   *Connection
	queue  Queue
	sink   EventSink
	logger *slog.Logger
}

// NewEventConsumer создаёт consumer. Пустое queue: QueueEvents.
func NewEventConsumer(conn *Connection, logger *slog.Logger, queue string, sink EventSink) *EventConsumer {
	if queue == "" {
		queue = string(QueueEvents)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventConsumer{
		conn:   conn,
		queue:  Queue(queue),
		sink:   sink,
		logger: logger.With("component", "event_consumer", "queue", queue),
	}
}

// Start потребляет события до отмены ctx. После разрыва соединения
// ждёт переподключения Connection и подписывается снова.
func (c *EventConsumer) Start(ctx context.Context) error {
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("event consumption interrupted, waiting for broker", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

// consumeOnce работает на одном канале до его закрытия.
func (c *EventConsumer) consumeOnce(ctx context.Context) error {
	ch := c.conn.Channel()
	if ch == nil {
		return ErrNoChannel
	}

	if err := declareEventTopology(ch, c.queue); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	if err := ch.Qos(eventPrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("consuming celery events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

// handle передаёт событие в sink. Битое событие отклоняется без requeue,
// иначе оно зациклится.
func (c *EventConsumer) handle(ctx context.Context, d amqp.Delivery) {
	if err := c.sink.Ingest(ctx, SourceAMQP, d.Body); err != nil {
		c.logger.Warn("event rejected",
			"routing_key", d.RoutingKey,
			"error", err,
		)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
