package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange: тип для имени обменника.
type Exchange string

// Queue: тип для имени очереди.
type Queue string

// RoutingKey: тип для ключа маршрутизации.
type RoutingKey string

// Топология Celery.
const (
	// ExchangeEvents: обменник событий Celery (topic на AMQP).
	ExchangeEvents Exchange = "celeryev"

	// ExchangeDefault: default exchange, Celery по умолчанию
	// кладёт задачи в очередь с именем routing key.
	ExchangeDefault Exchange = ""

	// QueueDefault: очередь задач Celery по умолчанию.
	QueueDefault Queue = "celery"

	// QueueEvents: очередь получателя событий по умолчанию.
	QueueEvents Queue = "celerywatch.events"
)

// Ключи событий: task.failed, worker.heartbeat и т.д.
const (
	RoutingKeyTaskEvents   RoutingKey = "task.#"
	RoutingKeyWorkerEvents RoutingKey = "worker.#"
)

// Параметры очереди событий, как у celery events receiver:
// сообщения живут недолго, очередь удаляется без потребителя.
const (
	eventQueueMessageTTL = 60 * time.Second
	eventQueueExpires    = time.Hour
)

// declareEventTopology объявляет celeryev и очередь получателя.
//
// Очередь не durable и auto-delete: события эфемерны, после разрыва
// соединения её объявляют заново.
func declareEventTopology(ch *amqp.Channel, queue Queue) error {
	// Параметры совпадают с объявлением celeryev в kombu,
	// иначе брокер вернёт PRECONDITION_FAILED.
	err := ch.ExchangeDeclare(
		string(ExchangeEvents), // name
		"topic",                // type
		true,                   // durable
		false,                  // auto-deleted
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeEvents, err)
	}

	_, err = ch.QueueDeclare(
		string(queue), // name
		false,         // durable
		true,          // delete when unused
		false,         // exclusive
		false,         // no-wait
		amqp.Table{
			"x-message-ttl": int32(eventQueueMessageTTL.Milliseconds()),
			"x-expires":     int32(eventQueueExpires.Milliseconds()),
		},
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, rk := range []RoutingKey{RoutingKeyTaskEvents, RoutingKeyWorkerEvents} {
		if err := ch.QueueBind(string(queue), string(rk), string(ExchangeEvents), false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s (%s): %w", queue, ExchangeEvents, rk, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(queue Queue) string {
	return fmt.Sprintf(`
  Celery broker topology used by celerywatch:

    celeryev (topic)
    └── %s [routing: task.#, worker.#] (transient, auto-delete)
            Consumer: engine

    "" (default exchange)
    └── <task queue> [routing: <queue name>]
            Publisher: task.retry action
`, queue)
}
