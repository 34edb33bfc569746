// Package mq связывает celerywatch с брокером Celery.
//
// Структура:
//   - connection.go:   AMQP соединение (reconnect, graceful shutdown)
//   - topology.go:     celeryev exchange и очередь получателя событий
//   - consumer.go:     потребление событий, EventSink
//   - publisher.go:    публикация задач по протоколу Celery v2 (task.retry)
//   - redis_source.go: события с брокера Redis (PSUBSCRIBE)
package mq
