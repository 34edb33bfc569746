package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInvalidTask: сообщение задачи собрать нельзя.
var ErrInvalidTask = errors.New("invalid celery task")

// CeleryTask: задача для публикации по протоколу Celery v2.
type CeleryTask struct {
	// ID: id задачи. Пусто: генерируется.
	ID   string
	Name string

	Args   []any
	Kwargs map[string]any

	RootID   string
	ParentID string
	Retries  int

	// ETA: не раньше этого времени (countdown).
	ETA *time.Time

	// Exchange и RoutingKey. По умолчанию default exchange и
	// очередь "celery".
	Exchange   string
	RoutingKey string
}

// Publisher публикует задачи Celery в брокер.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	origin string
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	return &Publisher{
		conn:   conn,
		logger: logger,
		origin: fmt.Sprintf("celerywatch@%s", host),
	}
}

// PublishTask публикует задачу и возвращает её id.
func (p *Publisher) PublishTask(ctx context.Context, task CeleryTask) (string, error) {
	msg, err := BuildTaskMessage(task, p.origin)
	if err != nil {
		return "", err
	}

	exchange := task.Exchange
	routingKey := task.RoutingKey
	if routingKey == "" {
		routingKey = string(QueueDefault)
	}

	err = p.conn.withPublishChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			exchange,   // exchange
			routingKey, // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)
		if err != nil {
			return fmt.Errorf("publish to %q/%s: %w", exchange, routingKey, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	p.logger.Debug("published task",
		"task_id", msg.CorrelationId,
		"task_name", task.Name,
		"exchange", exchange,
		"routing_key", routingKey,
	)

	return msg.CorrelationId, nil
}

// BuildTaskMessage собирает AMQP сообщение протокола Celery v2.
//
// Метаданные задачи в заголовках, тело: [args, kwargs, embed].
func BuildTaskMessage(task CeleryTask, origin string) (amqp.Publishing, error) {
	if task.Name == "" {
		return amqp.Publishing{}, fmt.Errorf("%w: task name is required", ErrInvalidTask)
	}

	id := task.ID
	if id == "" {
		id = uuid.NewString()
	}
	rootID := task.RootID
	if rootID == "" {
		rootID = id
	}

	args := task.Args
	if args == nil {
		args = []any{}
	}
	kwargs := task.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	body, err := json.Marshal([]any{
		args,
		kwargs,
		map[string]any{
			"callbacks": nil,
			"errbacks":  nil,
			"chain":     nil,
			"chord":     nil,
		},
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("%w: marshal body: %v", ErrInvalidTask, err)
	}

	argsRepr, _ := json.Marshal(args)
	kwargsRepr, _ := json.Marshal(kwargs)

	var eta any
	if task.ETA != nil {
		eta = task.ETA.UTC().Format(time.RFC3339Nano)
	}
	var parentID any
	if task.ParentID != "" {
		parentID = task.ParentID
	}

	headers := amqp.Table{
		"lang":          "py",
		"task":          task.Name,
		"id":            id,
		"shadow":        nil,
		"eta":           eta,
		"expires":       nil,
		"group":         nil,
		"group_index":   nil,
		"retries":       int32(task.Retries),
		"timelimit":     []any{nil, nil},
		"root_id":       rootID,
		"parent_id":     parentID,
		"argsrepr":      string(argsRepr),
		"kwargsrepr":    string(kwargsRepr),
		"origin":        origin,
		"ignore_result": false,
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		CorrelationId:   id,
		DeliveryMode:    amqp.Persistent,
		Priority:        0,
		Timestamp:       time.Now().UTC(),
		Body:            body,
	}, nil
}
