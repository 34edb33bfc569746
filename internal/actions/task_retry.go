package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/mq"
)

// TaskPublisher ставит задачу Celery в брокер. *mq.Publisher реализует его.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task mq.CeleryTask) (string, error)
}

// TaskRetryExecutor: действие task.retry.
//
// Повторно ставит упавшую задачу с новым id. root_id сохраняется,
// parent_id = id упавшей задачи, поэтому повторы одной цепочки
// попадают в один бакет circuit breaker.
//
// Params:
//   - task_name (string). Default: имя задачи из события
//   - queue (string): очередь (routing key на default exchange)
//   - exchange, routing_key (string): явная маршрутизация
//   - args (list), kwargs (map)
//   - countdown_seconds (number): задержка через eta
type TaskRetryExecutor struct {
	Publisher TaskPublisher

	// now для тестов.
	now func() time.Time
}

// Execute публикует задачу.
func (e *TaskRetryExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if e.Publisher == nil {
		return nil, ErrPublisherUnavailable
	}

	task, err := e.buildTask(req)
	if err != nil {
		return nil, err
	}

	id, err := e.Publisher.PublishTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("publish retry of %s: %w", task.Name, err)
	}

	output := map[string]any{
		"task_id":     id,
		"task_name":   task.Name,
		"root_id":     task.RootID,
		"parent_id":   task.ParentID,
		"routing_key": task.RoutingKey,
		"retries":     task.Retries,
	}
	if task.ETA != nil {
		output["eta"] = task.ETA.Format(time.RFC3339)
	}
	return &Result{Output: output}, nil
}

func (e *TaskRetryExecutor) buildTask(req *Request) (mq.CeleryTask, error) {
	ev := req.Event
	params := req.Params

	var evTaskName, evTaskID, evRootID, evQueue, evRoutingKey string
	retries := 0
	if ev != nil {
		evTaskName, evTaskID, evRootID = ev.TaskName, ev.TaskID, ev.RootID
		evQueue, evRoutingKey = ev.Queue, ev.RoutingKey
		if ev.Retries != nil {
			retries = *ev.Retries
		}
	}

	name := getString(params, "task_name", evTaskName)
	if name == "" {
		return mq.CeleryTask{}, fmt.Errorf("%w: task_name (event carries no task name)", ErrMissingParam)
	}

	rootID := evRootID
	if rootID == "" {
		rootID = evTaskID
	}

	task := mq.CeleryTask{
		ID:       uuid.NewString(),
		Name:     name,
		RootID:   rootID,
		ParentID: evTaskID,
		Retries:  retries + 1,
		Exchange: getString(params, "exchange", ""),
	}

	// queue на default exchange, иначе routing_key события, иначе "celery"
	task.RoutingKey = getString(params, "routing_key", "")
	if task.RoutingKey == "" {
		task.RoutingKey = getString(params, "queue", evQueue)
	}
	if task.RoutingKey == "" && task.Exchange != "" {
		task.RoutingKey = evRoutingKey
	}
	if task.RoutingKey == "" {
		task.RoutingKey = string(mq.QueueDefault)
	}

	if args, ok := params["args"].([]any); ok {
		task.Args = args
	}
	if kwargs, ok := params["kwargs"].(map[string]any); ok {
		task.Kwargs = kwargs
	}

	if countdown := getTimeout(params, "countdown_seconds", 0); countdown > 0 {
		now := time.Now
		if e.now != nil {
			now = e.now
		}
		eta := now().Add(countdown).UTC()
		task.ETA = &eta
	}

	return task, nil
}
