package events

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/shaiso/celerywatch/internal/domain"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = time.Hour
)

// taskInfo: то, что task.sent/task.received сообщают о задаче.
type taskInfo struct {
	Name       string
	Queue      string
	RoutingKey string
	RootID     string
	ParentID   string
	Retries    *int
}

// Enricher дополняет события задач полями из предыдущих событий.
//
// task.failed и task.succeeded не несут имени задачи и очереди,
// Celery шлёт их только в task.sent/task.received. Кэш по task_id
// ограничен по размеру и по времени жизни записи.
type Enricher struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, taskInfo]
}

// NewEnricher создаёт Enricher. size и ttl <= 0: значения по умолчанию.
func NewEnricher(size int, ttl time.Duration) *Enricher {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Enricher{
		cache: expirable.NewLRU[string, taskInfo](size, nil, ttl),
	}
}

// Enrich запоминает известные поля события и заполняет отсутствующие.
// Поля, которые уже есть в событии, не перезаписываются.
func (e *Enricher) Enrich(ev *domain.Event) {
	if ev.TaskID == "" || !domain.IsTaskEvent(ev.Type) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	info, _ := e.cache.Get(ev.TaskID)

	fill(&ev.TaskName, &info.Name)
	fill(&ev.Queue, &info.Queue)
	fill(&ev.RoutingKey, &info.RoutingKey)
	fill(&ev.RootID, &info.RootID)
	fill(&ev.ParentID, &info.ParentID)

	if ev.Retries != nil {
		r := *ev.Retries
		info.Retries = &r
	} else if info.Retries != nil {
		r := *info.Retries
		ev.Retries = &r
	}

	switch ev.Type {
	case domain.EventTaskSucceeded, domain.EventTaskRevoked:
		// больше событий по задаче не будет
		e.cache.Remove(ev.TaskID)
	default:
		e.cache.Add(ev.TaskID, info)
	}
}

// Len возвращает число задач в кэше.
func (e *Enricher) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.Len()
}

// fill: непустое значение события запоминается, пустое заполняется из кэша.
func fill(event, cached *string) {
	if *event != "" {
		*cached = *event
		return
	}
	*event = *cached
}
