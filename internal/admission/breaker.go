package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/celerywatch/internal/domain"
)

// bucketKey: бюджет circuit breaker.
type bucketKey struct {
	workflowID uuid.UUID
	contextKey string
}

// bucket хранит времена допущенных выполнений одного ключа.
// Блокировка бакета защищает только его, разные workflows и ключи
// не ждут друг друга.
type bucket struct {
	mu       sync.Mutex
	hits     []time.Time
	window   time.Duration
	lastSeen time.Time

	// dead: бакет удалён sweep'ом, вызывающий должен взять новый из карты.
	dead bool
}

// prune удаляет отметки старше now-window.
func (b *bucket) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.hits) && b.hits[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Breaker: скользящее окно выполнений на (workflow_id, context_key).
//
// Состояние живёт только в памяти процесса и является источником
// истины для допуска. Ledger может временно расходиться с ним.
type Breaker struct {
	buckets sync.Map // bucketKey → *bucket
	size    atomic.Int64
}

// NewBreaker создаёт пустой Breaker.
func NewBreaker() *Breaker {
	return &Breaker{}
}

// Allow проверяет окно и при допуске добавляет отметку now.
// Выключенный или отсутствующий конфиг допускает всегда.
func (b *Breaker) Allow(workflowID uuid.UUID, contextKey string, cfg *domain.CircuitBreakerConfig, now time.Time) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}

	key := bucketKey{workflowID: workflowID, contextKey: contextKey}
	for {
		bk := b.load(key)

		bk.mu.Lock()
		if bk.dead {
			bk.mu.Unlock()
			continue
		}

		bk.window = cfg.Window()
		bk.lastSeen = now
		bk.prune(now)

		if len(bk.hits) >= cfg.MaxExecutions {
			bk.mu.Unlock()
			return false
		}

		bk.hits = append(bk.hits, now)
		bk.mu.Unlock()
		return true
	}
}

// Count возвращает число отметок в окне. Состояние не меняется.
func (b *Breaker) Count(workflowID uuid.UUID, contextKey string, window time.Duration, now time.Time) int {
	v, ok := b.buckets.Load(bucketKey{workflowID: workflowID, contextKey: contextKey})
	if !ok {
		return 0
	}
	bk := v.(*bucket)

	bk.mu.Lock()
	defer bk.mu.Unlock()

	cutoff := now.Add(-window)
	n := 0
	for _, hit := range bk.hits {
		if !hit.Before(cutoff) {
			n++
		}
	}
	return n
}

// Sweep удаляет бакеты, которых не касались дольше их окна.
// Возвращает число удалённых бакетов.
func (b *Breaker) Sweep(now time.Time) int {
	removed := 0
	b.buckets.Range(func(k, v any) bool {
		bk := v.(*bucket)

		bk.mu.Lock()
		if !bk.dead && now.Sub(bk.lastSeen) > bk.window {
			bk.dead = true
			b.buckets.Delete(k)
			b.size.Add(-1)
			removed++
		}
		bk.mu.Unlock()
		return true
	})
	return removed
}

// ForgetWorkflow удаляет все бакеты workflow (удалён или выключен).
func (b *Breaker) ForgetWorkflow(workflowID uuid.UUID) {
	b.buckets.Range(func(k, v any) bool {
		if k.(bucketKey).workflowID != workflowID {
			return true
		}
		bk := v.(*bucket)

		bk.mu.Lock()
		if !bk.dead {
			bk.dead = true
			b.buckets.Delete(k)
			b.size.Add(-1)
		}
		bk.mu.Unlock()
		return true
	})
}

// Len возвращает число живых бакетов.
func (b *Breaker) Len() int {
	return int(b.size.Load())
}

func (b *Breaker) load(key bucketKey) *bucket {
	if v, ok := b.buckets.Load(key); ok {
		return v.(*bucket)
	}
	v, loaded := b.buckets.LoadOrStore(key, &bucket{})
	if !loaded {
		b.size.Add(1)
	}
	return v.(*bucket)
}

// ContextKey вычисляет ключ контекста для события.
//
// Режим auto: root_id, затем task_id; для событий воркеров hostname.
// Иначе значение поля context_field. Второй результат false, если
// ключ вычислить нельзя.
func ContextKey(cfg *domain.CircuitBreakerConfig, ev *domain.Event) (string, bool) {
	if cfg.IsAuto() {
		switch {
		case ev.RootID != "":
			return ev.RootID, true
		case ev.TaskID != "":
			return ev.TaskID, true
		case !domain.IsTaskEvent(ev.Type) && ev.Hostname != "":
			return ev.Hostname, true
		default:
			return "", false
		}
	}

	v := ev.Lookup(cfg.ContextField)
	if v.IsAbsent() {
		return "", false
	}
	return v.String(), true
}
