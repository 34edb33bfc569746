package repo

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore объединяет репозитории над одним пулом.
type PGStore struct {
	*WorkflowRepo
	*ActionConfigRepo
	*ExecutionRepo

	pool *pgxpool.Pool
}

// NewPGStore создаёт PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		WorkflowRepo:     NewWorkflowRepo(pool),
		ActionConfigRepo: NewActionConfigRepo(pool),
		ExecutionRepo:    NewExecutionRepo(pool),
		pool:             pool,
	}
}

// Ping проверяет доступность БД.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithLock выполняет fn под session-level advisory lock с именем name.
// Если lock держит другой процесс, fn не вызывается и возвращается false.
func (s *PGStore) WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	key := lockKey(name)

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		// Lock привязан к сессии: снимаем на том же соединении.
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
	}()

	return true, fn(ctx)
}

// lockKey: стабильный int64 ключ advisory lock из имени.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("celerywatch:" + name))
	return int64(h.Sum64())
}
