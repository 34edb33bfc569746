package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangesChannel: канал LISTEN/NOTIFY для изменений определений.
const ChangesChannel = "celerywatch_changes"

// Виды изменённых сущностей.
const (
	KindWorkflow = "workflow"
)

// Операции над сущностями.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change: полезная нагрузка уведомления.
type Change struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
	Op   string    `json:"op"`
}

// ParseChange разбирает payload уведомления.
func ParseChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("parse change: %w", err)
	}
	return c, nil
}

// notifyTx публикует изменение внутри транзакции: уведомление уходит
// только после commit.
func notifyTx(ctx context.Context, tx pgx.Tx, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChangesChannel, string(payload)); err != nil {
		return fmt.Errorf("notify change: %w", err)
	}
	return nil
}

// Listener слушает ChangesChannel на выделенном соединении пула.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

// NewListener создаёт Listener.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:    pool,
		channel: ChangesChannel,
		logger:  logger.With("component", "listener"),
	}
}

// Listen вызывает fn для каждого уведомления до отмены ctx.
// После потери соединения переподписывается с backoff и вызывает
// fn с пустым Change: уведомления за время разрыва могли потеряться.
func (l *Listener) Listen(ctx context.Context, fn func(Change)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	first := true
	for {
		if !first {
			fn(Change{})
		}
		first = false

		err := l.listenOnce(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn("listener disconnected, retrying",
			"error", err,
			"delay", backoff,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *Listener) listenOnce(ctx context.Context, fn func(Change)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	// Соединение с активным LISTEN не возвращаем в пул.
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Info("listening for definition changes", "channel", l.channel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		c, err := ParseChange(n.Payload)
		if err != nil {
			l.logger.Warn("ignoring malformed notification", "payload", n.Payload, "error", err)
			continue
		}
		fn(c)
	}
}
