package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/celerywatch/internal/telemetry"
)

// ErrNoChannel: соединение ещё не установлено или переподключается.
var ErrNoChannel = errors.New("no amqp channel available")

const (
	heartbeat         = 10 * time.Second
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// session: одно живое AMQP соединение с двумя каналами.
// consume читает celeryev, publish ставит задачи для task.retry.
type session struct {
	conn    *amqp.Connection
	consume *amqp.Channel
	publish *amqp.Channel
}

func dial(url string) (*session, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  heartbeat,
		Properties: amqp.Table{"connection_name": "celerywatch"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	consume, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	publish, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	return &session{conn: conn, consume: consume, publish: publish}, nil
}

func (s *session) close() error {
	var errs []error
	for _, ch := range []*amqp.Channel{s.consume, s.publish} {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}

// Connection держит соединение с брокером Celery и восстанавливает его
// после разрыва. Consumer'ы узнают о новом соединении через ReconnectNotify.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	current *session // nil во время переподключения

	publishMu sync.Mutex

	done        chan struct{}
	closeOnce   sync.Once
	reconnectCh chan struct{}
}

// NewConnection подключается к брокеру. Первая попытка синхронная:
// недоступный брокер при старте возвращается ошибкой.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := dial(url)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		url:         url,
		logger:      logger.With("component", "amqp"),
		current:     s,
		done:        make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	telemetry.BrokerConnected.WithLabelValues(SourceAMQP).Set(1)
	c.logger.Info("connected to broker")

	go c.supervise(s)
	return c, nil
}

// supervise ждёт разрыва текущей сессии и поднимает новую.
func (c *Connection) supervise(s *session) {
	for {
		closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.done:
			return
		case err := <-closed:
			c.logger.Warn("broker connection lost", "error", err)
		}

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		telemetry.BrokerConnected.WithLabelValues(SourceAMQP).Set(0)

		if s = c.redial(); s == nil {
			return
		}
	}
}

// redial повторяет попытки с экспоненциальной задержкой. nil: Close.
func (c *Connection) redial() *session {
	var b backoff
	for {
		delay := b.next()
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		s, err := dial(c.url)
		if err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			continue
		}

		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			_ = s.close()
			return nil
		default:
		}
		c.current = s
		c.mu.Unlock()

		telemetry.BrokerConnected.WithLabelValues(SourceAMQP).Set(1)
		c.logger.Info("reconnected to broker")

		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return s
	}
}

// Channel возвращает канал потребления или nil во время переподключения.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	return c.current.consume
}

// ReconnectNotify сигналит после каждого успешного переподключения.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	return c.reconnectCh
}

// withPublishChannel выполняет fn на канале публикации.
// Публикации сериализованы: amqp.Channel не потокобезопасен для publish.
func (c *Connection) withPublishChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	var ch *amqp.Channel
	if c.current != nil {
		ch = c.current.publish
	}
	c.mu.RUnlock()
	if ch == nil {
		return ErrNoChannel
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return fn(ch)
}

// Close закрывает соединение. Повторный вызов ничего не делает.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		s := c.current
		c.current = nil
		c.mu.Unlock()

		telemetry.BrokerConnected.WithLabelValues(SourceAMQP).Set(0)
		if s != nil {
			err = s.close()
		}
		c.logger.Info("broker connection closed")
	})
	return err
}
