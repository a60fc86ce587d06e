// Package amqp implements the job broker on RabbitMQ.
package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Config names the broker endpoint and topology.
type Config struct {
	URL                string
	Exchange           string
	Queue              string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	Prefetch           int
	DialTimeout        time.Duration
}

// WithDefaults fills unset names with the standard topology.
func (c Config) WithDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "content_jobs"
	}
	if c.Queue == "" {
		c.Queue = "content_generation"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "generate"
	}
	if c.DeadLetterExchange == "" {
		c.DeadLetterExchange = c.Exchange + ".dlx"
	}
	if c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.Queue + ".dead"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Manager owns the process-wide connection and publish channel. It connects
// lazily and reconnects on the next use after the broker drops the connection.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	publishCh *amqp.Channel
	// retryQueues holds the delay queues declared on the current connection.
	retryQueues map[string]bool
	closed      bool
}

// NewManager validates cfg and returns an unconnected manager.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker.amqp.url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg.WithDefaults(), logger: logger}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Connect is EnsureReady under the name callers expect at startup.
func (m *Manager) Connect(ctx context.Context) error { return m.EnsureReady(ctx) }

// EnsureReady dials and declares the topology unless a healthy connection exists.
func (m *Manager) EnsureReady(ctx context.Context) error {
	_, err := m.channel(ctx)
	return err
}

func (m *Manager) channel(ctx context.Context) (*amqp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	if m.healthyLocked() {
		return m.publishCh, nil
	}
	m.resetLocked()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	conn, err := amqp.DialConfig(m.cfg.URL, amqp.Config{
		Dial:       amqp.DefaultDial(m.cfg.DialTimeout),
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": "contentgen-pipeline"},
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := declareTopology(ch, m.cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	m.conn, m.publishCh = conn, ch
	m.watch(conn)
	m.logger.Info("amqp connected",
		zap.String("exchange", m.cfg.Exchange),
		zap.String("queue", m.cfg.Queue),
	)
	return ch, nil
}

// watch logs an unexpected close; the next call reconnects.
func (m *Manager) watch(conn *amqp.Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-notify; ok && amqpErr != nil {
			m.logger.Warn("amqp connection closed", zap.String("reason", amqpErr.Reason), zap.Int("code", amqpErr.Code))
		}
	}()
}

func (m *Manager) healthyLocked() bool {
	return m.conn != nil && !m.conn.IsClosed() && m.publishCh != nil && !m.publishCh.IsClosed()
}

func (m *Manager) resetLocked() {
	if m.conn != nil && !m.conn.IsClosed() {
		_ = m.conn.Close()
	}
	m.conn, m.publishCh = nil, nil
	m.retryQueues = nil
}

// retryChannel returns the publish channel together with the name of the delay
// queue for delay, declaring that queue on first use.
func (m *Manager) retryChannel(ctx context.Context, delay time.Duration) (*amqp.Channel, string, error) {
	ch, err := m.channel(ctx)
	if err != nil {
		return nil, "", err
	}
	name := retryQueueName(m.cfg, delay)
	m.mu.Lock()
	declared := m.retryQueues[name]
	m.mu.Unlock()
	if declared {
		return ch, name, nil
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, retryQueueArgs(m.cfg, delay)); err != nil {
		m.invalidate()
		return nil, "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	m.mu.Lock()
	if m.retryQueues == nil {
		m.retryQueues = make(map[string]bool)
	}
	m.retryQueues[name] = true
	m.mu.Unlock()
	return ch, name, nil
}

// invalidate drops the cached connection after a failed operation.
func (m *Manager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// openChannel opens an extra channel on the managed connection.
func (m *Manager) openChannel(ctx context.Context) (*amqp.Channel, error) {
	if _, err := m.channel(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("amqp connection unavailable")
	}
	ch, err := conn.Channel()
	if err != nil {
		m.invalidate()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	return ch, nil
}

// Close closes the connection. Later calls fail with the closed error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn, m.publishCh = nil, nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.RoutingKey, cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, queueArgs(cfg)); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// queueArgs routes rejected work messages to the dead-letter exchange.
func queueArgs(cfg Config) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
}

// retryQueueName names the delay queue shared by every retry with the same delay.
func retryQueueName(cfg Config, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%d", cfg.Queue, max(delay.Milliseconds(), 0))
}

// retryQueueArgs make a consumerless holding queue: each message expires after
// delay and is dead-lettered back onto the work exchange with its headers intact.
func retryQueueArgs(cfg Config, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             max(delay.Milliseconds(), 0),
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
}
