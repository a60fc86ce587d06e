// Package pubsub implements the job broker on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config names the project, topic and subscription.
type Config struct {
	ProjectID       string
	Topic           string
	Subscription    string
	DeadLetterTopic string
	// CreateIfMissing declares the topics and subscription on first use.
	CreateIfMissing bool
	AckDeadline     time.Duration
	MaxExtension    time.Duration
}

// Manager owns the Pub/Sub client and resolves topic and subscription handles.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	opts   []option.ClientOption

	mu     sync.Mutex
	client *pubsub.Client
	topic  *pubsub.Topic
	dead   *pubsub.Topic
	sub    *pubsub.Subscription
	closed bool
}

// NewManager validates cfg. Extra client options (e.g. option.WithGRPCConn) are
// passed through to pubsub.NewClient.
func NewManager(cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Manager, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("broker.pubsub.project_id is required")
	}
	if cfg.Topic == "" || cfg.Subscription == "" {
		return nil, fmt.Errorf("broker.pubsub.topic and broker.pubsub.subscription are required")
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.MaxExtension <= 0 {
		cfg.MaxExtension = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger, opts: opts}, nil
}

// Connect is EnsureReady under the name callers expect at startup.
func (m *Manager) Connect(ctx context.Context) error { return m.EnsureReady(ctx) }

// EnsureReady creates the client and, when configured, the topology.
func (m *Manager) EnsureReady(ctx context.Context) error {
	_, _, _, err := m.handles(ctx)
	return err
}

func (m *Manager) handles(ctx context.Context) (*pubsub.Topic, *pubsub.Topic, *pubsub.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, nil, errClosed
	}
	if m.sub != nil {
		return m.topic, m.dead, m.sub, nil
	}

	if m.client == nil {
		client, err := pubsub.NewClient(ctx, m.cfg.ProjectID, m.opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		m.client = client
	}

	topic, err := m.ensureTopic(ctx, m.cfg.Topic)
	if err != nil {
		return nil, nil, nil, err
	}
	var dead *pubsub.Topic
	if m.cfg.DeadLetterTopic != "" {
		if dead, err = m.ensureTopic(ctx, m.cfg.DeadLetterTopic); err != nil {
			return nil, nil, nil, err
		}
	}
	sub, err := m.ensureSubscription(ctx, topic)
	if err != nil {
		return nil, nil, nil, err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxExtension = m.cfg.MaxExtension

	m.topic, m.dead, m.sub = topic, dead, sub
	m.logger.Info("pubsub ready",
		zap.String("topic", m.cfg.Topic),
		zap.String("subscription", m.cfg.Subscription),
	)
	return topic, dead, sub, nil
}

func (m *Manager) ensureTopic(ctx context.Context, id string) (*pubsub.Topic, error) {
	topic := m.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", id, err)
	}
	if exists {
		return topic, nil
	}
	if !m.cfg.CreateIfMissing {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", id, m.cfg.ProjectID)
	}
	topic, err = m.client.CreateTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("create pubsub topic %q: %w", id, err)
	}
	return topic, nil
}

func (m *Manager) ensureSubscription(ctx context.Context, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := m.client.Subscription(m.cfg.Subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", m.cfg.Subscription, err)
	}
	if exists {
		return sub, nil
	}
	if !m.cfg.CreateIfMissing {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", m.cfg.Subscription)
	}
	sub, err = m.client.CreateSubscription(ctx, m.cfg.Subscription, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: m.cfg.AckDeadline,
	})
	if err != nil {
		return nil, fmt.Errorf("create pubsub subscription %q: %w", m.cfg.Subscription, err)
	}
	return sub, nil
}

// Close stops the topics' publishers and closes the client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.topic != nil {
		m.topic.Stop()
	}
	if m.dead != nil {
		m.dead.Stop()
	}
	if m.client == nil {
		return nil
	}
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
