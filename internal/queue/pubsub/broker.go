package pubsub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
)

// Attribute keys set on every job message.
const (
	AttrJobID      = "job_id"
	AttrRetryCount = "retry_count"
	// AttrNotBefore is the unix-millisecond time a retried message becomes
	// deliverable. Earlier receipts are held by the subscriber, under lease.
	AttrNotBefore = "not_before"
)

var errClosed = queue.ErrClosed

// Broker publishes and consumes job messages through a Manager.
type Broker struct {
	manager *Manager
	logger  *zap.Logger
	now     func() time.Time
}

// NewBroker binds a broker to manager.
func NewBroker(manager *Manager, logger *zap.Logger) (*Broker, error) {
	if manager == nil {
		return nil, fmt.Errorf("pubsub manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{manager: manager, logger: logger, now: time.Now}, nil
}

// EnsureReady delegates to the manager.
func (b *Broker) EnsureReady(ctx context.Context) error {
	return b.manager.EnsureReady(ctx)
}

// Publish waits for the server to accept the message.
func (b *Broker) Publish(ctx context.Context, msg queue.Message) error {
	topic, _, _, err := b.manager.handles(ctx)
	if err != nil {
		return err
	}
	if _, err := topic.Publish(ctx, toPubsub(msg)).Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	return nil
}

// Retry republishes msg stamped with AttrNotBefore. The copy is stored by the
// server before Retry returns; Consume holds it until the stamp passes.
func (b *Broker) Retry(ctx context.Context, msg queue.Message, delay time.Duration) error {
	topic, _, _, err := b.manager.handles(ctx)
	if err != nil {
		return err
	}
	m := toPubsub(msg)
	m.Attributes[AttrNotBefore] = strconv.FormatInt(b.now().Add(delay).UnixMilli(), 10)
	if _, err := topic.Publish(ctx, m).Get(ctx); err != nil {
		return fmt.Errorf("publish retry %s: %w", msg.ID, err)
	}
	return nil
}

// Depth is not exposed by the Pub/Sub data plane.
func (b *Broker) Depth(_ context.Context) (int, error) {
	return 0, queue.ErrDepthUnavailable
}

// Consume runs a single-goroutine Receive with one outstanding message. Each
// callback blocks until the delivery is settled.
func (b *Broker) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	_, dead, sub, err := b.manager.handles(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		err := sub.Receive(ctx, func(rctx context.Context, m *pubsub.Message) {
			if wait := holdFor(m, b.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-rctx.Done():
					timer.Stop()
					m.Nack()
					return
				}
			}
			settled := make(chan struct{})
			d := b.delivery(m, dead, settled)
			select {
			case out <- d:
			case <-rctx.Done():
				m.Nack()
				return
			}
			select {
			case <-settled:
			case <-rctx.Done():
			}
		})
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("pubsub receive stopped", zap.Error(err))
		}
	}()
	return out, nil
}

func (b *Broker) delivery(m *pubsub.Message, dead *pubsub.Topic, settled chan struct{}) queue.Delivery {
	msg := fromPubsub(m)
	done := func() { close(settled) }
	ack := func(context.Context) error {
		m.Ack()
		done()
		return nil
	}
	reject := func(ctx context.Context) error {
		defer done()
		if dead == nil {
			b.logger.Warn("dropping rejected message without dead-letter topic", zap.String("job_id", msg.ID))
			m.Ack()
			return nil
		}
		if _, err := dead.Publish(ctx, &pubsub.Message{Data: m.Data, Attributes: m.Attributes}).Get(ctx); err != nil {
			m.Nack()
			return fmt.Errorf("forward to dead-letter topic: %w", err)
		}
		m.Ack()
		return nil
	}
	requeue := func(context.Context) error {
		m.Nack()
		done()
		return nil
	}
	return queue.NewDelivery(msg, ack, reject, requeue)
}

// holdFor returns how long m must wait before delivery.
func holdFor(m *pubsub.Message, now time.Time) time.Duration {
	raw, ok := m.Attributes[AttrNotBefore]
	if !ok {
		return 0
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(ms).Sub(now)
}

// Close closes the manager.
func (b *Broker) Close() error {
	return b.manager.Close()
}

func toPubsub(msg queue.Message) *pubsub.Message {
	attrs := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		attrs[k] = v
	}
	attrs[AttrJobID] = msg.ID
	attrs[AttrRetryCount] = strconv.Itoa(msg.RetryCount)
	return &pubsub.Message{Data: msg.Body, Attributes: attrs}
}

func fromPubsub(m *pubsub.Message) queue.Message {
	headers := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		if k == AttrJobID || k == AttrRetryCount || k == AttrNotBefore {
			continue
		}
		headers[k] = v
	}
	retries, err := strconv.Atoi(m.Attributes[AttrRetryCount])
	if err != nil {
		retries = 0
	}
	id := m.Attributes[AttrJobID]
	if id == "" {
		id = m.ID
	}
	return queue.Message{ID: id, Body: m.Data, RetryCount: retries, Headers: headers}
}
