package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
)

// RetryHeader carries the retry count on every job message.
const RetryHeader = "x-retry-count"

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
		return nil, fmt.Errorf("amqp manager is required")
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

// Publish sends a persistent message and waits for the broker confirm.
func (b *Broker) Publish(ctx context.Context, msg queue.Message) error {
	ch, err := b.manager.channel(ctx)
	if err != nil {
		return err
	}
	cfg := b.manager.Config()
	return b.publish(ctx, ch, cfg.Exchange, cfg.RoutingKey, msg)
}

// Retry parks msg on the delay queue for delay. The queue's TTL dead-letters
// it back to the work queue, so the wait happens on the broker and survives a
// worker restart. It returns once the broker confirms the copy.
func (b *Broker) Retry(ctx context.Context, msg queue.Message, delay time.Duration) error {
	ch, name, err := b.manager.retryChannel(ctx, delay)
	if err != nil {
		return err
	}
	return b.publish(ctx, ch, "", name, msg)
}

func (b *Broker) publish(ctx context.Context, ch *amqp.Channel, exchange, key string, msg queue.Message) error {
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, publishing(msg, b.now()))
	if err != nil {
		b.manager.invalidate()
		return fmt.Errorf("publish %s: %w", msg.ID, err)
	}
	if confirm == nil {
		return nil
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", msg.ID, err)
	}
	if !ok {
		return fmt.Errorf("broker nacked %s", msg.ID)
	}
	return nil
}

// Depth reads the ready count with a passive declare on a throwaway channel,
// since a failed passive declare closes the channel it ran on.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	ch, err := b.manager.openChannel(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()
	q, err := ch.QueueDeclarePassive(b.manager.Config().Queue, true, false, false, false, queueArgs(b.manager.Config()))
	if err != nil {
		return 0, fmt.Errorf("inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Consume opens a dedicated channel with the configured prefetch.
func (b *Broker) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	ch, err := b.manager.openChannel(ctx)
	if err != nil {
		return nil, err
	}
	cfg := b.manager.Config()
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", cfg.Queue, err)
	}

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("amqp delivery stream closed")
					return
				}
				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the manager.
func (b *Broker) Close() error {
	return b.manager.Close()
}

func publishing(msg queue.Message, now time.Time) amqp.Publishing {
	headers := amqp.Table{RetryHeader: int32(msg.RetryCount)} //nolint:gosec // retry counts are tiny
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    now,
		Headers:      headers,
		Body:         msg.Body,
	}
}

func toDelivery(d amqp.Delivery) queue.Delivery {
	msg := queue.Message{
		ID:         d.MessageId,
		Body:       d.Body,
		RetryCount: retryCount(d.Headers),
		Headers:    stringHeaders(d.Headers),
	}
	return queue.NewDelivery(msg,
		func(context.Context) error { return d.Ack(false) },
		func(context.Context) error { return d.Nack(false, false) },
		func(context.Context) error { return d.Nack(false, true) },
	)
}

// retryCount reads RetryHeader, tolerating the integer widths clients send.
func retryCount(headers amqp.Table) int {
	switch v := headers[RetryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func stringHeaders(headers amqp.Table) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// IsClosed reports whether err came from a closed broker.
func IsClosed(err error) bool {
	return errors.Is(err, errClosed) || errors.Is(err, amqp.ErrClosed)
}
