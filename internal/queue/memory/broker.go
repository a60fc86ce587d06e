// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
)

// Broker is a FIFO queue with a single outstanding delivery and a dead-letter list.
// Delayed retries are held by the broker, not by the consumer, so they outlive
// any one Consume call.
type Broker struct {
	mu          sync.Mutex
	pending     []queue.Message
	dead        []queue.Message
	delayed     map[*time.Timer]struct{}
	published   int
	outstanding bool
	closed      bool
	changed     chan struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{changed: make(chan struct{}), delayed: make(map[*time.Timer]struct{})}
}

// signal wakes every waiter. Callers hold mu.
func (b *Broker) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// EnsureReady reports queue.ErrClosed after Close.
func (b *Broker) EnsureReady(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

// Publish appends msg to the tail.
func (b *Broker) Publish(_ context.Context, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	b.pending = append(b.pending, cloneMessage(msg))
	b.published++
	b.signal()
	return nil
}

// Retry holds msg until delay elapses and then appends it to the tail.
func (b *Broker) Retry(_ context.Context, msg queue.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	msg = cloneMessage(msg)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.delayed, timer)
		if b.closed {
			return
		}
		b.pending = append(b.pending, msg)
		b.signal()
	})
	b.delayed[timer] = struct{}{}
	return nil
}

// Depth returns the number of ready messages.
func (b *Broker) Depth(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, queue.ErrClosed
	}
	return len(b.pending), nil
}

// Consume streams deliveries one at a time: the next message is handed out
// only after the previous one is settled.
func (b *Broker) Consume(ctx context.Context) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, queue.ErrClosed
	}

	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			msg, wait, ok := b.next()
			if !ok {
				return
			}
			if wait != nil {
				select {
				case <-ctx.Done():
					return
				case <-wait:
				}
				continue
			}
			select {
			case out <- b.delivery(msg):
			case <-ctx.Done():
				b.requeue(msg)
				return
			}
		}
	}()
	return out, nil
}

// next pops the head when nothing is outstanding. It returns a wait channel
// when the caller must block, and ok=false once the broker is closed.
func (b *Broker) next() (queue.Message, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.Message{}, nil, false
	}
	if b.outstanding || len(b.pending) == 0 {
		return queue.Message{}, b.changed, true
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	b.outstanding = true
	return msg, nil, true
}

type settlement int

const (
	settleAck settlement = iota
	settleDead
	settleRequeue
)

func (b *Broker) delivery(msg queue.Message) queue.Delivery {
	var once sync.Once
	settle := func(how settlement) func(context.Context) error {
		return func(context.Context) error {
			once.Do(func() {
				if how == settleRequeue {
					b.requeue(msg)
					return
				}
				b.mu.Lock()
				defer b.mu.Unlock()
				if how == settleDead {
					b.dead = append(b.dead, msg)
				}
				b.outstanding = false
				b.signal()
			})
			return nil
		}
	}
	return queue.NewDelivery(msg, settle(settleAck), settle(settleDead), settle(settleRequeue))
}

func (b *Broker) requeue(msg queue.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]queue.Message{msg}, b.pending...)
	b.outstanding = false
	b.signal()
}

// Dead returns a copy of the dead-lettered messages.
func (b *Broker) Dead() []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Message(nil), b.dead...)
}

// Delayed returns the number of retries still waiting out their delay.
func (b *Broker) Delayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delayed)
}

// Published returns the total number of successful Publish calls.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Close stops consumers and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for timer := range b.delayed {
		timer.Stop()
	}
	b.delayed = map[*time.Timer]struct{}{}
	b.signal()
	return nil
}

func cloneMessage(msg queue.Message) queue.Message {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
