// Package queue defines the broker contract shared by the publisher and the
// worker. Backends live in the subpackages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDepthUnavailable is returned by brokers that cannot report queue depth.
	ErrDepthUnavailable = errors.New("queue depth unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
)

// Message is a single job on the wire.
type Message struct {
	ID         string
	Body       []byte
	RetryCount int
	Headers    map[string]string
}

// Delivery is a consumed message awaiting settlement. Exactly one of Ack,
// Reject or Requeue should be called.
type Delivery struct {
	Message
	ack     func(context.Context) error
	reject  func(context.Context) error
	requeue func(context.Context) error
}

// NewDelivery binds settlement callbacks to msg. Backends construct deliveries
// with this; a nil callback settles as a no-op.
func NewDelivery(msg Message, ack, reject, requeue func(context.Context) error) Delivery {
	return Delivery{Message: msg, ack: ack, reject: reject, requeue: requeue}
}

// Ack removes the message from the queue.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	if err := d.ack(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Reject removes the message without requeue, routing it to the dead-letter
// destination when the backend has one.
func (d Delivery) Reject(ctx context.Context) error {
	if d.reject == nil {
		return nil
	}
	if err := d.reject(ctx); err != nil {
		return fmt.Errorf("reject %s: %w", d.ID, err)
	}
	return nil
}

// Requeue returns the message to the queue unchanged so it is delivered again.
func (d Delivery) Requeue(ctx context.Context) error {
	if d.requeue == nil {
		return nil
	}
	if err := d.requeue(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", d.ID, err)
	}
	return nil
}

// Broker is a durable work queue with at-least-once delivery and a prefetch of one.
type Broker interface {
	// EnsureReady connects if needed and declares the topology.
	EnsureReady(ctx context.Context) error
	// Publish durably enqueues msg.
	Publish(ctx context.Context, msg Message) error
	// Retry durably enqueues msg to become deliverable once delay has
	// elapsed. A nil return means the copy survives a consumer crash.
	Retry(ctx context.Context, msg Message, delay time.Duration) error
	// Depth reports the number of ready messages or ErrDepthUnavailable.
	Depth(ctx context.Context) (int, error)
	// Consume streams deliveries until ctx ends or the connection drops; the
	// channel is closed in both cases. At most one delivery is outstanding.
	Consume(ctx context.Context) (<-chan Delivery, error)
	// Close releases the connection.
	Close() error
}
