package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockBroker is a testify mock of Broker.
type MockBroker struct {
	mock.Mock
}

// EnsureReady is the mock implementation of EnsureReady.
func (m *MockBroker) EnsureReady(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// Publish is the mock implementation of Publish.
func (m *MockBroker) Publish(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0) //nolint:wrapcheck
}

// Retry is the mock implementation of Retry.
func (m *MockBroker) Retry(ctx context.Context, msg Message, delay time.Duration) error {
	args := m.Called(ctx, msg, delay)
	return args.Error(0) //nolint:wrapcheck
}

// Depth is the mock implementation of Depth.
func (m *MockBroker) Depth(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}

// Consume is the mock implementation of Consume.
func (m *MockBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	args := m.Called(ctx)
	ch, _ := args.Get(0).(<-chan Delivery)
	return ch, args.Error(1) //nolint:wrapcheck
}

// Close is the mock implementation of Close.
func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
