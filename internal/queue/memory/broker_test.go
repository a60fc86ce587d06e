package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
)

func receive(t *testing.T, ch <-chan queue.Delivery) queue.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return queue.Delivery{}
	}
}

func TestBrokerFIFOWithSingleOutstanding(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, b.Publish(ctx, queue.Message{ID: id, Body: []byte(id)}))
	}
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, depth)

	ch, err := b.Consume(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	require.Equal(t, "a", first.ID)

	select {
	case d := <-ch:
		t.Fatalf("received %s while a delivery was outstanding", d.ID)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Ack(ctx))
	second := receive(t, ch)
	require.Equal(t, "b", second.ID)
	require.NoError(t, second.Reject(ctx))

	dead := b.Dead()
	require.Len(t, dead, 1)
	require.Equal(t, "b", dead[0].ID)

	depth, err = b.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
	require.Equal(t, 2, b.Published())
}

func TestBrokerWakesConsumerOnPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Consume(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), queue.Message{ID: "late", RetryCount: 2, Headers: map[string]string{"kind": "novel"}})
	}()
	d := receive(t, ch)
	require.Equal(t, "late", d.ID)
	require.Equal(t, 2, d.RetryCount)
	require.Equal(t, "novel", d.Headers["kind"])
}

func TestBrokerCancelAndClose(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)

	ch2, err := b.Consume(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, ok := <-ch2
		return !ok
	}, time.Second, 10*time.Millisecond)

	require.ErrorIs(t, b.Publish(context.Background(), queue.Message{ID: "x"}), queue.ErrClosed)
	require.ErrorIs(t, b.EnsureReady(context.Background()), queue.ErrClosed)
	_, err = b.Consume(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
	require.NoError(t, b.Close())
}

func TestPublishCopiesBody(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	body := []byte("payload")
	require.NoError(t, b.Publish(context.Background(), queue.Message{ID: "a", Body: body}))
	body[0] = 'X'

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, "payload", string(receive(t, ch).Body))
}

func TestRetryIsHeldThenDelivered(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Retry(ctx, queue.Message{ID: "job-1", RetryCount: 1}, 100*time.Millisecond))
	require.Equal(t, 1, b.Delayed())
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)

	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	start := time.Now()
	d := receive(t, ch)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	require.Equal(t, "job-1", d.ID)
	require.Equal(t, 1, d.RetryCount)
	require.Zero(t, b.Delayed())
	require.NoError(t, d.Ack(ctx))
}

func TestRetrySurvivesConsumerRestart(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	first, cancelFirst := context.WithCancel(context.Background())
	_, err := b.Consume(first)
	require.NoError(t, err)
	require.NoError(t, b.Retry(first, queue.Message{ID: "job-1", RetryCount: 2}, 100*time.Millisecond))
	cancelFirst()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Consume(ctx)
	require.NoError(t, err)
	d := receive(t, ch)
	require.Equal(t, 2, d.RetryCount)
	require.NoError(t, d.Ack(ctx))
}

func TestRequeuePutsMessageBackAtHead(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, queue.Message{ID: "a"}))
	require.NoError(t, b.Publish(ctx, queue.Message{ID: "b"}))
	ch, err := b.Consume(ctx)
	require.NoError(t, err)

	d := receive(t, ch)
	require.Equal(t, "a", d.ID)
	require.NoError(t, d.Requeue(ctx))
	require.NoError(t, d.Ack(ctx), "second settlement is ignored")

	again := receive(t, ch)
	require.Equal(t, "a", again.ID)
	require.NoError(t, again.Ack(ctx))
	require.Equal(t, "b", receive(t, ch).ID)
	require.Empty(t, b.Dead())
}

func TestCloseDropsDelayedRetries(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	require.NoError(t, b.Retry(context.Background(), queue.Message{ID: "job-1"}, time.Hour))
	require.Equal(t, 1, b.Delayed())
	require.NoError(t, b.Close())
	require.Zero(t, b.Delayed())
	require.ErrorIs(t, b.Retry(context.Background(), queue.Message{ID: "job-2"}, 0), queue.ErrClosed)
}
