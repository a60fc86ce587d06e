package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contentgen-pipeline/internal/id/uuid"
	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
	"github.com/JakeFAU/contentgen-pipeline/internal/queue"
	"github.com/JakeFAU/contentgen-pipeline/internal/queue/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func article() pipeline.Article {
	return pipeline.Article{Topic: "Go generics", Keywords: []string{"go"}, Category: "tech", Author: "ana", SessionName: "s1"}
}

func TestPublishReportsPositionAndWireBody(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pub, err := New(broker, uuid.New(), fixedClock{now: now}, nil)
	require.NoError(t, err)

	first, err := pub.Publish(context.Background(), article(), nil)
	require.NoError(t, err)
	require.NotNil(t, first.QueuePosition)
	require.Equal(t, 1, *first.QueuePosition)
	require.True(t, first.Approximate)

	hook := &pipeline.Webhook{URL: "https://example.com/hook", Secret: "s"}
	second, err := pub.Publish(context.Background(), article(), hook)
	require.NoError(t, err)
	require.Equal(t, 2, *second.QueuePosition)
	require.NotEqual(t, first.JobID, second.JobID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := broker.Consume(ctx)
	require.NoError(t, err)
	d := <-ch
	require.Equal(t, first.JobID, d.ID)
	require.Equal(t, 0, d.RetryCount)
	require.Equal(t, "article", d.Headers["kind"])

	var job pipeline.Job
	require.NoError(t, json.Unmarshal(d.Body, &job))
	require.Equal(t, first.JobID, job.ID)
	require.Equal(t, pipeline.KindArticle, job.Kind())
	require.True(t, job.CreatedAt.Equal(now))
}

func TestPublishOmitsPositionWhenDepthUnavailable(t *testing.T) {
	t.Parallel()

	broker := &queue.MockBroker{}
	broker.On("Depth", mock.Anything).Return(0, queue.ErrDepthUnavailable)
	broker.On("Publish", mock.Anything, mock.MatchedBy(func(m queue.Message) bool {
		return m.ID != "" && len(m.Body) > 0
	})).Return(nil)

	pub, err := New(broker, uuid.New(), fixedClock{now: time.Now()}, nil)
	require.NoError(t, err)

	receipt, err := pub.Publish(context.Background(), pipeline.Novel{
		Title: "T", Prompt: "P", Language: "en", Genre: "sf", ApproxWords: 1000, SessionName: "s",
	}, nil)
	require.NoError(t, err)
	require.Nil(t, receipt.QueuePosition)
	require.False(t, receipt.Approximate)
	broker.AssertExpectations(t)
}

func TestPublishFailureIsQueueUnavailable(t *testing.T) {
	t.Parallel()

	broker := &queue.MockBroker{}
	broker.On("Depth", mock.Anything).Return(0, errors.New("channel closed"))
	broker.On("Publish", mock.Anything, mock.Anything).Return(errors.New("dial tcp: connection refused"))

	pub, err := New(broker, uuid.New(), fixedClock{now: time.Now()}, nil)
	require.NoError(t, err)

	receipt, err := pub.Publish(context.Background(), article(), nil)
	require.ErrorIs(t, err, pipeline.ErrQueueUnavailable)
	require.NotEmpty(t, receipt.JobID, "the id is still reported")
	require.Nil(t, receipt.QueuePosition)
}

func TestConcurrentPublishesHaveUniqueIDs(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker()
	pub, err := New(broker, uuid.New(), fixedClock{now: time.Now()}, nil)
	require.NoError(t, err)

	const n = 200
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{}, n)
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := pub.Publish(context.Background(), article(), nil)
			if err != nil {
				t.Errorf("publish: %v", err)
				return
			}
			mu.Lock()
			ids[r.JobID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, n)
	require.Equal(t, n, broker.Published())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, uuid.New(), fixedClock{}, nil)
	require.Error(t, err)
	_, err = New(memory.NewBroker(), nil, fixedClock{}, nil)
	require.Error(t, err)
}
