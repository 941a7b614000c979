package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/memory"
	"github.com/artpar/apimeter/domain/job"
)

func newJob(sub string) job.Job {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return job.New(job.KindBilling, sub, day, day)
}

func TestQueue_FIFO(t *testing.T) {
	q := memory.NewQueueWithPoll(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("sub-1")))
	require.NoError(t, q.Enqueue(ctx, newJob("sub-2")))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "sub-1", first.SubscriptionID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "sub-2", second.SubscriptionID)

	_, _, inflight := q.Len()
	require.Equal(t, 2, inflight)

	require.NoError(t, q.Ack(ctx, *first))
	require.NoError(t, q.Ack(ctx, *second))
	_, _, inflight = q.Len()
	require.Zero(t, inflight)
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := memory.NewQueueWithPoll(20 * time.Millisecond)

	start := time.Now()
	j, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Nil(t, j)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := memory.NewQueueWithPoll(2 * time.Second)
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(ctx, newJob("sub-late"))
	}()

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "sub-late", j.SubscriptionID)
}

func TestQueue_RetryDelay(t *testing.T) {
	q := memory.NewQueueWithPoll(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("sub-1")))
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	j.Attempts++
	require.NoError(t, q.Retry(ctx, *j, 60*time.Millisecond))

	_, delayed, inflight := q.Len()
	require.Equal(t, 1, delayed)
	require.Zero(t, inflight)

	// Not ready within the first poll window.
	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, none)

	require.Eventually(t, func() bool {
		again, err := q.Dequeue(ctx)
		return err == nil && again != nil && again.Attempts == 1
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_ContextCancel(t *testing.T) {
	q := memory.NewQueueWithPoll(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, j)
}

func TestQueue_Closed(t *testing.T) {
	q := memory.NewQueue()
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Enqueue(context.Background(), newJob("sub-1")), memory.ErrClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, memory.ErrClosed)
}
