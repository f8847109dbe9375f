package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMemoryQueue() (*MemoryQueue, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(Options{Attempts: 3, BackoffBase: 2 * time.Second, KeepCompleted: 2, KeepFailed: 2})
	q.now = clock.now
	return q, clock
}

func TestEnqueueDedupesPerStrategy(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()

	job, err := q.Enqueue(ctx, Payload{StrategyID: 1, StrategyType: "RECURRING_BUY"})
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, 3, job.MaxAttempts)

	_, err = q.Enqueue(ctx, Payload{StrategyID: 1, StrategyType: "RECURRING_BUY"})
	require.ErrorIs(t, err, ErrDuplicateJob)

	_, err = q.Enqueue(ctx, Payload{StrategyID: 2, StrategyType: "RECURRING_BUY"})
	require.NoError(t, err)

	// Still pending while active.
	reserved, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, reserved.ID)
	pending, err := q.HasPending(ctx, 1)
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, q.Complete(ctx, reserved))
	pending, err = q.HasPending(ctx, 1)
	require.NoError(t, err)
	require.False(t, pending)

	_, err = q.Enqueue(ctx, Payload{StrategyID: 1, StrategyType: "RECURRING_BUY"})
	require.NoError(t, err)
}

func TestFailRetriesWithExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestMemoryQueue()
	_, err := q.Enqueue(ctx, Payload{StrategyID: 7})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	requeued, err := q.Fail(ctx, job, errors.New("rpc timeout"), true)
	require.NoError(t, err)
	require.True(t, requeued)

	// Not ready before the 2s backoff.
	clock.t = clock.t.Add(1999 * time.Millisecond)
	none, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.Nil(t, none)

	clock.t = clock.t.Add(time.Millisecond)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Attempt)
	require.Equal(t, "rpc timeout", job.LastError)

	requeued, err = q.Fail(ctx, job, errors.New("rpc timeout"), true)
	require.NoError(t, err)
	require.True(t, requeued)

	clock.t = clock.t.Add(3 * time.Second)
	none, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.Nil(t, none, "second retry waits 4s")

	clock.t = clock.t.Add(time.Second)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, job.Attempt)

	// Budget exhausted.
	requeued, err = q.Fail(ctx, job, errors.New("rpc timeout"), true)
	require.NoError(t, err)
	require.False(t, requeued)

	pending, err := q.HasPending(ctx, 7)
	require.NoError(t, err)
	require.False(t, pending)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()
	_, err := q.Enqueue(ctx, Payload{StrategyID: 9})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)

	requeued, err := q.Fail(ctx, job, errors.New("payout failed"), false)
	require.NoError(t, err)
	require.False(t, requeued)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Failed: 1}, stats)
}

func TestHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()
	for i := uint64(1); i <= 5; i++ {
		_, err := q.Enqueue(ctx, Payload{StrategyID: i})
		require.NoError(t, err)
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
	}
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Completed)
}

func TestBackoff(t *testing.T) {
	o := Options{BackoffBase: 2 * time.Second}
	require.Equal(t, 2*time.Second, o.Backoff(1))
	require.Equal(t, 4*time.Second, o.Backoff(2))
	require.Equal(t, 8*time.Second, o.Backoff(3))
}

func TestPoolRunOnceRoutesOutcome(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()
	_, err := q.Enqueue(ctx, Payload{StrategyID: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Payload{StrategyID: 2})
	require.NoError(t, err)

	var seen []uint64
	pool := &Pool{
		Queue: q,
		Handler: func(_ context.Context, job *Job) (bool, error) {
			seen = append(seen, job.Payload.StrategyID)
			if job.Payload.StrategyID == 2 {
				return true, errors.New("transient")
			}
			return false, nil
		},
	}

	worked, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	worked, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	worked, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, worked)

	require.Equal(t, []uint64{1, 2}, seen)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 1, stats.Delayed)
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemoryQueue()
	_, err := q.Enqueue(ctx, Payload{StrategyID: 3})
	require.NoError(t, err)

	pool := &Pool{
		Queue:   q,
		Handler: func(context.Context, *Job) (bool, error) { panic("boom") },
	}
	worked, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
}
