package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for local runs and tests. It offers the
// same dedupe and retry semantics as the Redis backend but no durability.
type MemoryQueue struct {
	opts Options
	now  func() time.Time

	mu         sync.Mutex
	waiting    []*Job
	delayed    map[string]delayedJob
	active     map[string]*Job
	strategies map[uint64]string
	completed  []Job
	failed     []Job
}

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:       opts.withDefaults(),
		now:        time.Now,
		delayed:    map[string]delayedJob{},
		active:     map[string]*Job{},
		strategies: map[uint64]string{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload Payload) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.strategies[payload.StrategyID]; ok {
		return nil, ErrDuplicateJob
	}
	job := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: q.opts.Attempts,
		EnqueuedAt:  q.now().UTC(),
	}
	q.strategies[payload.StrategyID] = job.ID
	q.waiting = append(q.waiting, job)
	out := *job
	return &out, nil
}

func (q *MemoryQueue) HasPending(_ context.Context, strategyID uint64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.strategies[strategyID]
	return ok, nil
}

func (q *MemoryQueue) Reserve(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for id, d := range q.delayed {
		if !d.readyAt.After(now) {
			q.waiting = append(q.waiting, d.job)
			delete(q.delayed, id)
		}
	}
	if len(q.waiting) == 0 {
		return nil, nil
	}
	job := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active[job.ID] = job
	out := *job
	return &out, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finish(job)
	done := *job
	done.FinishedAt = q.now().UTC()
	q.completed = appendBounded(q.completed, done, q.opts.KeepCompleted)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error, retryable bool) (bool, error) {
	if job == nil {
		return false, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if retryable && job.Attempt < job.MaxAttempts {
		delete(q.active, job.ID)
		next := *job
		next.LastError = errorText(cause)
		next.Attempt = job.Attempt + 1
		q.delayed[job.ID] = delayedJob{job: &next, readyAt: q.now().Add(q.opts.Backoff(job.Attempt))}
		return true, nil
	}
	q.finish(job)
	dead := *job
	dead.LastError = errorText(cause)
	dead.FinishedAt = q.now().UTC()
	q.failed = appendBounded(q.failed, dead, q.opts.KeepFailed)
	return false, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   int64(len(q.waiting)),
		Delayed:   int64(len(q.delayed)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}, nil
}

// finish releases the strategy's pending slot; callers hold q.mu.
func (q *MemoryQueue) finish(job *Job) {
	delete(q.active, job.ID)
	delete(q.delayed, job.ID)
	if q.strategies[job.Payload.StrategyID] == job.ID {
		delete(q.strategies, job.Payload.StrategyID)
	}
}

func appendBounded(items []Job, item Job, keep int) []Job {
	items = append(items, item)
	if len(items) > keep {
		items = items[len(items)-keep:]
	}
	return items
}

var _ Queue = (*MemoryQueue)(nil)
