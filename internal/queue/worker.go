package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler runs one job. The returned flag says whether a failure may be
// retried.
type Handler func(ctx context.Context, job *Job) (retryable bool, err error)

// Pool runs Concurrency workers that reserve jobs from the queue and hand them
// to the handler. Workers idle for PollInterval when the queue is empty.
type Pool struct {
	Queue        Queue
	Handler      Handler
	Logger       *zap.Logger
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// Enabled is consulted before each reservation; nil means always on.
	Enabled func(ctx context.Context) bool
	// OnResult observes every handled job.
	OnResult func(job *Job, err error, requeued bool)
}

func (p *Pool) Run(ctx context.Context) {
	if p == nil || p.Queue == nil || p.Handler == nil {
		return
	}
	n := p.Concurrency
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	interval := p.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		worked := false
		if p.Enabled == nil || p.Enabled(ctx) {
			var err error
			worked, err = p.RunOnce(ctx)
			if err != nil && p.Logger != nil {
				p.Logger.Warn("queue reserve failed", zap.Int("worker", worker), zap.Error(err))
			}
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce reserves and handles at most one job. It reports whether a job was
// handled.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.Queue.Reserve(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jobCtx := ctx
	cancel := func() {}
	if p.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.JobTimeout)
	}
	retryable, herr := p.safeHandle(jobCtx, job)
	cancel()

	// Bookkeeping must survive shutdown of the parent context.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	requeued := false
	if herr == nil {
		if err := p.Queue.Complete(finishCtx, job); err != nil && p.Logger != nil {
			p.Logger.Error("queue complete failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	} else {
		requeued, err = p.Queue.Fail(finishCtx, job, herr, retryable)
		if err != nil && p.Logger != nil {
			p.Logger.Error("queue fail failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if p.Logger != nil {
			p.Logger.Warn("job failed",
				zap.String("job_id", job.ID),
				zap.Uint64("strategy_id", job.Payload.StrategyID),
				zap.Int("attempt", job.Attempt),
				zap.Int("max_attempts", job.MaxAttempts),
				zap.Bool("retryable", retryable),
				zap.Bool("requeued", requeued),
				zap.Error(herr),
			)
		}
	}
	if p.OnResult != nil {
		p.OnResult(job, herr, requeued)
	}
	return true, nil
}

func (p *Pool) safeHandle(ctx context.Context, job *Job) (retryable bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.Logger != nil {
				p.Logger.Error("job handler panic", zap.String("job_id", job.ID), zap.Any("panic", r))
			}
			retryable = false
			err = errPanic
		}
	}()
	return p.Handler(ctx, job)
}

type panicError struct{}

func (panicError) Error() string { return "job handler panicked" }

var errPanic error = panicError{}
