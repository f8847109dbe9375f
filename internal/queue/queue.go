package queue

import (
	"context"
	"errors"
	"time"

	"dcaengine/internal/config"
)

var ErrDuplicateJob = errors.New("job already pending for strategy")

// Payload is the unit of work carried by a job.
type Payload struct {
	StrategyID   uint64 `json:"strategyId"`
	StrategyType string `json:"strategyType"`
}

// Job is one queued run. Attempt is 1-based and counts the attempt currently
// being (or about to be) made.
type Job struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	LastError   string    `json:"lastError,omitempty"`
	FinishedAt  time.Time `json:"finishedAt,omitempty"`
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is a durable work queue with at most one pending job per strategy.
// A job stays pending from Enqueue until Complete or a terminal Fail.
type Queue interface {
	// Enqueue returns ErrDuplicateJob when the strategy already has a
	// waiting, delayed or active job. The check and insert are atomic.
	Enqueue(ctx context.Context, payload Payload) (*Job, error)
	HasPending(ctx context.Context, strategyID uint64) (bool, error)
	// Reserve leases the next ready job, or returns (nil, nil).
	Reserve(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail schedules another attempt with backoff when retryable and the
	// attempt budget allows, and reports whether it did.
	Fail(ctx context.Context, job *Job, cause error, retryable bool) (bool, error)
	Stats(ctx context.Context) (Stats, error)
}

type Options struct {
	Attempts      int
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
	LeaseTimeout  time.Duration
}

func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		Attempts:      cfg.Attempts,
		BackoffBase:   cfg.BackoffBase,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
		LeaseTimeout:  cfg.LeaseTimeout,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 500
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 20 * time.Minute
	}
	return o
}

// Backoff is the delay before the given retry: base, 2*base, 4*base...
func (o Options) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 20 {
		retry = 20
	}
	return o.BackoffBase * time.Duration(1<<(retry-1))
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
