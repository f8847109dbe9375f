package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in Redis:
//
//	<prefix>:wait        list of ready job ids (LPUSH in, RPOP out)
//	<prefix>:delayed     zset of job ids scored by ready time (ms)
//	<prefix>:active      zset of leased job ids scored by lease expiry (ms)
//	<prefix>:strategies  hash strategy id -> pending job id
//	<prefix>:job:<id>    job JSON
//	<prefix>:completed   capped list of finished job JSON
//	<prefix>:failed      capped list of dead job JSON
type RedisQueue struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client, name string, opts Options) *RedisQueue {
	if name == "" {
		name = "dca-recurring-buy"
	}
	return &RedisQueue{
		client: client,
		prefix: "dca:queue:" + name,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (q *RedisQueue) key(part string) string {
	return q.prefix + ":" + part
}

func (q *RedisQueue) jobKeyPrefix() string {
	return q.key("job:")
}

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('SET', KEYS[2], ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[2])
return 1
`)

// Promotes due delayed jobs and expired leases, then leases one ready job.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local body = redis.call('GET', ARGV[3] .. id)
if not body then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
return body
`)

var finishScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
if redis.call('HGET', KEYS[2], ARGV[2]) == ARGV[1] then
  redis.call('HDEL', KEYS[2], ARGV[2])
end
redis.call('LPUSH', KEYS[3], ARGV[3])
redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
redis.call('DEL', KEYS[5])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, payload Payload) (*Job, error) {
	job := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: q.opts.Attempts,
		EnqueuedAt:  q.now().UTC(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.key("strategies"), q.jobKeyPrefix() + job.ID, q.key("wait")},
		strategyField(payload.StrategyID), job.ID, body,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	if res == 0 {
		return nil, ErrDuplicateJob
	}
	return job, nil
}

func (q *RedisQueue) HasPending(ctx context.Context, strategyID uint64) (bool, error) {
	ok, err := q.client.HExists(ctx, q.key("strategies"), strategyField(strategyID)).Result()
	if err != nil {
		return false, fmt.Errorf("has pending: %w", err)
	}
	return ok, nil
}

func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	now := q.now()
	body, err := reserveScript.Run(ctx, q.client,
		[]string{q.key("wait"), q.key("delayed"), q.key("active")},
		now.UnixMilli(), now.Add(q.opts.LeaseTimeout).UnixMilli(), q.jobKeyPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	done := *job
	done.FinishedAt = q.now().UTC()
	return q.finish(ctx, &done, "completed", q.opts.KeepCompleted)
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error, retryable bool) (bool, error) {
	if job == nil {
		return false, nil
	}
	if retryable && job.Attempt < job.MaxAttempts {
		next := *job
		next.LastError = errorText(cause)
		next.Attempt = job.Attempt + 1
		body, err := json.Marshal(next)
		if err != nil {
			return false, err
		}
		readyAt := q.now().Add(q.opts.Backoff(job.Attempt))
		res, err := retryScript.Run(ctx, q.client,
			[]string{q.key("active"), q.key("delayed"), q.jobKeyPrefix() + job.ID},
			job.ID, readyAt.UnixMilli(), body,
		).Int()
		if err != nil {
			return false, fmt.Errorf("retry: %w", err)
		}
		// Lease already gone: another worker picked the job up as stalled.
		return res == 1, nil
	}
	dead := *job
	dead.LastError = errorText(cause)
	dead.FinishedAt = q.now().UTC()
	return false, q.finish(ctx, &dead, "failed", q.opts.KeepFailed)
}

func (q *RedisQueue) finish(ctx context.Context, job *Job, list string, keep int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = finishScript.Run(ctx, q.client,
		[]string{q.key("active"), q.key("strategies"), q.key(list), q.key("delayed"), q.jobKeyPrefix() + job.ID},
		job.ID, strategyField(job.Payload.StrategyID), body, keep,
	).Err()
	if err != nil {
		return fmt.Errorf("%s: %w", list, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func strategyField(id uint64) string {
	return strconv.FormatUint(id, 10)
}

var _ Queue = (*RedisQueue)(nil)
