package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates the ready queue, in-flight leases, and cancel
// markers in Redis. Job records themselves live in the job state store;
// the queue only moves ids.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	cancelPrefix  string
	visibilityTTL time.Duration
	cancelTTL     time.Duration
}

// Options configures a RedisQueue.
type Options struct {
	Addr              string
	Password          string
	DB                int
	VisibilityTimeout time.Duration
}

// NewRedisQueue builds a queue client.
func NewRedisQueue(opts Options) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "sandbox:ready",
		inflightKey:   "sandbox:inflight",
		cancelPrefix:  "sandbox:cancel:",
		visibilityTTL: visibility,
		cancelTTL:     time.Hour,
	}
}

func (q *RedisQueue) cancelKey(jobID string) string {
	return q.cancelPrefix + jobID
}

// Enqueue appends a job id to the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// DequeueWithLease pops a job id from the ready queue and places it into
// the in-flight set with a visibility deadline. Returns "" when the queue
// is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// Called while a long execution is still within its policy timeout.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and clears any cancel marker.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.cancelKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims in-flight leases that passed their deadline,
// pushing the ids back onto the ready queue.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes a job id from the ready queue, for cancelling a job that
// has not been dequeued yet. Returns whether anything was removed.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.readyKey, 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestCancel sets a cancel marker for a job already being executed. The
// worker slot running it polls the marker and tears the sandbox down.
func (q *RedisQueue) RequestCancel(ctx context.Context, jobID string) error {
	return q.client.Set(ctx, q.cancelKey(jobID), "1", q.cancelTTL).Err()
}

// CancelRequested reports whether a cancel marker exists for the job.
func (q *RedisQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
