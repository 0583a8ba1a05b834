package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

// DefaultQueueKey namespaces the pending-job list; it lives in the
// primary store (C1/Redis) rather than a second queuing dependency.
const DefaultQueueKey = "synckairos:audit:jobs"

// Queue is the pending-job ledger: a Redis list of job IDs paired with a
// hash holding each job's serialized payload. It is not the durable
// audit store — entries here are ephemeral work items, reaped once a
// worker durably persists them.
type Queue struct {
	redis    *redis.Client
	listKey  string
	dataKey  string
	popDelay time.Duration
}

// NewQueue builds a Queue over the given Redis client. key namespaces
// both the list and its companion hash.
func NewQueue(redisClient *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &Queue{
		redis:    redisClient,
		listKey:  key,
		dataKey:  key + ":data",
		popDelay: 5 * time.Second,
	}
}

// Enqueue pushes job onto the queue and returns immediately — callers on
// the hot path never await the downstream SQL transaction.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "marshal audit job")
	}

	pipe := q.redis.TxPipeline()
	pipe.HSet(ctx, q.dataKey, job.ID, payload)
	pipe.LPush(ctx, q.listKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "enqueue audit job")
	}
	return nil
}

// Dequeue blocks up to its internal timeout for the next job ID and
// returns its payload. Returns (Job{}, false, nil) on timeout so callers
// can loop and re-check ctx.
func (q *Queue) Dequeue(ctx context.Context) (Job, bool, error) {
	res, err := q.redis.BRPop(ctx, q.popDelay, q.listKey).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "dequeue audit job")
	}
	if len(res) != 2 {
		return Job{}, false, kairoserr.Newf(kairoserr.CodeStateDeserializationErr, "unexpected BRPOP result shape")
	}
	jobID := res[1]

	payload, err := q.redis.HGet(ctx, q.dataKey, jobID).Bytes()
	if err != nil {
		return Job{}, false, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "fetch audit job payload %s", jobID)
	}

	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, false, kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "unmarshal audit job %s", jobID)
	}

	q.redis.HDel(ctx, q.dataKey, jobID)
	return job, true, nil
}

// Len reports the number of jobs currently queued, used by /metrics.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.listKey).Result()
	if err != nil {
		return 0, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "audit queue length")
	}
	return n, nil
}

// Requeue re-pushes a job for retry, used after a connection-class
// failure within its retry budget.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	return q.Enqueue(ctx, job)
}
