package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apexphere/synckairos/internal/kairoserr"
)

const (
	completedLedgerKey = "synckairos:audit:completed"
	failedLedgerKey    = "synckairos:audit:failed"

	// maxCompletedRetained bounds the completed ledger to the most
	// recent entries, per the completion retention policy.
	maxCompletedRetained = 100
	// completedRetention expires the completed ledger key itself after
	// this long without a new completion, so a quiet system doesn't
	// keep a stale 100 entries around forever.
	completedRetention = time.Hour
)

// Ledger records terminal job outcomes for operational visibility,
// separately from the pending-job queue: completed jobs are capped to
// the most recent maxCompletedRetained entries and expire after
// completedRetention of inactivity; failed jobs are retained
// indefinitely until explicitly purged.
type Ledger struct {
	redis *redis.Client
}

// NewLedger builds a Ledger over the given Redis client.
func NewLedger(redisClient *redis.Client) *Ledger {
	return &Ledger{redis: redisClient}
}

// RecordCompleted appends job to the completed ledger.
func (l *Ledger) RecordCompleted(ctx context.Context, job Job) error {
	return l.record(ctx, completedLedgerKey, job, maxCompletedRetained, completedRetention)
}

// RecordFailed appends job to the failed ledger. Failed entries have no
// cap and no expiry; PurgeFailed is the only way to clear them.
func (l *Ledger) RecordFailed(ctx context.Context, job Job) error {
	return l.record(ctx, failedLedgerKey, job, 0, 0)
}

func (l *Ledger) record(ctx context.Context, key string, job Job, maxLen int, ttl time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "marshal audit ledger entry")
	}

	pipe := l.redis.TxPipeline()
	pipe.LPush(ctx, key, payload)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, int64(maxLen-1))
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "record audit ledger entry")
	}
	return nil
}

// Completed returns the retained completed jobs, most recent first.
func (l *Ledger) Completed(ctx context.Context) ([]Job, error) {
	return l.list(ctx, completedLedgerKey)
}

// Failed returns every retained failed job, most recent first.
func (l *Ledger) Failed(ctx context.Context) ([]Job, error) {
	return l.list(ctx, failedLedgerKey)
}

func (l *Ledger) list(ctx context.Context, key string) ([]Job, error) {
	raws, err := l.redis.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "read audit ledger")
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "unmarshal audit ledger entry")
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// PurgeFailed clears the failed-job ledger entirely.
func (l *Ledger) PurgeFailed(ctx context.Context) error {
	if err := l.redis.Del(ctx, failedLedgerKey).Err(); err != nil {
		return kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "purge failed audit ledger")
	}
	return nil
}
