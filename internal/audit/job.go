// Package audit implements the asynchronous audit queue (C2): a
// fire-and-forget job queue backed by the primary store (Redis list +
// hash) feeding a bounded worker pool that durably persists a sessions
// projection and an append-only events log to a separate SQLite-backed
// audit store. Nothing on the hot path ever awaits this package.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status tracks a job's position in its retry lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one audit record awaiting durable persistence. StateSnapshot is
// the full serialized session state at the moment the event occurred,
// captured verbatim into the events log for later reconstruction.
type Job struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	EventType     string          `json:"event_type"`
	ParticipantID string          `json:"participant_id,omitempty"`
	StateSnapshot json.RawMessage `json:"state_snapshot"`
	Timestamp     time.Time       `json:"timestamp"`

	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewJob constructs a pending job ready to be enqueued.
func NewJob(sessionID, eventType, participantID string, stateSnapshot json.RawMessage, now time.Time) Job {
	return Job{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		EventType:     eventType,
		ParticipantID: participantID,
		StateSnapshot: stateSnapshot,
		Timestamp:     now,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// nextDelay implements the base*2^n backoff, base=2s, used between
// attempt n and n+1.
func nextDelay(attempt int) time.Duration {
	base := 2 * time.Second
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// isConstraintViolation reports whether err looks like a SQL constraint
// failure (as opposed to a transient connection-class error). Constraint
// violations are not retried — the job is marked complete since a retry
// cannot succeed.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "CHECK constraint") ||
		strings.Contains(msg, "NOT NULL constraint") ||
		strings.Contains(msg, "FOREIGN KEY constraint")
}
