package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/apexphere/synckairos/internal/engine"
	"github.com/apexphere/synckairos/internal/kairoserr"
)

// Store is the durable SQLite-backed audit store: a sessions projection
// plus an append-only events log, written inside one transaction per
// job. It is never consulted on the hot path.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened, already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist applies job durably: upsert the sessions projection, then
// append to the events log, both inside one transaction. Any failure
// rolls back the whole job.
func (s *Store) Persist(ctx context.Context, job Job) error {
	var snap engine.Session
	if err := json.Unmarshal(job.StateSnapshot, &snap); err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "unmarshal state snapshot for job %s", job.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "begin audit tx for job %s", job.ID)
	}
	defer tx.Rollback()

	if err := upsertSession(ctx, tx, snap); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "commit audit tx for job %s", job.ID)
	}
	return nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, s engine.Session) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO sessions (
	session_id, sync_mode, status, version,
	total_time_ms, time_per_cycle_ms, increment_ms, max_time_ms,
	active_participant_id, participant_count, cycle_count,
	session_started_at, session_completed_at, metadata,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	sync_mode = excluded.sync_mode,
	status = excluded.status,
	version = excluded.version,
	total_time_ms = excluded.total_time_ms,
	time_per_cycle_ms = excluded.time_per_cycle_ms,
	increment_ms = excluded.increment_ms,
	max_time_ms = excluded.max_time_ms,
	active_participant_id = excluded.active_participant_id,
	participant_count = excluded.participant_count,
	cycle_count = excluded.cycle_count,
	session_started_at = excluded.session_started_at,
	session_completed_at = excluded.session_completed_at,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at
`,
		s.SessionID, string(s.SyncMode), string(s.Status), s.Version,
		s.TotalTimeMs, s.TimePerCycleMs, s.IncrementMs, s.MaxTimeMs,
		s.ActiveParticipantID, len(s.Participants), maxCycleCount(s),
		s.SessionStartedAt, s.SessionCompletedAt, "{}",
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "upsert session projection %s", s.SessionID)
	}
	return nil
}

func maxCycleCount(s engine.Session) int {
	var max int
	for _, p := range s.Participants {
		if p.CycleCount > max {
			max = p.CycleCount
		}
	}
	return max
}

func insertEvent(ctx context.Context, tx *sql.Tx, job Job) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO events (
	event_id, session_id, event_type, participant_id,
	time_remaining_ms, occurred_at, state_snapshot, metadata
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		job.ID, job.SessionID, job.EventType, nullIfEmpty(job.ParticipantID),
		nil, job.Timestamp, string(job.StateSnapshot), "{}",
	)
	if err != nil {
		return kairoserr.Wrapf(kairoserr.CodeStateDeserializationErr, err, "insert event for job %s", job.ID)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
