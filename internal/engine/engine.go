package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexphere/synckairos/internal/kairoserr"
	"github.com/apexphere/synckairos/internal/util"
)

// Clock abstracts wall-clock time so tests can control elapsed-time
// measurements precisely instead of sleeping real milliseconds.
type Clock func() time.Time

// permittedTransitions enumerates the state machine's legal edges. Any
// transition not listed here is INVALID_STATE_TRANSITION.
var permittedTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusRunning: true, StatusCancelled: true, StatusExpired: true},
	StatusRunning:   {StatusPaused: true, StatusCompleted: true, StatusCancelled: true, StatusExpired: true},
	StatusPaused:    {StatusRunning: true, StatusCancelled: true, StatusExpired: true},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusExpired:   {},
}

func checkTransition(from, to Status) error {
	if allowed, ok := permittedTransitions[from]; ok && allowed[to] {
		return nil
	}
	return kairoserr.InvalidStateTransition(string(from), string(to))
}

// CreateSession validates config and produces the initial session state.
// version=1, status=pending, no participant active.
func CreateSession(cfg Config, now time.Time) (Session, error) {
	if cfg.SessionID == "" {
		return Session{}, kairoserr.ValidationError("session_id is required")
	}
	if id, err := uuid.Parse(cfg.SessionID); err != nil || id.Version() != 4 {
		return Session{}, kairoserr.ValidationError("session_id must be a UUIDv4", "session_id")
	}
	if !cfg.SyncMode.valid() {
		return Session{}, kairoserr.ValidationError(fmt.Sprintf("invalid sync_mode: %s", cfg.SyncMode), "sync_mode")
	}
	if len(cfg.Participants) == 0 {
		return Session{}, kairoserr.ValidationError("participants must be non-empty", "participants")
	}
	if len(cfg.Participants) > maxParticipants {
		return Session{}, kairoserr.ValidationError(fmt.Sprintf("participants exceeds cap of %d", maxParticipants), "participants")
	}

	seen := make(map[string]bool, len(cfg.Participants))
	participants := make([]Participant, len(cfg.Participants))
	for i, pc := range cfg.Participants {
		if pc.ParticipantID == "" {
			return Session{}, kairoserr.ValidationError("participant_id is required", fmt.Sprintf("participants[%d].participant_id", i))
		}
		if seen[pc.ParticipantID] {
			return Session{}, kairoserr.ValidationError("duplicate participant_id: "+pc.ParticipantID, "participants")
		}
		seen[pc.ParticipantID] = true
		if pc.TotalTimeMs < minParticipantTimeMs || pc.TotalTimeMs > maxParticipantTimeMs {
			return Session{}, kairoserr.ValidationError(
				fmt.Sprintf("total_time_ms for %s must be within [%d, %d]", pc.ParticipantID, minParticipantTimeMs, maxParticipantTimeMs),
				fmt.Sprintf("participants[%d].total_time_ms", i))
		}
		participants[i] = Participant{
			ParticipantID:    pc.ParticipantID,
			ParticipantIndex: i,
			TotalTimeMs:      pc.TotalTimeMs,
			TimeRemainingMs:  pc.TotalTimeMs,
			GroupID:          pc.GroupID,
		}
	}

	return Session{
		SessionID:      cfg.SessionID,
		SyncMode:       cfg.SyncMode,
		Status:         StatusPending,
		Version:        1,
		Participants:   participants,
		TotalTimeMs:    cfg.Participants[0].TotalTimeMs,
		TimePerCycleMs: cfg.TimePerCycleMs,
		IncrementMs:    cfg.IncrementMs,
		MaxTimeMs:      cfg.MaxTimeMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// StartSession transitions pending -> running, activating the first
// participant in rotation order.
func StartSession(s Session, now time.Time) (Session, error) {
	if err := checkTransition(s.Status, StatusRunning); err != nil {
		return Session{}, err
	}
	if len(s.Participants) == 0 {
		return Session{}, kairoserr.ValidationError("session has no participants")
	}

	out := s.Clone()
	out.Status = StatusRunning
	out.Participants[0].IsActive = true
	out.ActiveParticipantID = out.Participants[0].ParticipantID
	out.CycleStartedAt = util.Ptr(now)
	out.SessionStartedAt = util.Ptr(now)
	out.UpdatedAt = now
	return out, nil
}

// SwitchCycle is the hot path: it debits the outgoing participant's time,
// applies the Fischer increment unless the participant just expired, and
// rotates the active slot. nextParticipantID, if non-empty, overrides the
// default wrap-around successor.
func SwitchCycle(s Session, nextParticipantID string, now time.Time) (Session, SwitchResult, error) {
	if s.Status != StatusRunning {
		return Session{}, SwitchResult{}, kairoserr.InvalidStateTransition(string(s.Status), "switch")
	}

	out := s.Clone()
	current := out.ActiveParticipant()
	if current == nil {
		return Session{}, SwitchResult{}, kairoserr.Newf(kairoserr.CodeInvalidStateTransition, "running session has no active participant")
	}
	if out.CycleStartedAt == nil {
		return Session{}, SwitchResult{}, kairoserr.Newf(kairoserr.CodeInvalidStateTransition, "running session missing cycle_started_at")
	}

	elapsed := elapsedMs(*out.CycleStartedAt, now)

	current.TimeUsedMs += elapsed
	current.TotalTimeMs = max64(0, current.TotalTimeMs-elapsed)
	current.TimeRemainingMs = current.TotalTimeMs
	current.CycleCount++
	current.IsActive = false

	var expiredID string
	if current.TotalTimeMs == 0 {
		current.HasExpired = true
		expiredID = current.ParticipantID
	} else if out.IncrementMs > 0 {
		current.TotalTimeMs += out.IncrementMs
		current.TimeRemainingMs = current.TotalTimeMs
	}

	nextIdx, err := resolveNext(out, current.ParticipantIndex, nextParticipantID)
	if err != nil {
		return Session{}, SwitchResult{}, err
	}

	next := &out.Participants[nextIdx]
	next.IsActive = true
	out.ActiveParticipantID = next.ParticipantID
	out.CycleStartedAt = util.Ptr(now)
	out.UpdatedAt = now

	result := SwitchResult{
		SessionID:            out.SessionID,
		ActiveParticipantID:  out.ActiveParticipantID,
		CycleStartedAt:       now,
		Participants:         out.Participants,
		Status:               out.Status,
		ExpiredParticipantID: expiredID,
	}
	return out, result, nil
}

func resolveNext(s Session, currentIdx int, nextParticipantID string) (int, error) {
	if nextParticipantID != "" {
		idx := s.participantIndex(nextParticipantID)
		if idx < 0 {
			return 0, kairoserr.ValidationError("next_participant_id not found in session: "+nextParticipantID, "next_participant_id")
		}
		return idx, nil
	}
	return (currentIdx + 1) % len(s.Participants), nil
}

// PauseSession debits the active participant's elapsed time (same
// accounting as a switch, without rotation or increment) and clears the
// running cycle.
func PauseSession(s Session, now time.Time) (Session, error) {
	if err := checkTransition(s.Status, StatusPaused); err != nil {
		return Session{}, err
	}

	out := s.Clone()
	if active := out.ActiveParticipant(); active != nil && out.CycleStartedAt != nil {
		elapsed := elapsedMs(*out.CycleStartedAt, now)
		active.TimeUsedMs += elapsed
		active.TotalTimeMs = max64(0, active.TotalTimeMs-elapsed)
		active.TimeRemainingMs = active.TotalTimeMs
		if active.TotalTimeMs == 0 {
			active.HasExpired = true
		}
		active.IsActive = false
	}
	out.Status = StatusPaused
	out.CycleStartedAt = nil
	out.UpdatedAt = now
	return out, nil
}

// ResumeSession re-activates the previously-active participant and resets
// the cycle clock.
func ResumeSession(s Session, now time.Time) (Session, error) {
	if err := checkTransition(s.Status, StatusRunning); err != nil {
		return Session{}, err
	}
	if s.ActiveParticipantID == "" {
		return Session{}, kairoserr.Newf(kairoserr.CodeInvalidStateTransition, "paused session has no active_participant_id to resume")
	}

	out := s.Clone()
	idx := out.participantIndex(out.ActiveParticipantID)
	if idx < 0 {
		return Session{}, kairoserr.Newf(kairoserr.CodeInvalidStateTransition, "active_participant_id no longer present: %s", out.ActiveParticipantID)
	}
	out.Participants[idx].IsActive = true
	out.Status = StatusRunning
	out.CycleStartedAt = util.Ptr(now)
	out.UpdatedAt = now
	return out, nil
}

// CompleteSession is an idempotent sink: completing an already-completed
// session is a no-op success rather than an error, matching its role as
// the terminal state reached from running.
func CompleteSession(s Session, now time.Time) (Session, error) {
	if s.Status == StatusCompleted {
		return s.Clone(), nil
	}
	if err := checkTransition(s.Status, StatusCompleted); err != nil {
		return Session{}, err
	}

	out := s.Clone()
	for i := range out.Participants {
		out.Participants[i].IsActive = false
	}
	out.Status = StatusCompleted
	out.SessionCompletedAt = util.Ptr(now)
	out.CycleStartedAt = nil
	out.UpdatedAt = now
	return out, nil
}

// CancelSession moves a pending, running, or paused session to cancelled.
func CancelSession(s Session, now time.Time) (Session, error) {
	if err := checkTransition(s.Status, StatusCancelled); err != nil {
		return Session{}, err
	}
	out := s.Clone()
	for i := range out.Participants {
		out.Participants[i].IsActive = false
	}
	out.Status = StatusCancelled
	out.CycleStartedAt = nil
	out.UpdatedAt = now
	return out, nil
}

func elapsedMs(since, now time.Time) int64 {
	d := now.Sub(since).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
