// Package statemgr implements the state manager (C4): it composes the
// primary store client (C1) and the audit queue (C2) into the
// get/create/update/delete primitives the sync engine (C3) and the
// fan-out gateway (C5) build on. Every mutation increments version,
// refreshes TTL, publishes on the update channel, and enqueues an audit
// job — in that order, with the audit enqueue never blocking the
// caller's return.
package statemgr

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/audit"
	"github.com/apexphere/synckairos/internal/engine"
	"github.com/apexphere/synckairos/internal/kairoserr"
	"github.com/apexphere/synckairos/internal/store"
)

// UpdatesChannel carries every session mutation; deletion markers are
// published on the same channel with Deleted set and no State.
const UpdatesChannel = "session-updates"

// wsChannelPrefix namespaces the per-session broadcast pattern channel.
const wsChannelPrefix = "ws:"

// UpdateMessage is the payload published on UpdatesChannel.
type UpdateMessage struct {
	SessionID string          `json:"session_id"`
	State     json.RawMessage `json:"state,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdateHandler receives a deserialized session, or nil when the message
// denotes a deletion.
type UpdateHandler func(sessionID string, session *engine.Session)

// BroadcastHandler receives an arbitrary cross-instance broadcast
// payload not tied to a state change.
type BroadcastHandler func(sessionID string, payload []byte)

// Manager owns the store client and audit queue handle, and is the only
// component permitted to write session state.
type Manager struct {
	store *store.Client
	queue *audit.Queue
	clock func() time.Time
	log   *zap.SugaredLogger
}

// New builds a Manager over an already-connected store client and audit
// queue handle.
func New(storeClient *store.Client, auditQueue *audit.Queue, log *zap.SugaredLogger) *Manager {
	return &Manager{store: storeClient, queue: auditQueue, clock: time.Now, log: log}
}

// GetSession loads and deserializes session state. Returns (nil, nil)
// when the key is absent.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*engine.Session, error) {
	raw, found, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var s engine.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, kairoserr.StateDeserializationError(sessionID, err)
	}
	return &s, nil
}

// CreateSession assigns version=1, writes unconditionally, publishes,
// and enqueues a session_created audit job.
func (m *Manager) CreateSession(ctx context.Context, s engine.Session) (engine.Session, error) {
	s.Version = 1
	raw, err := json.Marshal(s)
	if err != nil {
		return engine.Session{}, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "serialize new session")
	}
	if err := m.store.SetWithTTL(ctx, s.SessionID, raw); err != nil {
		return engine.Session{}, err
	}

	m.publish(ctx, s.SessionID, raw, false)
	m.enqueueAudit(ctx, s, "session_created", "")
	return s, nil
}

// UpdateSession writes newState at expectedVersion+1 via CAS, bumping
// the in-state version field to match what was written, then publishes
// and enqueues eventType (or "session_updated" if empty).
func (m *Manager) UpdateSession(ctx context.Context, newState engine.Session, expectedVersion int64, eventType, participantID string) (engine.Session, error) {
	newState.Version = expectedVersion + 1
	newState.UpdatedAt = m.clock()

	raw, err := json.Marshal(newState)
	if err != nil {
		return engine.Session{}, kairoserr.Wrap(kairoserr.CodeStateDeserializationErr, err, "serialize session update")
	}

	res, err := m.store.CompareAndSetWithTTL(ctx, newState.SessionID, expectedVersion, raw)
	if err != nil {
		return engine.Session{}, err
	}
	if res.NotFound {
		return engine.Session{}, kairoserr.SessionNotFound(newState.SessionID)
	}
	if !res.OK {
		return engine.Session{}, kairoserr.ConcurrentModification(newState.SessionID, expectedVersion, res.ActualVersion)
	}

	m.publish(ctx, newState.SessionID, raw, false)
	if eventType == "" {
		eventType = "session_updated"
	}
	m.enqueueAudit(ctx, newState, eventType, participantID)
	return newState, nil
}

// DeleteSession removes the key, publishes a deletion sentinel, and
// enqueues a final audit event.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	m.publish(ctx, sessionID, nil, true)

	job := audit.NewJob(sessionID, "session_deleted", "", json.RawMessage("null"), m.clock())
	if err := m.queue.Enqueue(ctx, job); err != nil && m.log != nil {
		m.log.Errorw("enqueue deletion audit job failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// SubscribeToUpdates registers handler against UpdatesChannel; blocks
// until ctx is cancelled. Intended to be called exactly once per
// instance.
func (m *Manager) SubscribeToUpdates(ctx context.Context, handler UpdateHandler) error {
	return m.store.Subscribe(ctx, UpdatesChannel, func(_ string, payload []byte) {
		var msg UpdateMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			if m.log != nil {
				m.log.Warnw("malformed update message", "error", err)
			}
			return
		}
		if msg.Deleted {
			handler(msg.SessionID, nil)
			return
		}
		var s engine.Session
		if err := json.Unmarshal(msg.State, &s); err != nil {
			if m.log != nil {
				m.log.Warnw("malformed session state in update message", "session_id", msg.SessionID, "error", err)
			}
			return
		}
		handler(msg.SessionID, &s)
	})
}

// SubscribeToWebSocket registers handler against the ws:<sessionId>
// pattern channel for arbitrary cross-instance broadcasts.
func (m *Manager) SubscribeToWebSocket(ctx context.Context, handler BroadcastHandler) error {
	return m.store.PSubscribe(ctx, wsChannelPrefix+"*", func(channel string, payload []byte) {
		sessionID := channel[len(wsChannelPrefix):]
		handler(sessionID, payload)
	})
}

// BroadcastToSession publishes payload on sessionID's broadcast channel
// without touching stored state.
func (m *Manager) BroadcastToSession(ctx context.Context, sessionID string, payload []byte) error {
	return m.store.Publish(ctx, wsChannelPrefix+sessionID, payload)
}

// Close tears down the underlying store connections.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) publish(ctx context.Context, sessionID string, stateBytes []byte, deleted bool) {
	msg := UpdateMessage{SessionID: sessionID, Timestamp: m.clock(), Deleted: deleted}
	if !deleted {
		msg.State = stateBytes
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		if m.log != nil {
			m.log.Errorw("marshal update message failed", "session_id", sessionID, "error", err)
		}
		return
	}
	if err := m.store.Publish(ctx, UpdatesChannel, payload); err != nil && m.log != nil {
		m.log.Errorw("publish update message failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) enqueueAudit(ctx context.Context, s engine.Session, eventType, participantID string) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		if m.log != nil {
			m.log.Errorw("marshal audit snapshot failed", "session_id", s.SessionID, "error", err)
		}
		return
	}
	job := audit.NewJob(s.SessionID, eventType, participantID, snapshot, m.clock())
	if err := m.queue.Enqueue(ctx, job); err != nil && m.log != nil {
		m.log.Errorw("enqueue audit job failed", "session_id", s.SessionID, "event_type", eventType, "error", err)
	}
}
