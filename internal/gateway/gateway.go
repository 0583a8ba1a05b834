// Package gateway implements the fan-out gateway (C5): a persistent
// WebSocket connection keyed by session, fed by the state manager's
// cross-instance subscriptions. Connections hold no state between
// messages beyond the session key they are subscribed to; the source of
// truth is always a full STATE_UPDATE snapshot, never a granular event.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/engine"
	"github.com/apexphere/synckairos/internal/httpapi"
	"github.com/apexphere/synckairos/internal/statemgr"
)

// MessageType is the discriminant on every frame exchanged over the
// socket, both client→server and server→client.
type MessageType string

const (
	TypeConnected      MessageType = "CONNECTED"
	TypeStateUpdate    MessageType = "STATE_UPDATE"
	TypeStateSync      MessageType = "STATE_SYNC"
	TypeSessionDeleted MessageType = "SESSION_DELETED"
	TypePing           MessageType = "PING"
	TypePong           MessageType = "PONG"
	TypeReconnect      MessageType = "RECONNECT"
	TypeError          MessageType = "ERROR"
)

// Message is the wire envelope for every server→client frame and every
// well-formed client→server frame.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	State     *engine.Session `json:"state,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	heartbeatEvery = 5 * time.Second
	sendQueueDepth = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection is one accepted socket plus its bounded send queue. A slow
// or hung client must never block state mutations or deliveries to
// other clients; overruns disconnect the offending connection instead
// of back-pressuring the subscription loop.
type connection struct {
	ws          *websocket.Conn
	sessionID   string
	send        chan []byte
	alive       bool
	gotPongSince bool
}

// Gateway owns the local per-session connection sets. It holds no
// subscription of its own: OnUpdate is fed by whoever subscribes to the
// state manager's update channel, and the per-session broadcast channel
// (statemgr.Manager.SubscribeToWebSocket) is not consumed here.
type Gateway struct {
	mgr *statemgr.Manager
	log *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]map[*connection]struct{} // sessionID -> set

	shutdown chan struct{}
}

// New builds a Gateway over an already-constructed state manager.
func New(mgr *statemgr.Manager, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		mgr:      mgr,
		log:      log,
		conns:    make(map[string]map[*connection]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start launches the heartbeat loop in its own goroutine and returns
// immediately. It registers no subscriptions (see Gateway). Intended to
// be called exactly once per instance.
func (g *Gateway) Start() {
	go g.heartbeatLoop()
}

// ServeHTTP upgrades the request to a WebSocket connection. sessionId is
// a required query parameter; a missing or non-UUID value is rejected
// with HTTP 400 before the upgrade, so no WebSocket close frame (1008 or
// any other code) is sent for it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing sessionId parameter", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "Invalid sessionId format", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if g.log != nil {
			g.log.Warnw("websocket upgrade failed", "session_id", sessionID, "error", err)
		}
		return
	}

	conn := &connection{ws: ws, sessionID: sessionID, send: make(chan []byte, sendQueueDepth), alive: true, gotPongSince: true}
	g.addConn(sessionID, conn)

	connected := Message{Type: TypeConnected, SessionID: sessionID, Timestamp: time.Now()}
	g.enqueue(conn, connected)

	go g.writePump(conn)
	go g.readPump(conn)
}

func (g *Gateway) addConn(sessionID string, c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.conns[sessionID]
	if !ok {
		set = make(map[*connection]struct{})
		g.conns[sessionID] = set
	}
	set[c] = struct{}{}
	httpapi.GatewayConnections.Inc()
}

func (g *Gateway) removeConn(c *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.conns[c.sessionID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			httpapi.GatewayConnections.Dec()
		}
		if len(set) == 0 {
			delete(g.conns, c.sessionID)
		}
	}
}

func (g *Gateway) connsFor(sessionID string) []*connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.conns[sessionID]
	if !ok {
		return nil
	}
	out := make([]*connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// readPump drains client→server frames until the socket closes.
func (g *Gateway) readPump(c *connection) {
	defer func() {
		g.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetPongHandler(func(string) error {
		c.gotPongSince = true
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var in Message
		if err := json.Unmarshal(raw, &in); err != nil {
			if g.log != nil {
				g.log.Debugw("malformed client message, ignoring", "session_id", c.sessionID, "error", err)
			}
			continue
		}

		switch in.Type {
		case TypePing:
			g.enqueue(c, Message{Type: TypePong, Timestamp: time.Now()})
		case TypeReconnect:
			g.handleReconnect(c)
		default:
			if g.log != nil {
				g.log.Debugw("unknown message type, ignoring", "session_id", c.sessionID, "type", in.Type)
			}
		}
	}
}

func (g *Gateway) handleReconnect(c *connection) {
	state, err := g.mgr.GetSession(context.Background(), c.sessionID)
	if err != nil || state == nil {
		g.enqueue(c, Message{Type: TypeError, SessionID: c.sessionID, Timestamp: time.Now(), Code: "SESSION_NOT_FOUND", Message: "session not found"})
		return
	}
	g.enqueue(c, Message{Type: TypeStateSync, SessionID: c.sessionID, Timestamp: time.Now(), State: state})
}

// writePump serializes writes to the socket from the bounded send queue.
func (g *Gateway) writePump(c *connection) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1000, ""))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-g.shutdown:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1001, ""))
			return
		}
	}
}

// enqueue attempts a non-blocking send; a full queue disconnects the
// offending connection rather than blocking the caller (which may be
// the subscription loop fanning out to every other connection).
func (g *Gateway) enqueue(c *connection, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		if g.log != nil {
			g.log.Errorw("marshal gateway message failed", "session_id", c.sessionID, "error", err)
		}
		return
	}
	select {
	case c.send <- payload:
	default:
		if g.log != nil {
			g.log.Warnw("connection send queue full, dropping connection", "session_id", c.sessionID)
		}
		g.removeConn(c)
		close(c.send)
	}
}

// OnUpdate is registered as the handler for statemgr.SubscribeToUpdates:
// on an update it fans out STATE_UPDATE to every local connection for
// the session; on a deletion it sends SESSION_DELETED then closes and
// discards the set.
func (g *Gateway) OnUpdate(sessionID string, session *engine.Session) {
	if session == nil {
		conns := g.connsFor(sessionID)
		for _, c := range conns {
			g.enqueue(c, Message{Type: TypeSessionDeleted, SessionID: sessionID, Timestamp: time.Now()})
			close(c.send)
		}
		g.mu.Lock()
		delete(g.conns, sessionID)
		g.mu.Unlock()
		httpapi.GatewayConnections.Sub(float64(len(conns)))
		return
	}

	msg := Message{Type: TypeStateUpdate, SessionID: sessionID, Timestamp: time.Now(), State: session}
	for _, c := range g.connsFor(sessionID) {
		g.enqueue(c, msg)
	}
}

// heartbeatLoop probes every connection every 5 seconds; a connection
// that did not answer the previous probe is terminated.
func (g *Gateway) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.shutdown:
			return
		case <-ticker.C:
			g.probeAll()
		}
	}
}

func (g *Gateway) probeAll() {
	g.mu.Lock()
	var stale []*connection
	for _, set := range g.conns {
		for c := range set {
			if !c.gotPongSince {
				stale = append(stale, c)
				continue
			}
			c.gotPongSince = false
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.PingMessage, nil)
		}
	}
	g.mu.Unlock()

	for _, c := range stale {
		c.ws.Close()
		g.removeConn(c)
	}
}

// Shutdown stops accepting heartbeats and closes every connection with
// code 1001.
func (g *Gateway) Shutdown() {
	close(g.shutdown)
}
