package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/apexphere/synckairos/internal/audit"
	"github.com/apexphere/synckairos/internal/engine"
	"github.com/apexphere/synckairos/internal/statemgr"
	"github.com/apexphere/synckairos/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, *statemgr.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	storeClient := store.New(store.Options{Addr: mr.Addr(), KeyPrefix: "test:", TTL: time.Minute})
	t.Cleanup(func() { storeClient.Close() })

	queue := audit.NewQueue(storeClient.RawCmd(), "test:audit")
	mgr := statemgr.New(storeClient, queue, nil)

	gw := New(mgr, nil)
	gw.Start()
	t.Cleanup(gw.Shutdown)

	return gw, mgr
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?sessionId=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeHTTP_RejectsMissingSessionID(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeHTTP_RejectsMalformedSessionID(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws?sessionId=not-a-uuid")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeHTTP_SendsConnectedOnUpgrade(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	sessionID := uuid.NewString()
	conn := dialWS(t, srv, sessionID)

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, TypeConnected, msg.Type)
	require.Equal(t, sessionID, msg.SessionID)
}

func TestOnUpdate_FansOutStateUpdateToConnectedClients(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	sessionID := uuid.NewString()
	conn := dialWS(t, srv, sessionID)

	var connected Message
	require.NoError(t, conn.ReadJSON(&connected))
	require.Equal(t, TypeConnected, connected.Type)

	session := &engine.Session{SessionID: sessionID, Version: 2, Status: engine.StatusRunning}
	gw.OnUpdate(sessionID, session)

	var update Message
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, TypeStateUpdate, update.Type)
	require.NotNil(t, update.State)
	require.Equal(t, int64(2), update.State.Version)
}

func TestOnUpdate_DeletionClosesConnections(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	sessionID := uuid.NewString()
	conn := dialWS(t, srv, sessionID)

	var connected Message
	require.NoError(t, conn.ReadJSON(&connected))

	gw.OnUpdate(sessionID, nil)

	var deleted Message
	require.NoError(t, conn.ReadJSON(&deleted))
	require.Equal(t, TypeSessionDeleted, deleted.Type)

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		_, present := gw.conns[sessionID]
		return !present
	}, time.Second, 10*time.Millisecond)
}

func TestHandleReconnect_SendsStateSyncForKnownSession(t *testing.T) {
	gw, mgr := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	session := engine.Session{
		SessionID: uuid.NewString(),
		SyncMode:  engine.SyncModePerParticipant,
		Status:    engine.StatusRunning,
		Participants: []engine.Participant{
			{ParticipantID: "p0", TotalTimeMs: 60000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := mgr.CreateSession(context.Background(), session)
	require.NoError(t, err)

	conn := dialWS(t, srv, created.SessionID)

	var connected Message
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(Message{Type: TypeReconnect, SessionID: created.SessionID, Timestamp: time.Now()}))

	var sync Message
	require.NoError(t, conn.ReadJSON(&sync))
	require.Equal(t, TypeStateSync, sync.Type)
	require.NotNil(t, sync.State)
	require.Equal(t, created.SessionID, sync.State.SessionID)
}

func TestHandleReconnect_SendsErrorForUnknownSession(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	sessionID := uuid.NewString()
	conn := dialWS(t, srv, sessionID)

	var connected Message
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(Message{Type: TypeReconnect, SessionID: sessionID, Timestamp: time.Now()}))

	var errMsg Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, TypeError, errMsg.Type)
	require.Equal(t, "SESSION_NOT_FOUND", errMsg.Code)
}

func TestPingPong_RoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	defer srv.Close()

	sessionID := uuid.NewString()
	conn := dialWS(t, srv, sessionID)

	var connected Message
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing, Timestamp: time.Now()}))

	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, TypePong, pong.Type)
}
