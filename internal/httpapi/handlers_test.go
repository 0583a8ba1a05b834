package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexphere/synckairos/internal/audit"
	"github.com/apexphere/synckairos/internal/ratelimit"
	"github.com/apexphere/synckairos/internal/statemgr"
	"github.com/apexphere/synckairos/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	storeClient := store.New(store.Options{Addr: mr.Addr(), KeyPrefix: "test:", TTL: time.Minute})
	t.Cleanup(func() { storeClient.Close() })

	queue := audit.NewQueue(storeClient.RawCmd(), "test:audit")
	mgr := statemgr.New(storeClient, queue, nil)
	limiter := ratelimit.New(storeClient.RawCmd(), "test:ratelimit:session:", 1000, time.Second)
	ipLimiter := ratelimit.New(storeClient.RawCmd(), "test:ratelimit:ip:", 1000, time.Minute)

	return NewServer(mgr, storeClient, limiter, ipLimiter, nil)
}

func newTestServerWithIPLimit(t *testing.T, maxPerMinute int) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	storeClient := store.New(store.Options{Addr: mr.Addr(), KeyPrefix: "test:", TTL: time.Minute})
	t.Cleanup(func() { storeClient.Close() })

	queue := audit.NewQueue(storeClient.RawCmd(), "test:audit")
	mgr := statemgr.New(storeClient, queue, nil)
	limiter := ratelimit.New(storeClient.RawCmd(), "test:ratelimit:session:", 1000, time.Second)
	ipLimiter := ratelimit.New(storeClient.RawCmd(), "test:ratelimit:ip:", maxPerMinute, time.Minute)

	return NewServer(mgr, storeClient, limiter, ipLimiter, nil)
}

func createRequestBody(id string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"session_id": id,
		"sync_mode":  "per_participant",
		"participants": []map[string]interface{}{
			{"participant_id": "p0", "total_time_ms": 60000},
			{"participant_id": "p1", "total_time_ms": 60000},
		},
		"increment_ms": 1000,
	})
	return body
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createRequestBody(id)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+id, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var body envelope
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
}

func TestCreateSession_InvalidConfig(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"session_id":"not-a-uuid"}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndSwitchSession(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	id := uuid.NewString()
	createReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(createRequestBody(id)))
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	startReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/start", nil)
	startRec := httptest.NewRecorder()
	mux.ServeHTTP(startRec, startReq)
	require.Equal(t, http.StatusOK, startRec.Code)

	switchReq := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/switch", bytes.NewReader([]byte(`{}`)))
	switchRec := httptest.NewRecorder()
	mux.ServeHTTP(switchRec, switchReq)
	require.Equal(t, http.StatusOK, switchRec.Code)
}

func TestIPRateLimit_RejectsOverLimit(t *testing.T) {
	s := newTestServerWithIPLimit(t, 2)
	mux := http.NewServeMux()
	s.Routes(mux)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/time", nil)
		req.RemoteAddr = "203.0.113.5:4242"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/time", nil)
	req.RemoteAddr = "203.0.113.5:4242"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIPRateLimit_ScopesByClientAddress(t *testing.T) {
	s := newTestServerWithIPLimit(t, 1)
	mux := http.NewServeMux()
	s.Routes(mux)

	first := httptest.NewRequest(http.MethodGet, "/v1/time", nil)
	first.RemoteAddr = "203.0.113.5:4242"
	firstRec := httptest.NewRecorder()
	mux.ServeHTTP(firstRec, first)
	require.Equal(t, http.StatusOK, firstRec.Code)

	// A distinct client address must not be throttled by the first
	// client's exhausted quota.
	second := httptest.NewRequest(http.MethodGet, "/v1/time", nil)
	second.RemoteAddr = "203.0.113.9:5555"
	secondRec := httptest.NewRecorder()
	mux.ServeHTTP(secondRec, second)
	assert.Equal(t, http.StatusOK, secondRec.Code)
}

func TestIPRateLimit_ExemptsHealthAndMetrics(t *testing.T) {
	s := newTestServerWithIPLimit(t, 1)
	mux := http.NewServeMux()
	s.Routes(mux)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.5:4242"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestTimeEndpoint(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	s.Routes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/time", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
}
