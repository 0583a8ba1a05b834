package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/apexphere/synckairos/internal/engine"
	"github.com/apexphere/synckairos/internal/kairoserr"
	"github.com/apexphere/synckairos/internal/ratelimit"
	"github.com/apexphere/synckairos/internal/statemgr"
	"github.com/apexphere/synckairos/internal/store"
	"github.com/apexphere/synckairos/version"
)

// Server wires the session REST surface to the state manager and sync
// engine. It holds no session state of its own.
type Server struct {
	mgr       *statemgr.Manager
	store     *store.Client
	limiter   *ratelimit.Limiter
	ipLimiter *ratelimit.Limiter
	log       *zap.SugaredLogger
	clock     func() time.Time
}

// NewServer builds a Server over an already-constructed state manager.
// limiter enforces the per-session hot-path limit; ipLimiter enforces
// the general per-IP ingress limit (§5).
func NewServer(mgr *statemgr.Manager, storeClient *store.Client, limiter *ratelimit.Limiter, ipLimiter *ratelimit.Limiter, log *zap.SugaredLogger) *Server {
	return &Server{mgr: mgr, store: storeClient, limiter: limiter, ipLimiter: ipLimiter, log: log, clock: time.Now}
}

// Handler builds the full mux wrapped in CORS, ready to mount at the
// root of an http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return corsMiddleware(mux)
}

// Routes registers every handler on mux using Go 1.22+ method+pattern
// syntax. Every route below is wrapped in the general per-IP ingress
// limit (§5: 100/minute per client); the switch route additionally
// carries the per-session hot-path limit. health/ready/metrics are
// exempt from both per §5.
func (s *Server) Routes(mux *http.ServeMux) {
	ip := ipRateLimit(s.ipLimiter)

	hot := chain(http.HandlerFunc(s.handleSwitch), sessionRateLimit(s.limiter), ip)
	mux.Handle("POST /v1/sessions/{id}/switch", instrument("switch", hot.ServeHTTP))

	mux.Handle("POST /v1/sessions", instrument("create", chain(http.HandlerFunc(s.handleCreate), ip).ServeHTTP))
	mux.Handle("POST /v1/sessions/{id}/start", instrument("start", chain(http.HandlerFunc(s.handleStart), ip).ServeHTTP))
	mux.Handle("POST /v1/sessions/{id}/pause", instrument("pause", chain(http.HandlerFunc(s.handlePause), ip).ServeHTTP))
	mux.Handle("POST /v1/sessions/{id}/resume", instrument("resume", chain(http.HandlerFunc(s.handleResume), ip).ServeHTTP))
	mux.Handle("POST /v1/sessions/{id}/complete", instrument("complete", chain(http.HandlerFunc(s.handleComplete), ip).ServeHTTP))
	mux.Handle("GET /v1/sessions/{id}", instrument("get", chain(http.HandlerFunc(s.handleGet), ip).ServeHTTP))
	mux.Handle("DELETE /v1/sessions/{id}", instrument("delete", chain(http.HandlerFunc(s.handleDelete), ip).ServeHTTP))

	mux.Handle("GET /v1/time", instrument("time", chain(http.HandlerFunc(s.handleTime), ip).ServeHTTP))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", MetricsHandler())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg engine.Config
	if err := readJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}

	now := s.clock()
	created, err := engine.CreateSession(cfg, now)
	if err != nil {
		writeErr(w, err)
		return
	}

	stored, err := s.mgr.CreateSession(r.Context(), created)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, stored)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session_started", "", func(cur engine.Session, now time.Time) (engine.Session, error) {
		return engine.StartSession(cur, now)
	})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		NextParticipantID string `json:"next_participant_id"`
	}
	if err := readJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	cur, err := s.mgr.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cur == nil {
		writeErr(w, kairoserr.SessionNotFound(id))
		return
	}

	now := s.clock()
	next, result, err := engine.SwitchCycle(*cur, body.NextParticipantID, now)
	if err != nil {
		writeErr(w, err)
		return
	}

	if _, err := s.mgr.UpdateSession(r.Context(), next, cur.Version, "cycle_switched", next.ActiveParticipantID); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session_paused", "", func(cur engine.Session, now time.Time) (engine.Session, error) {
		return engine.PauseSession(cur, now)
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session_resumed", "", func(cur engine.Session, now time.Time) (engine.Session, error) {
		return engine.ResumeSession(cur, now)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "session_completed", "", func(cur engine.Session, now time.Time) (engine.Session, error) {
		return engine.CompleteSession(cur, now)
	})
}

// mutate is the shared shape for every lifecycle operation that needs
// no request body beyond the path id: load current state, apply the
// engine transition, persist via CAS, return the new state.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, eventType, participantID string, op func(engine.Session, time.Time) (engine.Session, error)) {
	id := r.PathValue("id")

	cur, err := s.mgr.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cur == nil {
		writeErr(w, kairoserr.SessionNotFound(id))
		return
	}

	now := s.clock()
	next, err := op(*cur, now)
	if err != nil {
		writeErr(w, err)
		return
	}

	stored, err := s.mgr.UpdateSession(r.Context(), next, cur.Version, eventType, participantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stored)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cur, err := s.mgr.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cur == nil {
		writeErr(w, kairoserr.SessionNotFound(id))
		return
	}
	writeData(w, http.StatusOK, cur)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cur, err := s.mgr.GetSession(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cur == nil {
		writeErr(w, kairoserr.SessionNotFound(id))
		return
	}
	if err := s.mgr.DeleteSession(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeEmpty(w, http.StatusNoContent)
}

type timeResponse struct {
	TimestampMs      int64  `json:"timestamp_ms"`
	ServerVersion    string `json:"server_version"`
	DriftToleranceMs int    `json:"drift_tolerance_ms"`
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, timeResponse{
		TimestampMs:      s.clock().UnixMilli(),
		ServerVersion:    version.Get().ServerVersion(),
		DriftToleranceMs: 50,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}
