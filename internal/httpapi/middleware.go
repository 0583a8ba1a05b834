package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/apexphere/synckairos/internal/kairoserr"
	"github.com/apexphere/synckairos/internal/ratelimit"
)

// corsMiddleware adds permissive CORS headers, matching the rest of the
// pack's dev-mode CORS behavior — SyncKairos sessions are joined from
// arbitrary client origins, not a fixed allow-list.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionRateLimit enforces the per-session hot-path limit (§5: 10
// ops/sec per session). Routes wraps only the switch route in it; the
// other session routes, health, ready, metrics, and time never pass
// through this middleware.
func sessionRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.PathValue("id")
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), id)
			if err != nil {
				// A rate-limiter outage must not block the hot path;
				// fail open and let the request through.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeErr(w, kairoserr.RateLimitExceeded(id, retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipRateLimit enforces the general per-IP ingress limit (§5: 100
// requests/minute per client), ahead of every route it wraps. A
// rate-limiter outage fails open, same as sessionRateLimit.
func ipRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				writeErr(w, kairoserr.RateLimitExceeded(ip, retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller's address from X-Forwarded-For (first
// hop, as set by a trusted front-end proxy) falling back to
// RemoteAddr's host portion.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// chain applies middlewares in order, outermost first.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
