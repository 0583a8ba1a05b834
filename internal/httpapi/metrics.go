package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synckairos_http_requests_total",
		Help: "Total HTTP requests by route and status.",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synckairos_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// GatewayConnections is the live WebSocket connection gauge, set by
	// the fan-out gateway.
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synckairos_gateway_connections",
		Help: "Currently open WebSocket connections across all sessions.",
	})

	// AuditQueueDepth is the pending-job count gauge, sampled from the
	// audit queue periodically by the caller.
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synckairos_audit_queue_depth",
		Help: "Pending audit jobs awaiting a worker.",
	})
)

// instrument wraps a handler, recording its route's request count and
// latency. route is a short fixed name per endpoint (e.g. "switch"), not
// the resolved path, to keep cardinality bounded.
func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsHandler exposes the Prometheus text exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
