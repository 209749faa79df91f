package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Mounted patterns of the two domain operations the middleware counts.
const (
	uploadPattern   = "/api/notes"
	downloadPattern = "/api/notes/{id}/download"
)

// Metrics records request totals and latencies per route pattern, plus
// domain counters for uploads, rendered copies, and integrity violations.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	uploads    prometheus.Counter
	renders    prometheus.Counter
	violations prometheus.Counter
}

// NewMetrics creates the HTTP request metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "odal_http_requests_total",
				Help: "HTTP requests processed, by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "odal_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds, by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odal_uploads_total",
			Help: "Notes accepted into the catalog.",
		}),
		renders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odal_renders_total",
			Help: "Rendered copies delivered.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odal_integrity_violations_total",
			Help: "Blob integrity violations reported by the tamper watcher.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.requests, m.duration, m.uploads, m.renders, m.violations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IntegrityViolation counts one tamper-watcher finding.
func (m *Metrics) IntegrityViolation() {
	m.violations.Inc()
}

// Middleware instruments every request passing through it. The route label is
// the chi pattern (/notes/{id}, not /notes/3f2a...), so label cardinality
// stays bounded no matter what clients request. /metrics itself is excluded
// from the counts.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if route == "" {
			// Unrouted request (404); fall back to the raw path.
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		switch {
		case r.Method == http.MethodPost && route == uploadPattern && status == http.StatusCreated:
			m.uploads.Inc()
		case r.Method == http.MethodGet && route == downloadPattern && status == http.StatusOK:
			m.renders.Inc()
		}
	})
}
