package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token exchanges by outcome.",
		},
		[]string{"outcome"},
	)

	throttledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_throttled_total",
			Help: "Requests rejected by a throttling gate.",
		},
		[]string{"gate"},
	)

	sessionsRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_revoked_total",
		Help: "Refresh sessions revoked by logout, logout-all, password change or rotation.",
	})

	sessionsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_sessions_purged_total",
		Help: "Expired refresh sessions deleted.",
	})

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginTotal, refreshTotal, throttledTotal, sessionsRevoked, sessionsPurged,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt outcome (success, invalid_credentials, inactive, locked, rate_limited, error).
func ObserveLogin(outcome string) { loginTotal.WithLabelValues(outcome).Inc() }

// ObserveRefresh counts a refresh outcome.
func ObserveRefresh(outcome string) { refreshTotal.WithLabelValues(outcome).Inc() }

// ObserveThrottle counts a rejection by the named gate (ip, lockout, api).
func ObserveThrottle(gate string) { throttledTotal.WithLabelValues(gate).Inc() }

// ObserveRevoked adds n revoked sessions.
func ObserveRevoked(n int64) {
	if n > 0 {
		sessionsRevoked.Add(float64(n))
	}
}

// ObservePurged adds n purged sessions.
func ObservePurged(n int64) {
	if n > 0 {
		sessionsPurged.Add(float64(n))
	}
}

// Instrument wraps next with request counters, latency histogram and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var knownPaths = map[string]struct{}{
	"/healthz":                     {},
	"/readyz":                      {},
	"/metrics":                     {},
	"/api/v1/auth/login":           {},
	"/api/v1/auth/refresh":         {},
	"/api/v1/auth/logout":          {},
	"/api/v1/auth/logout-all":      {},
	"/api/v1/auth/me":              {},
	"/api/v1/auth/change-password": {},
	"/api/v1/auth/validate":        {},
	"/api/v1/auth/cleanup":         {},
	"/api/v1/auth/authorize":       {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	if path == "/" {
		return "/"
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
