// Package httpapi exposes the auth service over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cvflow.org/internal/audit"
	"cvflow.org/internal/auth"
	"cvflow.org/internal/obs"
)

const maxBodyBytes = 1 << 20

// ReadyProbe checks the backing stores the service depends on.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        *auth.Service
	logger     *slog.Logger

	ratePerMin int
	rateBurst  int
	origins    []string
	proxies    []netip.Prefix
}

// Option configures an API.
type Option func(*API)

// WithRateLimit sets the per-address token bucket applied to every request.
func WithRateLimit(perMinute, burst int) Option {
	return func(a *API) {
		if perMinute > 0 {
			a.ratePerMin = perMinute
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithAllowedOrigins sets the CORS allow list. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = origins }
}

// WithTrustedProxies sets the peers whose forwarding headers name the client.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

// WithLogger overrides the logger used for boundary errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(rp ReadyProbe, version string, svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		logger:     obs.Logger(),
		ratePerMin: 100,
		rateBurst:  20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/api/v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/api/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/api/v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/api/v1/auth/validate", a.handleValidate)
	a.mux.HandleFunc("/api/v1/auth/cleanup", a.handleCleanup)
	a.mux.HandleFunc("/api/v1/auth/authorize", a.handleAuthorize)
	a.mux.HandleFunc("/api/v1/auth/stats", a.handleStats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerMin)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientAddr(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "cvflow-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="cvflow"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
