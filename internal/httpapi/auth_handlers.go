package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"cvflow.org/internal/audit"
	"cvflow.org/internal/auth"
	"cvflow.org/internal/ratelimit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (r refreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (r changePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.NewPassword, validation.Required),
	)
}

type userSummary struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

func summarize(u *auth.User) userSummary {
	return userSummary{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.RoleName(),
	}
}

type loginResponse struct {
	auth.TokenPair
	User userSummary `json:"user"`
}

type meResponse struct {
	userSummary
	RoleCode    string              `json:"role_code,omitempty"`
	Active      bool                `json:"is_active"`
	LastLoginAt *time.Time          `json:"last_login,omitempty"`
	Permissions map[string][]string `json:"permissions"`
}

func sessionMeta(r *http.Request) auth.SessionMeta {
	return auth.SessionMeta{ClientAddr: clientIP(r), UserAgent: r.UserAgent()}
}

// bind decodes the body into req and runs its validation rules, writing a 400
// when either step fails.
func bind(w http.ResponseWriter, r *http.Request, req validation.Validatable) bool {
	if err := decodeJSON(w, r, req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := req.Validate(); err != nil {
		payload := map[string]any{"error": "invalid request"}
		var fields validation.Errors
		if errors.As(err, &fields) {
			payload["fields"] = fields
		} else {
			payload["error"] = err.Error()
		}
		if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusBadRequest, payload)
		return false
	}
	return true
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}
	meta := sessionMeta(r)
	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Email:      req.Email,
		Password:   req.Password,
		ClientAddr: meta.ClientAddr,
		UserAgent:  meta.UserAgent,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{TokenPair: res.Tokens, User: summarize(res.User)})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if !bind(w, r, &req) {
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, sessionMeta(r))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.subject(w, r)
	if !ok {
		return
	}
	n, err := a.svc.LogoutAll(r.Context(), user.ID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "all sessions revoked",
		"revoked": n,
	})
}

type statsResponse struct {
	UserID string `json:"user_id"`
	auth.SessionStats
}

// handleStats reports the caller's session counts. Another subject may be
// named with ?user_id= by holders of sessions:read.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.subject(w, r)
	if !ok {
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if target == "" {
		target = user.ID
	}
	if target != user.ID && !a.ensureCapability(w, r, auth.CapSessionsRead) {
		return
	}
	stats, err := a.svc.SessionStats(r.Context(), target)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{UserID: target, SessionStats: stats})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.subject(w, r)
	if !ok {
		return
	}
	resp := meResponse{
		userSummary: summarize(user),
		Active:      user.Active,
		LastLoginAt: user.LastLoginAt,
		Permissions: map[string][]string{},
	}
	if user.Role != nil {
		resp.RoleCode = user.Role.Code
		resp.Permissions = user.Role.Permissions.Map()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := a.subject(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !bind(w, r, &req) {
		return
	}
	n, err := a.svc.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "password changed",
		"revoked": n,
	})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.subject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"user_id": user.ID,
		"email":   user.Email,
	})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureCapability(w, r, auth.CapSessionsPurge) {
		return
	}
	n, err := a.svc.PurgeExpired(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("capability"))
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "capability is required")
		return
	}
	c, err := auth.ParseCapability(raw)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if !a.ensureCapability(w, r, c) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true, "capability": c.String()})
}

// writeAuthError collapses service errors into their HTTP form. Credential and
// token failures share one generic 401; the specific reason is only logged.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		limited *auth.RateLimitedError
		locked  *auth.LockedOutError
		denied  *auth.PermissionDeniedError
	)
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
		writeError(w, r, http.StatusLocked, "account temporarily locked")
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      "permission denied",
			"capability": denied.Capability.String(),
		})
	case auth.IsUnauthenticated(err):
		a.logger.Warn("auth_rejected",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"reason", err.Error(),
		)
		if errors.Is(err, auth.ErrInvalidToken) {
			unauthorized(w, r, "invalid or expired token")
			return
		}
		unauthorized(w, r, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrMalformedCapability):
		a.logger.Error("malformed_capability", "request_id", audit.RequestIDFromContext(r.Context()), "error", err.Error())
		writeError(w, r, http.StatusInternalServerError, "malformed capability")
	case errors.Is(err, ratelimit.ErrTooManyKeys):
		a.logger.Error("login_gate_full", "request_id", audit.RequestIDFromContext(r.Context()), "error", err.Error())
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusServiceUnavailable, "login temporarily unavailable")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	default:
		a.logger.Error("request_failed",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
