package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"cvflow.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/auth/refresh",
	"/api/v1/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
}

var protectedPrefixes = []string{
	"/api/",
}

// withAuth resolves the bearer token of every protected request and stores
// the subject in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.svc == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isProtectedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}

		user, err := a.svc.CurrentSubject(r.Context(), token)
		if err != nil {
			a.writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithUser(r.Context(), user)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// subject returns the authenticated user, writing a 401 when there is none.
func (a *API) subject(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok || user == nil {
		unauthorized(w, r, "authentication required")
		return nil, false
	}
	return user, true
}

func (a *API) ensureCapability(w http.ResponseWriter, r *http.Request, c auth.Capability) bool {
	user, ok := a.subject(w, r)
	if !ok {
		return false
	}
	if err := a.svc.Authorize(r.Context(), user, c); err != nil {
		a.writeAuthError(w, r, err)
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isProtectedPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return false
		}
	}
	for _, prefix := range protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
