package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactiveSubject    = errors.New("auth: inactive subject")
	ErrSubjectNotFound    = errors.New("auth: subject not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")

	// ErrInvalidToken is the category every token rejection collapses to at the boundary.
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrTokenSignature = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenWrongKind = fmt.Errorf("%w: wrong token kind", ErrInvalidToken)

	ErrSessionNotFound          = errors.New("auth: refresh session not found or inactive")
	ErrRoleOrPermissionNotFound = errors.New("auth: role or permission not found")
	ErrMalformedCapability      = errors.New("auth: malformed capability string")
	ErrWeakPassword             = fmt.Errorf("%w: weak password", ErrInvalidInput)
)

// RateLimitedError is returned when the per-address login window is exhausted.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limited, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up and never reports less than one second.
func (e *RateLimitedError) RetryAfterSeconds() int { return ceilSeconds(e.RetryAfter) }

// LockedOutError is returned while an identity is locked after repeated failures.
type LockedOutError struct {
	RetryAfter time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("auth: account locked, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up and never reports less than one second.
func (e *LockedOutError) RetryAfterSeconds() int { return ceilSeconds(e.RetryAfter) }

// PermissionDeniedError names the capability the subject lacks.
type PermissionDeniedError struct {
	Capability Capability
}

func (e *PermissionDeniedError) Error() string {
	return "auth: permission denied: requires " + e.Capability.String()
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// IsUnauthenticated reports whether err must surface as a generic 401.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrInactiveSubject) ||
		errors.Is(err, ErrSubjectNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
