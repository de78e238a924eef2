package auth

import (
	"context"
	"time"
)

// UserRepository is the slice of user persistence the auth core depends on.
// Lookups return ErrNotFound when no row matches.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error
	RecordLogin(ctx context.Context, userID string, at time.Time) error
}

// PasswordRotator is implemented by stores that can replace a password hash and
// revoke every refresh session of the user in one transaction.
type PasswordRotator interface {
	UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string, at time.Time) (int64, error)
}

// SessionStore persists refresh sessions keyed by token hash.
type SessionStore interface {
	Create(ctx context.Context, session *RefreshSession) error
	// FindActive returns ErrSessionNotFound unless the session is unrevoked and unexpired at now.
	FindActive(ctx context.Context, tokenHash string, now time.Time) (*RefreshSession, error)
	// Revoke reports whether a row was flipped; already revoked or unknown hashes yield false.
	Revoke(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error)
	// Rotate revokes the active session for oldHash and inserts next atomically.
	// Of concurrent callers presenting the same oldHash at most one succeeds;
	// the rest receive ErrSessionNotFound.
	Rotate(ctx context.Context, oldHash string, next *RefreshSession, now time.Time) error
	// PurgeExpired deletes sessions with expires_at < now regardless of revocation.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// Stats counts the sessions of userID still stored at now.
	Stats(ctx context.Context, userID string, now time.Time) (SessionStats, error)
}

// RoleCatalog manages the permission catalog and role grants.
type RoleCatalog interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	// SetRolePermissions replaces the grants of the role identified by code.
	// Unknown role or permission codes yield ErrRoleOrPermissionNotFound.
	SetRolePermissions(ctx context.Context, roleCode string, permissionCodes []string) error
}

// Auditor records security events. Implementations must not block on failure.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEntry) {}
