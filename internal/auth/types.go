package auth

import (
	"strings"
	"time"
)

// User is the identity slice of an HR account that the auth core reads and mutates.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Active       bool       `json:"is_active"`
	RoleID       string     `json:"role_id,omitempty"`
	Role         *Role      `json:"role,omitempty"`
	LastLoginAt  *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RoleName returns the role display name or "" when no role is assigned.
func (u *User) RoleName() string {
	if u == nil || u.Role == nil {
		return ""
	}
	return u.Role.Name
}

// Role groups permissions.
type Role struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Code        string        `json:"code"`
	Description string        `json:"description,omitempty"`
	Active      bool          `json:"is_active"`
	Permissions PermissionSet `json:"permissions"`
}

// Permission is a catalog entry. Code is a capability string or the admin grant.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefreshSession is the persisted record of one issued refresh token.
type RefreshSession struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UserAgent  string
	ClientAddr string
}

// ActiveAt reports whether the session can still be exchanged at now.
func (s *RefreshSession) ActiveAt(now time.Time) bool {
	return s != nil && !s.Revoked && s.ExpiresAt.After(now)
}

// SessionStats counts the refresh sessions of one subject. Revoked sessions
// are counted as revoked whatever their expiry.
type SessionStats struct {
	Active  int64 `json:"active_sessions"`
	Revoked int64 `json:"revoked_sessions"`
	Expired int64 `json:"expired_sessions"`
}

// SessionMeta describes the device a session was issued to.
type SessionMeta struct {
	ClientAddr string
	UserAgent  string
}

// AuditEntry is an append-only record of a security event.
type AuditEntry struct {
	ID           string
	OccurredAt   time.Time
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Success      bool
	Details      map[string]any
	ClientAddr   string
	UserAgent    string
	RequestID    string
}

// NormalizeEmail lower-cases and trims an email for case-insensitive identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
