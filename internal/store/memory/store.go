// Package memory is an in-process implementation of the auth persistence
// interfaces. It backs tests and the development server when no database is
// configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ids"
)

type Store struct {
	mu          sync.Mutex
	users       map[string]*auth.User
	emails      map[string]string
	roles       map[string]*auth.Role
	roleCodes   map[string]string
	permissions map[string]auth.Permission
	sessions    map[string]*auth.RefreshSession
	audit       []auth.AuditEntry
}

func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		emails:      make(map[string]string),
		roles:       make(map[string]*auth.Role),
		roleCodes:   make(map[string]string),
		permissions: make(map[string]auth.Permission),
		sessions:    make(map[string]*auth.RefreshSession),
	}
}

// PutRole inserts or replaces a role. Missing ids are generated.
func (s *Store) PutRole(role auth.Role) *auth.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	r := role
	s.roles[r.ID] = &r
	s.roleCodes[r.Code] = r.ID
	return cloneRole(&r)
}

// PutUser inserts or replaces a user. Missing ids are generated and the email
// is normalised. A duplicate email under a different id yields auth.ErrConflict.
func (s *Store) PutUser(user auth.User) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = ids.New()
	}
	user.Email = auth.NormalizeEmail(user.Email)
	if existing, ok := s.emails[user.Email]; ok && existing != user.ID {
		return nil, fmt.Errorf("%w: email %s", auth.ErrConflict, user.Email)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	user.Role = nil
	u := user
	s.users[u.ID] = &u
	s.emails[u.Email] = u.ID
	return s.hydrateLocked(&u), nil
}

func (s *Store) hydrateLocked(u *auth.User) *auth.User {
	out := *u
	if out.RoleID != "" {
		if r, ok := s.roles[out.RoleID]; ok {
			out.Role = cloneRole(r)
		}
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		out.LastLoginAt = &t
	}
	return &out
}

func cloneRole(r *auth.Role) *auth.Role {
	out := *r
	return &out
}

func (s *Store) FindByID(_ context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.hydrateLocked(u), nil
}

func (s *Store) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.hydrateLocked(s.users[id]), nil
}

func (s *Store) UpdatePassword(_ context.Context, userID, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = at
	return nil
}

func (s *Store) UpdatePasswordAndRevokeSessions(_ context.Context, userID, passwordHash string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = at
	return s.revokeAllLocked(userID, at), nil
}

func (s *Store) RecordLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	t := at
	u.LastLoginAt = &t
	return nil
}

// SetActive toggles a user's active flag.
func (s *Store) SetActive(userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = active
	return nil
}

func (s *Store) Create(_ context.Context, session *auth.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(session)
}

func (s *Store) insertLocked(session *auth.RefreshSession) error {
	if session == nil || session.TokenHash == "" {
		return fmt.Errorf("%w: session token hash is required", auth.ErrInvalidInput)
	}
	if _, dup := s.sessions[session.TokenHash]; dup {
		return fmt.Errorf("%w: refresh session", auth.ErrConflict)
	}
	cp := *session
	if cp.ID == "" {
		cp.ID = ids.New()
	}
	s.sessions[cp.TokenHash] = &cp
	return nil
}

func (s *Store) FindActive(_ context.Context, tokenHash string, now time.Time) (*auth.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || !sess.ActiveAt(now) {
		return nil, auth.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) Revoke(_ context.Context, tokenHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || sess.Revoked {
		return false, nil
	}
	revoke(sess, now)
	return true, nil
}

func revoke(sess *auth.RefreshSession, now time.Time) {
	t := now.UTC()
	sess.Revoked = true
	sess.RevokedAt = &t
}

func (s *Store) RevokeAll(_ context.Context, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeAllLocked(userID, now), nil
}

func (s *Store) revokeAllLocked(userID string, now time.Time) int64 {
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.Revoked {
			revoke(sess, now)
			n++
		}
	}
	return n
}

func (s *Store) Rotate(_ context.Context, oldHash string, next *auth.RefreshSession, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.sessions[oldHash]
	if !ok || !old.ActiveAt(now) {
		return auth.ErrSessionNotFound
	}
	if err := s.insertLocked(next); err != nil {
		return err
	}
	revoke(old, now)
	return nil
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(s.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (s *Store) Stats(_ context.Context, userID string, now time.Time) (auth.SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st auth.SessionStats
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		switch {
		case sess.Revoked:
			st.Revoked++
		case sess.ExpiresAt.After(now):
			st.Active++
		default:
			st.Expired++
		}
	}
	return st, nil
}

// Sessions returns a snapshot of the sessions of userID ordered by creation.
func (s *Store) Sessions(userID string) []auth.RefreshSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.RefreshSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if existing, ok := s.permissions[p.Code]; ok {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
		} else {
			p.ID = ids.New()
			p.CreatedAt = time.Now().UTC()
		}
		s.permissions[p.Code] = p
	}
	return nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleCode string, permissionCodes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.roleCodes[roleCode]
	if !ok {
		return fmt.Errorf("%w: role %q", auth.ErrRoleOrPermissionNotFound, roleCode)
	}
	for _, code := range permissionCodes {
		if _, ok := s.permissions[code]; !ok {
			return fmt.Errorf("%w: permission %q", auth.ErrRoleOrPermissionNotFound, code)
		}
	}
	set, err := auth.NewPermissionSet(permissionCodes...)
	if err != nil {
		return err
	}
	s.roles[id].Permissions = set
	return nil
}

// Record implements auth.Auditor.
func (s *Store) Record(_ context.Context, entry auth.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
}

// AppendAudit stores entry; it matches the persistence hook of the audit recorder.
func (s *Store) AppendAudit(ctx context.Context, entry auth.AuditEntry) error {
	s.Record(ctx, entry)
	return nil
}

// AuditEntries returns a copy of recorded audit entries.
func (s *Store) AuditEntries() []auth.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
