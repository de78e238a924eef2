package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cvflow.org/internal/auth"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func session(userID, hash string, expires time.Time) *auth.RefreshSession {
	return &auth.RefreshSession{UserID: userID, TokenHash: hash, ExpiresAt: expires, CreatedAt: now}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Create(ctx, session("u1", "h1", now.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, session("u1", "h1", now.Add(time.Hour))); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := s.FindActive(ctx, "h1", now); err != nil {
		t.Fatalf("find active: %v", err)
	}
	flipped, err := s.Revoke(ctx, "h1", now)
	if err != nil || !flipped {
		t.Fatalf("revoke: flipped=%v err=%v", flipped, err)
	}
	flipped, err = s.Revoke(ctx, "h1", now)
	if err != nil || flipped {
		t.Fatalf("second revoke must be a no-op: flipped=%v err=%v", flipped, err)
	}
	if _, err := s.FindActive(ctx, "h1", now); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected not found after revoke, got %v", err)
	}
}

func TestFindActiveRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Create(ctx, session("u1", "h1", now))
	if _, err := s.FindActive(ctx, "h1", now); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("session expiring at now must be inactive, got %v", err)
	}
}

func TestRotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Create(ctx, session("u1", "old", now.Add(time.Hour)))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := session("u1", string(rune('a'+i)), now.Add(time.Hour))
			results[i] = s.Rotate(ctx, "old", next, now)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, auth.ErrSessionNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one rotation to win, got %d", wins)
	}
	if got := len(s.Sessions("u1")); got != 2 {
		t.Fatalf("expected old plus one replacement, got %d sessions", got)
	}
}

func TestRevokeAllAndPurge(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Create(ctx, session("u1", "a", now.Add(time.Hour)))
	_ = s.Create(ctx, session("u1", "b", now.Add(-time.Minute)))
	_ = s.Create(ctx, session("u2", "c", now.Add(time.Hour)))
	_, _ = s.Revoke(ctx, "a", now)

	n, err := s.RevokeAll(ctx, "u1", now)
	if err != nil || n != 1 {
		t.Fatalf("revoke all: n=%d err=%v", n, err)
	}
	purged, err := s.PurgeExpired(ctx, now)
	if err != nil || purged != 1 {
		t.Fatalf("purge: n=%d err=%v", purged, err)
	}
	purged, _ = s.PurgeExpired(ctx, now)
	if purged != 0 {
		t.Fatalf("purge must be idempotent, got %d", purged)
	}
	if _, err := s.FindActive(ctx, "c", now); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
}

func TestSessionStats(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Create(ctx, session("u1", "a", now.Add(time.Hour)))
	_ = s.Create(ctx, session("u1", "b", now.Add(time.Hour)))
	_ = s.Create(ctx, session("u1", "c", now))
	_ = s.Create(ctx, session("u2", "d", now.Add(time.Hour)))
	_, _ = s.Revoke(ctx, "b", now)

	st, err := s.Stats(ctx, "u1", now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (auth.SessionStats{Active: 1, Revoked: 1, Expired: 1}) {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st, _ := s.Stats(ctx, "nobody", now); st != (auth.SessionStats{}) {
		t.Fatalf("unknown user must have zero stats, got %+v", st)
	}
}

func TestSetRolePermissions(t *testing.T) {
	ctx := context.Background()
	s := New()
	role := s.PutRole(auth.Role{Name: "Recruiter", Code: "recruiter", Active: true})
	if err := s.EnsurePermissions(ctx, auth.BuiltinPermissions); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.SetRolePermissions(ctx, "recruiter", []string{"candidates:read"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	u, err := s.PutUser(auth.User{Email: "R@Example.com", Active: true, RoleID: role.ID})
	if err != nil {
		t.Fatalf("put user: %v", err)
	}
	got, err := s.FindByEmail(ctx, "r@example.com")
	if err != nil || got.ID != u.ID {
		t.Fatalf("find by email: %v", err)
	}
	if !auth.HasPermission(got.Role, auth.CapCandidatesRead) {
		t.Fatalf("expected candidates:read to be granted")
	}

	if err := s.SetRolePermissions(ctx, "ghost", nil); !errors.Is(err, auth.ErrRoleOrPermissionNotFound) {
		t.Fatalf("expected role not found, got %v", err)
	}
	if err := s.SetRolePermissions(ctx, "recruiter", []string{"rockets:launch"}); !errors.Is(err, auth.ErrRoleOrPermissionNotFound) {
		t.Fatalf("expected permission not found, got %v", err)
	}
}
