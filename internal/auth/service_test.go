package auth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/ratelimit"
	"cvflow.org/internal/store/memory"
)

const (
	hrEmail    = "dana@cvflow.test"
	hrPassword = "Recruit3rPass"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store  *memory.Store
	svc    *auth.Service
	clock  *testClock
	hasher *auth.Hasher
	user   *auth.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCounters(t, ratelimit.NewMemoryCounter(), ratelimit.NewMemoryCounter())
}

// newFixtureWithCounters keys the address limiter and the identity lockout on
// separate counters.
func newFixtureWithCounters(t *testing.T, addrs, identities ratelimit.KeyedCounter) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	hasher := auth.NewHasher(bcrypt.MinCost, 4)

	recruiter := store.PutRole(auth.Role{Name: "Recruiter", Code: "recruiter", Active: true})
	if err := store.EnsurePermissions(ctx, auth.BuiltinPermissions); err != nil {
		t.Fatalf("EnsurePermissions: %v", err)
	}
	if err := store.SetRolePermissions(ctx, "recruiter", auth.DefaultRoleGrants["recruiter"]); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	digest, err := hasher.Hash(ctx, hrPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	user, err := store.PutUser(auth.User{
		Email: hrEmail, PasswordHash: digest, FirstName: "Dana", LastName: "Reyes",
		Active: true, RoleID: recruiter.ID, CreatedAt: clock.Now(),
	})
	if err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	codec, err := auth.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "cvflow-test", clock.Now)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tokens, err := auth.NewTokenService(codec, store, store,
		auth.WithAccessTTL(30*time.Minute),
		auth.WithRefreshTTL(7*24*time.Hour),
		auth.WithTokenClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	svc, err := auth.NewService(store, tokens, hasher,
		auth.WithLoginLimiter(ratelimit.NewLimiter(addrs, 5, time.Minute, ratelimit.WithClock(clock.Now))),
		auth.WithLockout(ratelimit.NewLockout(identities, 5, 300*time.Second, ratelimit.WithClock(clock.Now))),
		auth.WithAuditor(store),
		auth.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{store: store, svc: svc, clock: clock, hasher: hasher, user: user}
}

func (f *fixture) login(t *testing.T, addr string) auth.LoginResult {
	t.Helper()
	res, err := f.svc.Login(context.Background(), auth.LoginRequest{Email: hrEmail, Password: hrPassword, ClientAddr: addr})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func TestNewServiceRequiresGates(t *testing.T) {
	store := memory.New()
	codec, _ := auth.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "iss", nil)
	tokens, _ := auth.NewTokenService(codec, store, store)
	if _, err := auth.NewService(store, tokens, auth.NewHasher(bcrypt.MinCost, 1)); err == nil {
		t.Fatalf("expected error without login gates")
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Login(context.Background(), auth.LoginRequest{
		Email: "  DANA@cvflow.test ", Password: hrPassword, ClientAddr: "10.0.0.1", UserAgent: "firefox",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" || res.Tokens.TokenType != "bearer" {
		t.Fatalf("unexpected pair %+v", res.Tokens)
	}
	if res.Tokens.ExpiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expires_in %d", res.Tokens.ExpiresIn)
	}
	if res.User.ID != f.user.ID || res.User.LastLoginAt == nil {
		t.Fatalf("unexpected user %+v", res.User)
	}

	sessions := f.store.Sessions(f.user.ID)
	if len(sessions) != 1 || sessions[0].TokenHash != auth.HashToken(res.Tokens.RefreshToken) {
		t.Fatalf("expected one persisted session keyed by hash, got %+v", sessions)
	}
	if sessions[0].UserAgent != "firefox" || sessions[0].ClientAddr != "10.0.0.1" {
		t.Fatalf("session metadata not stored: %+v", sessions[0])
	}
	stored, _ := f.store.FindByID(context.Background(), f.user.ID)
	if stored.LastLoginAt == nil || !stored.LastLoginAt.Equal(f.clock.Now()) {
		t.Fatalf("last login not recorded")
	}
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: "nope", ClientAddr: "10.0.0.1"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	_, err = f.svc.Login(ctx, auth.LoginRequest{Email: "ghost@cvflow.test", Password: "nope", ClientAddr: "10.0.0.2"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}

	if err := f.store.SetActive(f.user.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	_, err = f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: hrPassword, ClientAddr: "10.0.0.3"})
	if !errors.Is(err, auth.ErrInactiveSubject) || !auth.IsUnauthenticated(err) {
		t.Fatalf("inactive: expected ErrInactiveSubject, got %v", err)
	}
	if n := len(f.store.Sessions(f.user.ID)); n != 0 {
		t.Fatalf("failed logins must not create sessions, got %d", n)
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: "wrong", ClientAddr: fmt.Sprintf("10.0.1.%d", i)})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: hrPassword, ClientAddr: "10.0.2.1"})
	var locked *auth.LockedOutError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedOutError even with the correct password, got %v", err)
	}
	if locked.RetryAfter <= 0 || locked.RetryAfter > 300*time.Second {
		t.Fatalf("unexpected retry after %v", locked.RetryAfter)
	}

	f.clock.Advance(301 * time.Second)
	f.login(t, "10.0.2.2")

	for i := 0; i < 4; i++ {
		_, _ = f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: "wrong", ClientAddr: fmt.Sprintf("10.0.3.%d", i)})
	}
	f.login(t, "10.0.3.9")
	_, err = f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: "wrong", ClientAddr: "10.0.3.10"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("success must reset the failure count, got %v", err)
	}
}

func TestConcurrentLoginFailuresStopAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		compared int
		locked   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Login(ctx, auth.LoginRequest{
				Email: hrEmail, Password: "wrong", ClientAddr: fmt.Sprintf("10.9.%d.%d", i/250, i%250),
			})
			var lockedErr *auth.LockedOutError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, auth.ErrInvalidCredentials):
				compared++
			case errors.As(err, &lockedErr):
				locked++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if compared != 5 || locked != n-5 {
		t.Fatalf("expected 5 password checks and %d lockouts, got %d and %d", n-5, compared, locked)
	}
}

func TestLoginFailsClosedWhenLockoutCannotTrack(t *testing.T) {
	f := newFixtureWithCounters(t, ratelimit.NewMemoryCounter(), ratelimit.NewMemoryCounter(ratelimit.WithMaxKeys(2)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(ctx, auth.LoginRequest{Email: fmt.Sprintf("junk%d@cvflow.test", i), Password: "x", ClientAddr: "10.0.4.1"})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("junk attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	for _, password := range []string{"wrong", hrPassword} {
		_, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: password, ClientAddr: "10.0.4.2"})
		if !errors.Is(err, ratelimit.ErrTooManyKeys) {
			t.Fatalf("expected lockout capacity error, got %v", err)
		}
		if auth.IsUnauthenticated(err) {
			t.Fatalf("capacity failure must not look like a credential check: %v", err)
		}
	}
}

func TestLoginRateLimitedPerAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, auth.LoginRequest{Email: fmt.Sprintf("nobody%d@cvflow.test", i), Password: "x", ClientAddr: "192.0.2.7"})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	_, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: hrPassword, ClientAddr: "192.0.2.7"})
	var limited *auth.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds() != 60 {
		t.Fatalf("expected 60s retry, got %d", limited.RetryAfterSeconds())
	}

	f.login(t, "192.0.2.8")
	f.clock.Advance(61 * time.Second)
	f.login(t, "192.0.2.7")
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.login(t, "10.0.0.1")

	f.clock.Advance(time.Minute)
	pair, err := f.svc.Refresh(ctx, first.Tokens.RefreshToken, auth.SessionMeta{ClientAddr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.AccessToken == first.Tokens.AccessToken || pair.RefreshToken == first.Tokens.RefreshToken {
		t.Fatalf("expected a new pair")
	}
	if _, err := f.svc.CurrentSubject(ctx, pair.AccessToken); err != nil {
		t.Fatalf("new access token must resolve: %v", err)
	}

	_, err = f.svc.Refresh(ctx, first.Tokens.RefreshToken, auth.SessionMeta{})
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reused refresh token: expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.SessionMeta{}); err != nil {
		t.Fatalf("rotated refresh token must work: %v", err)
	}
}

func TestRefreshRejectsAccessTokenAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "10.0.0.1")

	if _, err := f.svc.Refresh(ctx, res.Tokens.AccessToken, auth.SessionMeta{}); !errors.Is(err, auth.ErrTokenWrongKind) {
		t.Fatalf("expected ErrTokenWrongKind, got %v", err)
	}
	f.clock.Advance(7*24*time.Hour + time.Second)
	if _, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, auth.SessionMeta{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected expired refresh to fail, got %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "10.0.0.1")

	const n = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		fails int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, auth.SessionMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, auth.ErrInvalidToken) {
				fails++
			}
		}()
	}
	wg.Wait()
	if wins != 1 || fails != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d fails=%d", wins, fails)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "10.0.0.1")

	if err := f.svc.Logout(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	entries := f.store.AuditEntries()
	if last := entries[len(entries)-1]; last.Action != "logout" || last.UserID != f.user.ID {
		t.Fatalf("logout audit entry should name the session owner, got %+v", last)
	}
	if err := f.svc.Logout(ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("second logout: expected ErrInvalidToken, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, auth.SessionMeta{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("refresh after logout: expected ErrInvalidToken, got %v", err)
	}
	if err := f.svc.Logout(ctx, "not-a-token"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("unknown token: expected ErrInvalidToken, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var pairs []auth.LoginResult
	for i := 0; i < 3; i++ {
		pairs = append(pairs, f.login(t, fmt.Sprintf("10.0.0.%d", i)))
	}
	n, err := f.svc.LogoutAll(ctx, f.user.ID)
	if err != nil || n != 3 {
		t.Fatalf("LogoutAll: n=%d err=%v", n, err)
	}
	for _, p := range pairs {
		if _, err := f.svc.Refresh(ctx, p.Tokens.RefreshToken, auth.SessionMeta{}); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("expected revoked session, got %v", err)
		}
	}
	n, _ = f.svc.LogoutAll(ctx, f.user.ID)
	if n != 0 {
		t.Fatalf("second LogoutAll must revoke nothing, got %d", n)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.login(t, "10.0.0.1")
	f.login(t, "10.0.0.2")

	if _, err := f.svc.ChangePassword(ctx, f.user.ID, "wrong", "N3wPassword"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong current: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := f.svc.ChangePassword(ctx, f.user.ID, hrPassword, "weak"); !errors.Is(err, auth.ErrWeakPassword) {
		t.Fatalf("weak: expected ErrWeakPassword, got %v", err)
	}
	if _, err := f.svc.ChangePassword(ctx, f.user.ID, hrPassword, hrPassword); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("same password: expected ErrInvalidInput, got %v", err)
	}

	revoked, err := f.svc.ChangePassword(ctx, f.user.ID, hrPassword, "N3wPassword")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", revoked)
	}
	if _, err := f.svc.Refresh(ctx, a.Tokens.RefreshToken, auth.SessionMeta{}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("old session must be revoked, got %v", err)
	}
	if _, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: hrPassword, ClientAddr: "10.0.0.3"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password must fail, got %v", err)
	}
	if _, err := f.svc.Login(ctx, auth.LoginRequest{Email: hrEmail, Password: "N3wPassword", ClientAddr: "10.0.0.4"}); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
}

func TestCurrentSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.login(t, "10.0.0.1")

	user, err := f.svc.CurrentSubject(ctx, res.Tokens.AccessToken)
	if err != nil || user.ID != f.user.ID {
		t.Fatalf("CurrentSubject: user=%v err=%v", user, err)
	}
	if user.Role == nil || user.Role.Code != "recruiter" {
		t.Fatalf("expected role to be loaded, got %+v", user.Role)
	}
	if _, err := f.svc.CurrentSubject(ctx, res.Tokens.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("refresh token used as access: expected ErrInvalidToken, got %v", err)
	}

	_ = f.store.SetActive(f.user.ID, false)
	_, err = f.svc.CurrentSubject(ctx, res.Tokens.AccessToken)
	if !errors.Is(err, auth.ErrInactiveSubject) || !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("inactive subject: expected ErrInactiveSubject, got %v", err)
	}

	f.clock.Advance(31 * time.Minute)
	_ = f.store.SetActive(f.user.ID, true)
	if _, err := f.svc.CurrentSubject(ctx, res.Tokens.AccessToken); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, _ := f.store.FindByID(ctx, f.user.ID)

	if err := f.svc.Authorize(ctx, user, auth.CapCandidatesRead); err != nil {
		t.Fatalf("recruiter should read candidates: %v", err)
	}
	err := f.svc.Authorize(ctx, user, auth.CapSessionsPurge)
	var denied *auth.PermissionDeniedError
	if !errors.As(err, &denied) || denied.Capability != auth.CapSessionsPurge {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t, "10.0.0.1")
	f.login(t, "10.0.0.2")

	n, err := f.svc.PurgeExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("nothing expired yet: n=%d err=%v", n, err)
	}
	f.clock.Advance(8 * 24 * time.Hour)
	n, err = f.svc.PurgeExpired(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PurgeExpired: n=%d err=%v", n, err)
	}
}

func TestLoginIsAudited(t *testing.T) {
	f := newFixture(t)
	f.login(t, "10.0.0.1")
	_, _ = f.svc.Login(context.Background(), auth.LoginRequest{Email: hrEmail, Password: "bad", ClientAddr: "10.0.0.2"})

	entries := f.store.AuditEntries()
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	if !entries[0].Success || entries[0].Action != "login" || entries[0].UserID != f.user.ID {
		t.Fatalf("unexpected success entry %+v", entries[0])
	}
	if entries[1].Success || entries[1].Details["reason"] != "bad_password" {
		t.Fatalf("unexpected failure entry %+v", entries[1])
	}
}
