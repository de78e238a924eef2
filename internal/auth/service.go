package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cvflow.org/internal/obs"
)

// AddressLimiter throttles login attempts per client address.
type AddressLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

// LockoutGate tracks failed logins per identity. Reserve must count the
// attempt and check the threshold atomically; a denied reservation means the
// identity is locked.
type LockoutGate interface {
	Reserve(ctx context.Context, identity string) (bool, error)
	Remaining(ctx context.Context, identity string) (time.Duration, error)
	RecordSuccess(ctx context.Context, identity string) error
}

// LoginRequest carries credentials plus the request metadata gates key on.
type LoginRequest struct {
	Email      string
	Password   string
	ClientAddr string
	UserAgent  string
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Tokens TokenPair
	User   *User
}

// Service orchestrates login, refresh, logout and subject resolution.
type Service struct {
	users   UserRepository
	tokens  *TokenService
	hasher  *Hasher
	limiter AddressLimiter
	lockout LockoutGate
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithLoginLimiter sets the per-address login gate.
func WithLoginLimiter(l AddressLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithLockout sets the per-identity failure tracker.
func WithLockout(l LockoutGate) ServiceOption {
	return func(s *Service) error {
		s.lockout = l
		return nil
	}
}

// WithAuditor routes security events to a.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the orchestrator. Both login gates are mandatory.
func NewService(users UserRepository, tokens *TokenService, hasher *Hasher, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	if hasher == nil {
		return nil, errors.New("password hasher is required")
	}
	svc := &Service{
		users:   users,
		tokens:  tokens,
		hasher:  hasher,
		auditor: nopAuditor{},
		logger:  obs.Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.limiter == nil {
		return nil, errors.New("login limiter is required")
	}
	if svc.lockout == nil {
		return nil, errors.New("lockout tracker is required")
	}
	return svc, nil
}

// Login authenticates credentials. Gates are evaluated in order: client
// address rate limit, identity lockout, then the password check. The lockout
// slot is reserved before the password is compared and is only released by a
// successful login, so every attempt counts whatever its outcome.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := NormalizeEmail(req.Email)
	addr := strings.TrimSpace(req.ClientAddr)
	if addr == "" {
		addr = "unknown"
	}
	meta := SessionMeta{ClientAddr: addr, UserAgent: req.UserAgent}

	allowed, err := s.limiter.Allow(ctx, addr)
	if err != nil {
		return LoginResult{}, fmt.Errorf("login rate limiter: %w", err)
	}
	if !allowed {
		wait, err := s.limiter.RetryAfter(ctx, addr)
		if err != nil {
			return LoginResult{}, fmt.Errorf("login rate limiter: %w", err)
		}
		obs.ObserveThrottle("ip")
		obs.ObserveLogin("rate_limited")
		s.logger.Warn("login_rate_limited", "client_addr", addr)
		s.audit(ctx, "", "login", meta, false, map[string]any{"reason": "rate_limited", "email": email})
		return LoginResult{}, &RateLimitedError{RetryAfter: wait}
	}

	reserved, err := s.lockout.Reserve(ctx, email)
	if err != nil {
		s.logger.Error("lockout_reserve_failed", "email", email, "client_addr", addr, "error", err.Error())
		return LoginResult{}, fmt.Errorf("lockout check: %w", err)
	}
	if !reserved {
		wait, err := s.lockout.Remaining(ctx, email)
		if err != nil {
			return LoginResult{}, fmt.Errorf("lockout check: %w", err)
		}
		obs.ObserveThrottle("lockout")
		obs.ObserveLogin("locked")
		s.logger.Warn("login_locked_out", "email", email, "client_addr", addr)
		s.audit(ctx, "", "login", meta, false, map[string]any{"reason": "locked_out", "email": email})
		return LoginResult{}, &LockedOutError{RetryAfter: wait}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return LoginResult{}, fmt.Errorf("lookup user: %w", err)
		}
		s.hasher.VerifyDummy(ctx, req.Password)
		s.loginFailed(ctx, "", email, "unknown_email", meta)
		return LoginResult{}, ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(ctx, req.Password, user.PasswordHash)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		s.loginFailed(ctx, user.ID, email, "bad_password", meta)
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.Active {
		s.loginFailed(ctx, user.ID, email, "inactive", meta)
		return LoginResult{}, ErrInactiveSubject
	}

	if err := s.lockout.RecordSuccess(ctx, email); err != nil {
		s.logger.Error("lockout_reset_failed", "email", email, "error", err.Error())
	}
	now := s.now().UTC()
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		s.logger.Error("record_login_failed", "user_id", user.ID, "error", err.Error())
	} else {
		user.LastLoginAt = &now
	}
	pair, err := s.tokens.IssueSession(ctx, user, meta)
	if err != nil {
		return LoginResult{}, err
	}
	obs.ObserveLogin("success")
	s.logger.Info("login_succeeded", "user_id", user.ID, "client_addr", addr)
	s.audit(ctx, user.ID, "login", meta, true, nil)
	return LoginResult{Tokens: pair, User: user}, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, email, reason string, meta SessionMeta) {
	obs.ObserveLogin(reason)
	s.logger.Warn("login_failed", "email", email, "reason", reason, "client_addr", meta.ClientAddr)
	s.audit(ctx, userID, "login", meta, false, map[string]any{"reason": reason, "email": email})
}

// Refresh exchanges a refresh token for a new pair, retiring the old one.
func (s *Service) Refresh(ctx context.Context, raw string, meta SessionMeta) (TokenPair, error) {
	pair, user, err := s.tokens.Refresh(ctx, raw, meta)
	if err != nil {
		obs.ObserveRefresh("rejected")
		if IsUnauthenticated(err) {
			s.logger.Warn("refresh_rejected", "reason", err.Error(), "client_addr", meta.ClientAddr)
		}
		return TokenPair{}, err
	}
	obs.ObserveRefresh("success")
	s.audit(ctx, user.ID, "refresh", meta, true, nil)
	return pair, nil
}

// Logout revokes the session behind raw. An unknown or already revoked token
// yields ErrInvalidToken.
func (s *Service) Logout(ctx context.Context, raw string) error {
	userID, flipped, err := s.tokens.RevokeSession(ctx, raw)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !flipped {
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrSessionNotFound)
	}
	obs.ObserveRevoked(1)
	s.audit(ctx, userID, "logout", SessionMeta{}, true, nil)
	return nil
}

// SessionStats reports the session counts of userID.
func (s *Service) SessionStats(ctx context.Context, userID string) (SessionStats, error) {
	stats, err := s.tokens.SessionStats(ctx, userID)
	if err != nil {
		return SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

// LogoutAll revokes every active session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	n, err := s.tokens.RevokeAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	obs.ObserveRevoked(n)
	s.audit(ctx, userID, "logout_all", SessionMeta{}, true, map[string]any{"revoked": n})
	return n, nil
}

// ChangePassword verifies current, applies the password policy to next, stores
// the new digest and revokes every refresh session of the user. It returns
// the number of sessions revoked.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (int64, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrSubjectNotFound
		}
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active {
		return 0, ErrInactiveSubject
	}
	ok, err := s.hasher.Verify(ctx, current, user.PasswordHash)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.audit(ctx, user.ID, "password_change", SessionMeta{}, false, map[string]any{"reason": "bad_password"})
		return 0, ErrInvalidCredentials
	}
	if current == next {
		return 0, fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	if err := ValidatePassword(next); err != nil {
		return 0, err
	}
	digest, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	var revoked int64
	if rot, ok := s.users.(PasswordRotator); ok {
		revoked, err = rot.UpdatePasswordAndRevokeSessions(ctx, user.ID, digest, now)
		if err != nil {
			return 0, fmt.Errorf("update password: %w", err)
		}
	} else {
		if err := s.users.UpdatePassword(ctx, user.ID, digest, now); err != nil {
			return 0, fmt.Errorf("update password: %w", err)
		}
		revoked, err = s.tokens.RevokeAll(ctx, user.ID)
		if err != nil {
			return 0, fmt.Errorf("revoke sessions: %w", err)
		}
	}
	obs.ObserveRevoked(revoked)
	s.logger.Info("password_changed", "user_id", user.ID, "revoked_sessions", revoked)
	s.audit(ctx, user.ID, "password_change", SessionMeta{}, true, map[string]any{"revoked": revoked})
	return revoked, nil
}

// CurrentSubject resolves an access token to its active user.
func (s *Service) CurrentSubject(ctx context.Context, access string) (*User, error) {
	user, err := s.tokens.Resolve(ctx, access)
	if err != nil {
		if IsUnauthenticated(err) {
			s.logger.Debug("access_token_rejected", "reason", err.Error())
		}
		return nil, err
	}
	return user, nil
}

// Authorize checks user against c and audits denials.
func (s *Service) Authorize(ctx context.Context, user *User, c Capability) error {
	if err := Authorize(user, c); err != nil {
		var userID string
		if user != nil {
			userID = user.ID
		}
		s.audit(ctx, userID, "permission_denied", SessionMeta{}, false, map[string]any{"capability": c.String()})
		return err
	}
	return nil
}

// PurgeExpired deletes expired refresh sessions.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.PurgeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	obs.ObservePurged(n)
	if n > 0 {
		s.logger.Info("sessions_purged", "count", n)
	}
	return n, nil
}

func (s *Service) audit(ctx context.Context, userID, action string, meta SessionMeta, success bool, details map[string]any) {
	s.auditor.Record(ctx, AuditEntry{
		OccurredAt:   s.now().UTC(),
		UserID:       userID,
		Action:       action,
		ResourceType: "session",
		Success:      success,
		Details:      details,
		ClientAddr:   meta.ClientAddr,
		UserAgent:    meta.UserAgent,
	})
}
