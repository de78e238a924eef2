package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cvflow.org/internal/ids"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues token pairs and manages the refresh sessions behind them.
type TokenService struct {
	codec      *Codec
	sessions   SessionStore
	users      UserRepository
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(d time.Duration) TokenOption {
	return func(t *TokenService) {
		if d > 0 {
			t.accessTTL = d
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(d time.Duration) TokenOption {
	return func(t *TokenService) {
		if d > 0 {
			t.refreshTTL = d
		}
	}
}

// WithTokenClock overrides the time source used for session bookkeeping.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(t *TokenService) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTokenService(codec *Codec, sessions SessionStore, users UserRepository, opts ...TokenOption) (*TokenService, error) {
	if codec == nil {
		return nil, errors.New("token codec is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	t := &TokenService{
		codec:      codec,
		sessions:   sessions,
		users:      users,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// AccessTTL reports the configured access token lifetime.
func (t *TokenService) AccessTTL() time.Duration { return t.accessTTL }

// HashToken is the lookup key under which a refresh token's session is stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (t *TokenService) mint(userID string, meta SessionMeta, now time.Time) (TokenPair, *RefreshSession, error) {
	access, accessExp, err := t.codec.Issue(userID, KindAccess, t.accessTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	refresh, refreshExp, err := t.codec.Issue(userID, KindRefresh, t.refreshTTL)
	if err != nil {
		return TokenPair{}, nil, err
	}
	session := &RefreshSession{
		ID:         ids.NewAt(now),
		UserID:     userID,
		TokenHash:  HashToken(refresh),
		ExpiresAt:  refreshExp,
		CreatedAt:  now.UTC(),
		UserAgent:  meta.UserAgent,
		ClientAddr: meta.ClientAddr,
	}
	pair := TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		ExpiresIn:        int64(t.accessTTL / time.Second),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	return pair, session, nil
}

// IssueSession mints a fresh pair for user and persists the refresh session.
func (t *TokenService) IssueSession(ctx context.Context, user *User, meta SessionMeta) (TokenPair, error) {
	if user == nil || user.ID == "" {
		return TokenPair{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	pair, session, err := t.mint(user.ID, meta, t.now())
	if err != nil {
		return TokenPair{}, err
	}
	if err := t.sessions.Create(ctx, session); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh session: %w", err)
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token's
// session is revoked in the same step the replacement is stored, so a refresh
// token can be exchanged at most once.
func (t *TokenService) Refresh(ctx context.Context, raw string, meta SessionMeta) (TokenPair, *User, error) {
	claims, err := t.codec.Verify(raw, KindRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	now := t.now()
	hash := HashToken(raw)
	session, err := t.sessions.FindActive(ctx, hash, now)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return TokenPair{}, nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return TokenPair{}, nil, fmt.Errorf("load refresh session: %w", err)
	}
	if session.UserID != claims.Subject {
		return TokenPair{}, nil, fmt.Errorf("%w: session subject mismatch", ErrInvalidToken)
	}
	user, err := t.loadSubject(ctx, session.UserID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	pair, next, err := t.mint(user.ID, meta, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := t.sessions.Rotate(ctx, hash, next, now); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return TokenPair{}, nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return TokenPair{}, nil, fmt.Errorf("rotate refresh session: %w", err)
	}
	return pair, user, nil
}

// Revoke flips the session behind raw. It reports false when the token was
// unknown or already revoked.
func (t *TokenService) Revoke(ctx context.Context, raw string) (bool, error) {
	_, flipped, err := t.RevokeSession(ctx, raw)
	return flipped, err
}

// RevokeSession is Revoke that also reports the owner of the session when it
// was still active.
func (t *TokenService) RevokeSession(ctx context.Context, raw string) (string, bool, error) {
	if raw == "" {
		return "", false, nil
	}
	hash, now := HashToken(raw), t.now()
	var userID string
	sess, err := t.sessions.FindActive(ctx, hash, now)
	switch {
	case err == nil:
		userID = sess.UserID
	case !errors.Is(err, ErrSessionNotFound):
		return "", false, err
	}
	flipped, err := t.sessions.Revoke(ctx, hash, now)
	if err != nil || !flipped {
		return "", false, err
	}
	return userID, true, nil
}

// RevokeAll revokes every active session of userID.
func (t *TokenService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	return t.sessions.RevokeAll(ctx, userID, t.now())
}

// Resolve verifies an access token and loads its active subject.
func (t *TokenService) Resolve(ctx context.Context, access string) (*User, error) {
	claims, err := t.codec.Verify(access, KindAccess)
	if err != nil {
		return nil, err
	}
	return t.loadSubject(ctx, claims.Subject)
}

// SessionStats counts the stored sessions of userID.
func (t *TokenService) SessionStats(ctx context.Context, userID string) (SessionStats, error) {
	return t.sessions.Stats(ctx, userID, t.now())
}

// PurgeExpired deletes sessions whose expiry has passed.
func (t *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	return t.sessions.PurgeExpired(ctx, t.now())
}

func (t *TokenService) loadSubject(ctx context.Context, userID string) (*User, error) {
	user, err := t.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrSubjectNotFound)
		}
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrInactiveSubject)
	}
	return user, nil
}
