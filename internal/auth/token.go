package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind distinguishes access tokens from refresh tokens.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

// MinSecretLength is the shortest HMAC secret the codec accepts.
const MinSecretLength = 32

// Claims is the payload carried by every issued token.
type Claims struct {
	TokenType TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 tokens with a process-wide secret.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec builds a codec. A nil clock defaults to time.Now.
func NewCodec(secret []byte, issuer string, now func() time.Time) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", MinSecretLength)
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: token issuer is required")
	}
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{secret: key, issuer: issuer, now: now}, nil
}

// Issue signs a token of the given kind for subjectID and returns it with its expiry.
// Every token carries a random jti so two tokens minted in the same second differ.
func (c *Codec) Issue(subjectID string, kind TokenKind, ttl time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subjectID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if kind != KindAccess && kind != KindRefresh {
		return "", time.Time{}, fmt.Errorf("%w: unknown token kind %q", ErrInvalidInput, kind)
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: token ttl must be positive", ErrInvalidInput)
	}
	now := c.now().UTC()
	claims := Claims{
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    c.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, algorithm, issuer, expiry and kind. Every failure
// wraps ErrInvalidToken; the specific sentinel is available via errors.Is.
func (c *Codec) Verify(raw string, expected TokenKind) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(c.issuer),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrTokenSignature, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
		}
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	if claims.TokenType != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrTokenWrongKind, claims.TokenType, expected)
	}
	return claims, nil
}
