// Package grpcapi authenticates gRPC calls with the same access tokens the
// HTTP API accepts.
package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"cvflow.org/internal/auth"
	"cvflow.org/internal/obs"
)

var (
	ErrMissingMetadata    = errors.New("missing metadata")
	ErrMissingToken       = errors.New("missing authentication token")
	ErrInvalidTokenFormat = errors.New("invalid token format")
)

// Authenticator is the slice of auth.Service the interceptor needs.
type Authenticator interface {
	CurrentSubject(ctx context.Context, access string) (*auth.User, error)
	Authorize(ctx context.Context, user *auth.User, c auth.Capability) error
}

// Config holds interceptor configuration.
type Config struct {
	// MetadataKey is the metadata key carrying the token (default "authorization").
	MetadataKey string
	// TokenPrefix is stripped case-insensitively (default "bearer ").
	TokenPrefix string
	// SkipMethods are full method names that bypass authentication.
	SkipMethods []string
	// Required maps full method names to the capability a caller must hold.
	Required map[string]auth.Capability
}

// DefaultConfig skips the standard health service.
func DefaultConfig() Config {
	return Config{
		MetadataKey: "authorization",
		TokenPrefix: "bearer ",
		SkipMethods: []string{
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
			"/grpc.health.v1.Health/List",
		},
	}
}

// Interceptor handles gRPC authentication and authorization.
type Interceptor struct {
	authn  Authenticator
	config Config
	logger *slog.Logger
}

func NewInterceptor(authn Authenticator, cfg Config) *Interceptor {
	def := DefaultConfig()
	if cfg.MetadataKey == "" {
		cfg.MetadataKey = def.MetadataKey
	}
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = def.TokenPrefix
	}
	if cfg.SkipMethods == nil {
		cfg.SkipMethods = def.SkipMethods
	}
	return &Interceptor{authn: authn, config: cfg, logger: obs.Logger()}
}

// Unary returns the unary server interceptor.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if i.shouldSkip(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := i.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if i.shouldSkip(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := i.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &contextStream{ServerStream: ss, ctx: ctx})
	}
}

func (i *Interceptor) authenticate(ctx context.Context, method string) (context.Context, error) {
	token, err := i.extractToken(ctx)
	if err != nil {
		return ctx, toStatus(err)
	}
	user, err := i.authn.CurrentSubject(ctx, token)
	if err != nil {
		i.logger.Warn("grpc_auth_rejected", "method", method, "reason", err.Error())
		return ctx, toStatus(err)
	}
	if c, ok := i.config.Required[method]; ok {
		if err := i.authn.Authorize(ctx, user, c); err != nil {
			return ctx, toStatus(err)
		}
	}
	ctx = auth.ContextWithUser(ctx, user)
	ctx = auth.ContextWithToken(ctx, token)
	return ctx, nil
}

func (i *Interceptor) extractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrMissingMetadata
	}
	values := md.Get(i.config.MetadataKey)
	if len(values) == 0 {
		return "", ErrMissingToken
	}
	value := strings.TrimSpace(values[0])
	prefix := i.config.TokenPrefix
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", ErrInvalidTokenFormat
	}
	token := strings.TrimSpace(value[len(prefix):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func (i *Interceptor) shouldSkip(fullMethod string) bool {
	for _, m := range i.config.SkipMethods {
		if fullMethod == m {
			return true
		}
	}
	return false
}

type contextStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *contextStream) Context() context.Context {
	return s.ctx
}

// toStatus collapses auth errors into gRPC status codes.
func toStatus(err error) error {
	var denied *auth.PermissionDeniedError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMissingMetadata), errors.Is(err, ErrMissingToken):
		return status.Error(codes.Unauthenticated, "missing authentication token")
	case errors.Is(err, ErrInvalidTokenFormat):
		return status.Error(codes.Unauthenticated, "invalid token format")
	case auth.IsUnauthenticated(err):
		return status.Error(codes.Unauthenticated, "authentication failed")
	case errors.As(err, &denied):
		return status.Errorf(codes.PermissionDenied, "permission denied: %s", denied.Capability)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
