package grpcapi

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"cvflow.org/internal/auth"
)

type fakeAuthn struct {
	users map[string]*auth.User
	err   error
}

func (f *fakeAuthn) CurrentSubject(_ context.Context, token string) (*auth.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[token]
	if !ok {
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidToken, auth.ErrTokenSignature)
	}
	return u, nil
}

func (f *fakeAuthn) Authorize(_ context.Context, user *auth.User, c auth.Capability) error {
	return auth.Authorize(user, c)
}

func newFakeAuthn(t *testing.T) *fakeAuthn {
	t.Helper()
	perms, err := auth.NewPermissionSet("candidates:read")
	require.NoError(t, err)
	return &fakeAuthn{users: map[string]*auth.User{
		"good-token": {
			ID: "u-1", Email: "viewer@cvflow.test", Active: true,
			Role: &auth.Role{Code: "viewer", Active: true, Permissions: perms},
		},
	}}
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func incoming(header string) context.Context {
	if header == "" {
		return context.Background()
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", header))
}

func TestUnaryInterceptor(t *testing.T) {
	ic := NewInterceptor(newFakeAuthn(t), Config{})
	unary := ic.Unary()

	tests := []struct {
		name     string
		header   string
		wantCode codes.Code
	}{
		{name: "valid", header: "Bearer good-token", wantCode: codes.OK},
		{name: "lowercase scheme", header: "bearer good-token", wantCode: codes.OK},
		{name: "missing", header: "", wantCode: codes.Unauthenticated},
		{name: "bad prefix", header: "Token good-token", wantCode: codes.Unauthenticated},
		{name: "empty token", header: "Bearer ", wantCode: codes.Unauthenticated},
		{name: "unknown token", header: "Bearer forged", wantCode: codes.Unauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			_, err := unary(incoming(tt.header), nil, &grpc.UnaryServerInfo{FullMethod: "/cvflow.Candidates/List"},
				func(ctx context.Context, _ any) (any, error) {
					called = true
					u, ok := auth.UserFromContext(ctx)
					require.True(t, ok)
					assert.Equal(t, "u-1", u.ID)
					return nil, nil
				})
			assert.Equal(t, tt.wantCode, status.Code(err))
			assert.Equal(t, tt.wantCode == codes.OK, called)
		})
	}
}

func TestStreamInterceptor(t *testing.T) {
	ic := NewInterceptor(newFakeAuthn(t), Config{})
	stream := ic.Stream()

	err := stream(nil, &mockServerStream{ctx: incoming("Bearer good-token")}, &grpc.StreamServerInfo{FullMethod: "/cvflow.Candidates/Watch"},
		func(_ any, ss grpc.ServerStream) error {
			_, ok := auth.UserFromContext(ss.Context())
			assert.True(t, ok)
			tok, ok := auth.TokenFromContext(ss.Context())
			assert.True(t, ok)
			assert.Equal(t, "good-token", tok)
			return nil
		})
	require.NoError(t, err)

	err = stream(nil, &mockServerStream{ctx: incoming("Bearer forged")}, &grpc.StreamServerInfo{FullMethod: "/cvflow.Candidates/Watch"},
		func(any, grpc.ServerStream) error {
			t.Fatal("handler must not run")
			return nil
		})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestInterceptorRequiredCapability(t *testing.T) {
	ic := NewInterceptor(newFakeAuthn(t), Config{Required: map[string]auth.Capability{
		"/cvflow.Users/Delete":    auth.CapUsersManage,
		"/cvflow.Candidates/List": auth.CapCandidatesRead,
	}})
	unary := ic.Unary()
	ok := func(context.Context, any) (any, error) { return "ok", nil }

	_, err := unary(incoming("Bearer good-token"), nil, &grpc.UnaryServerInfo{FullMethod: "/cvflow.Users/Delete"}, ok)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "users:manage")

	resp, err := unary(incoming("Bearer good-token"), nil, &grpc.UnaryServerInfo{FullMethod: "/cvflow.Candidates/List"}, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestInterceptorSkipsHealth(t *testing.T) {
	ic := NewInterceptor(newFakeAuthn(t), Config{})
	called := false
	_, err := ic.Unary()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(context.Context, any) (any, error) {
			called = true
			return nil, nil
		})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{ErrMissingToken, codes.Unauthenticated},
		{auth.ErrTokenExpired, codes.Unauthenticated},
		{fmt.Errorf("%w: %w", auth.ErrInvalidToken, auth.ErrInactiveSubject), codes.Unauthenticated},
		{&auth.PermissionDeniedError{Capability: auth.CapRolesManage}, codes.PermissionDenied},
		{fmt.Errorf("load subject: %w", context.DeadlineExceeded), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(toStatus(tt.err)), "err=%v", tt.err)
	}
}

func TestInterceptorStoreFailureIsInternal(t *testing.T) {
	ic := NewInterceptor(&fakeAuthn{err: fmt.Errorf("load subject: %w", net.ErrClosed)}, Config{})
	_, err := ic.Unary()(incoming("Bearer good-token"), nil, &grpc.UnaryServerInfo{FullMethod: "/cvflow.Candidates/List"},
		func(context.Context, any) (any, error) { return nil, nil })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestServerHealthBypassesAuth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv, _ := NewServer(newFakeAuthn(t), DefaultConfig())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
