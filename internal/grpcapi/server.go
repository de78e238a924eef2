package grpcapi

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is reported by the health service alongside the overall status.
const ServiceName = "cvflow.auth"

// NewServer builds a gRPC server whose calls are authenticated by authn and
// registers the standard health service. The returned health server lets the
// caller flip serving status during shutdown.
func NewServer(authn Authenticator, cfg Config, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	ic := NewInterceptor(authn, cfg)
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(ic.Unary()),
		grpc.ChainStreamInterceptor(ic.Stream()),
	}, opts...)
	srv := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}
