// Package probe exposes the standard gRPC health service for orchestrators.
package probe

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "companion.v1.Orchestrator"

// Checker reports whether a dependency is usable.
type Checker interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1 and tracks a dependency's health.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	checker Checker
}

// New creates a probe server. The status starts as NOT_SERVING until the
// first successful check.
func New(checker Checker) *Server {
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, checker: checker}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("Health probe listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Check pings the dependency once and updates the reported status.
func (s *Server) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.checker.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
}

// Watch runs Check immediately and then on every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) error {
	s.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Stop marks the service as shutting down and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
