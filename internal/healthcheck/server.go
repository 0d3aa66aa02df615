// Package healthcheck exposes the standard gRPC health service, driven by a
// periodic probe of the chat store.
package healthcheck

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

// ServiceName is the health service name of the chat core.
const ServiceName = "parley.chat"

// Server hosts grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a health server. Every service starts NOT_SERVING until
// the first probe succeeds.
func NewServer() *Server {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs}
	s.SetServing(false)
	return s
}

// SetServing flips the overall and chat service status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Pinger is anything that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StartProber pings target every interval and publishes the result to s.
func StartProber(ctx context.Context, target Pinger, s *Server, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Health prober started", "interval", interval)

		last := probe(ctx, target, s, interval, nil)
		for {
			select {
			case <-ticker.C:
				last = probe(ctx, target, s, interval, last)
			case <-ctx.Done():
				slog.Info("Health prober shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// probe runs one check and logs only on transitions.
func probe(ctx context.Context, target Pinger, s *Server, timeout time.Duration, prev *bool) *bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := target.Ping(pctx)
	ok := err == nil
	s.SetServing(ok)

	if prev == nil || *prev != ok {
		if ok {
			slog.Info("Store healthy")
		} else {
			slog.Error("Store unhealthy", "error", err)
		}
	}
	return &ok
}
