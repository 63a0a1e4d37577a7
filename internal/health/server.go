// Package health exposes the standard gRPC health service. Its serving
// status follows a periodic database probe.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported by the health server.
const ServiceName = "tutor.chat"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	server       *grpc.Server
	health       *health.Server
	pinger       Pinger
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates a health server. The service starts as SERVING.
func NewServer(pinger Pinger, probeTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	s := &Server{
		server:       grpc.NewServer(),
		health:       health.NewServer(),
		pinger:       pinger,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
	s.setStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	return s
}

func (s *Server) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Probe pings the dependency once and publishes the result.
func (s *Server) Probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("Health probe failed", "error", err)
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.setStatus(status)
	return status
}

// StartProbing probes every interval until ctx ends.
func (s *Server) StartProbing(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Probe(ctx)
			}
		}
	}()
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String(), "service", ServiceName)
	return s.server.Serve(lis)
}

// ListenAndServe listens on the given TCP port and serves.
func (s *Server) ListenAndServe(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("listen on grpc port %s: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop marks the service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
