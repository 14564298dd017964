// Package health exposes the standard gRPC health service. Each exchange
// breaker is published as its own service name, and the overall ("")
// status is SERVING only while no breaker is open.
package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/breaker"
)

// Source reports a breaker's current state.
type Source interface {
	Name() string
	State() breaker.State
}

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpc    *grpc.Server
	health  *grpchealth.Server
	sources []Source
	every   time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// New registers the health service. every is the breaker polling interval.
func New(sources []Source, every time.Duration, logger *zap.Logger) *Server {
	if every <= 0 {
		every = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := grpc.NewServer()
	h := grpchealth.NewServer()
	healthpb.RegisterHealthServer(g, h)

	s := &Server{
		grpc:    g,
		health:  h,
		sources: sources,
		every:   every,
		logger:  logger.Named("health"),
		last:    make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	s.Sync()
	return s
}

func servingStatus(st breaker.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == breaker.StateOpen {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Sync copies every breaker's state into the health service.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for _, src := range s.sources {
		st := servingStatus(src.State())
		if st != healthpb.HealthCheckResponse_SERVING {
			overall = st
		}
		s.setLocked(src.Name(), st)
	}
	s.setLocked("", overall)
}

func (s *Server) setLocked(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.last[service]; ok && prev == st {
		return
	}
	s.last[service] = st
	s.health.SetServingStatus(service, st)
	if service != "" {
		s.logger.Info("health status changed", zap.String("service", service), zap.String("status", st.String()))
	}
}

// Serve listens on addr and syncs breaker state until ctx ends or Stop.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go s.watch(ctx)
	s.logger.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Stop marks everything NOT_SERVING and drains in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
