package grpcserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"disasterRelief/internal/auth"
	"disasterRelief/internal/config"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// Pinger reports whether the record store is reachable.
type Pinger func(ctx context.Context) error

type Server struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
	ping   Pinger
	every  time.Duration
	log    *slog.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

// StartGRPC starts the gRPC server on cfg.GRPC.Address. It serves the standard
// health service, SERVING while ping succeeds, behind the JWT interceptor
// with the health check allow-listed.
func StartGRPC(cfg *config.Config, ping Pinger, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		panic("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr := cfg.GRPC.Address
	if addr == "" {
		addr = ":50051"
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	// Plaintext; TLS is terminated in front of the service.
	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.NewUnaryAuthInterceptor(cfg.Auth.JWTSecret, healthCheckMethod)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{srv: srv, health: hs, lis: lis, ping: ping, every: 10 * time.Second, log: logger, stop: cancel, done: make(chan struct{})}
	s.check(ctx)
	go s.watch(ctx)

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) watch(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.check(ctx)
		}
	}
}

func (s *Server) check(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ping != nil {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := s.ping(pctx)
		cancel()
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.log.Warn("store ping failed", "error", err)
		}
	}
	s.health.SetServingStatus("", st)
}

// Shutdown stops the server gracefully, or forcibly once ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	<-s.done
	s.health.Shutdown()
	done := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		return ctx.Err()
	}
}
