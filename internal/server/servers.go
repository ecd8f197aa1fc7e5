package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the gRPC health service reported by the process.
const HealthServiceName = "ojs.recovery.v1.Recovery"

// Servers runs the HTTP endpoints and the gRPC health service.
type Servers struct {
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	cfg    ServerConfig
	log    *slog.Logger

	errc chan error
}

// NewServers creates the servers. Nothing listens until Start.
func NewServers(cfg ServerConfig, router http.Handler, log *slog.Logger) *Servers {
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)
	healthSrv.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Servers{
		http:   &http.Server{Addr: ":" + cfg.Port, Handler: router},
		grpc:   grpcServer,
		health: healthSrv,
		cfg:    cfg,
		log:    log.With("component", "server"),
		errc:   make(chan error, 2),
	}
}

// Start binds both listeners and serves in the background. Serve failures
// are reported on Errors.
func (s *Servers) Start() error {
	httpLis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.http.Addr)
	}
	grpcLis, err := net.Listen("tcp", ":"+s.cfg.GRPCPort)
	if err != nil {
		_ = httpLis.Close()
		return errors.Wrapf(err, "listen on :%s", s.cfg.GRPCPort)
	}

	go func() {
		s.log.Info("health server listening", "port", s.cfg.Port)
		if err := s.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- errors.Wrap(err, "http server")
		}
	}()
	go func() {
		s.log.Info("gRPC health server listening", "port", s.cfg.GRPCPort)
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.errc <- errors.Wrap(err, "gRPC server")
		}
	}()
	return nil
}

// Errors delivers serve failures.
func (s *Servers) Errors() <-chan error { return s.errc }

// SetServing flips the gRPC health status of the recovery service.
func (s *Servers) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthServiceName, status)
}

// Shutdown stops both servers.
func (s *Servers) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	return s.http.Shutdown(ctx)
}
