// Package grpchealth serves the standard gRPC health service for the ledger daemon.
package grpchealth

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "tokenledger.v1.Ledger"

const defaultPingTimeout = 2 * time.Second

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server publishes SERVING while the store answers pings and NOT_SERVING otherwise.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	pinger       Pinger
	interval     time.Duration
	logger       *zap.Logger
}

// NewServer registers the health service on a fresh grpc.Server.
func NewServer(pinger Pinger, interval time.Duration, logger *zap.Logger) (*Server, error) {
	if pinger == nil {
		return nil, errors.New("grpchealth: pinger is required")
	}
	if interval <= 0 {
		return nil, errors.New("grpchealth: interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		pinger:       pinger,
		interval:     interval,
		logger:       logger,
	}, nil
}

// Check pings the store once and updates the published status.
func (server *Server) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := server.pinger.Ping(pingCtx); err != nil {
		server.logger.Warn("store ping failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.healthServer.SetServingStatus("", status)
	server.healthServer.SetServingStatus(ServiceName, status)
	return status
}

// Serve accepts connections on listener and re-checks the store every interval until ctx ends.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Check(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.healthServer.Shutdown()
			server.grpcServer.GracefulStop()
			if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		case serveErr := <-errCh:
			if errors.Is(serveErr, grpc.ErrServerStopped) {
				return nil
			}
			return serveErr
		case <-ticker.C:
			server.Check(ctx)
		}
	}
}
