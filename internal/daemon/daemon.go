// Package daemon assembles and runs the tokenledger server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/grpchealth"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/jobs"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Clock returns the current unix time in seconds.
func Clock() int64 {
	return time.Now().UTC().Unix()
}

// Run serves HTTP, gRPC health and the reservation sweeper until ctx ends.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config(cfg.Telemetry))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := shutdownTelemetry(shutdownCtx); shutdownErr != nil {
			logger.Warn("telemetry shutdown error", zap.Error(shutdownErr))
		}
	}()

	opened, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer opened.Close()
	if err := opened.migrate(ctx, riverMigration(cfg)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	service, err := NewService(opened.store, cfg, logger)
	if err != nil {
		return err
	}

	httpConfig := httpapi.Config{AllowedOrigins: cfg.AllowedOrigins, RequestTimeout: cfg.RequestTimeout}
	if cfg.AuthEnabled() {
		httpConfig.JWTSigningKey = cfg.JWTSigningKey
		httpConfig.JWTIssuer = cfg.JWTIssuer
	} else {
		logger.Warn("bearer auth disabled; /v1 accepts unauthenticated requests")
	}
	router, err := httpapi.NewRouter(httpConfig, service, logger)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthServer, err := grpchealth.NewServer(opened.store, cfg.HealthInterval, logger)
	if err != nil {
		return err
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.HTTPListenAddr))
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return healthServer.Serve(groupCtx, grpcListener)
	})
	group.Go(func() error {
		return runSweeper(groupCtx, cfg, opened, service, logger)
	})
	return group.Wait()
}

// NewService builds the accounting facade with zap and metrics operation loggers.
func NewService(store ledger.Store, cfg config.Config, logger *zap.Logger) (*ledger.Service, error) {
	metrics, err := telemetry.NewMetrics(otel.Meter(telemetry.MeterName))
	if err != nil {
		return nil, fmt.Errorf("metrics init: %w", err)
	}
	service, err := ledger.NewService(store, Clock,
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithOperationLogger(metrics),
		ledger.WithLeaseTTL(cfg.LeaseTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}

func riverMigration(cfg config.Config) func(context.Context, *pgxpool.Pool) error {
	if !cfg.UseRiver {
		return nil
	}
	return jobs.MigrateRiver
}

func runSweeper(ctx context.Context, cfg config.Config, opened *backend, service *ledger.Service, logger *zap.Logger) error {
	if cfg.LeaseTTL <= 0 {
		logger.Info("reservation leases disabled; sweeper not started")
		return nil
	}
	if !cfg.UseRiver {
		logger.Info("reservation sweeper starting", zap.String("mode", "ticker"), zap.Duration("interval", cfg.SweepInterval))
		return jobs.RunTicker(ctx, service, cfg.SweepInterval, cfg.SweepBatchSize, logger)
	}
	client, err := jobs.NewRiverClient(opened.pool, service, jobs.RiverConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("reservation sweeper starting", zap.String("mode", "river"), zap.Duration("interval", cfg.SweepInterval))
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return client.Stop(stopCtx)
}

// Migrate creates or updates the ledger schema (and river's tables when enabled) and exits.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	opened, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer opened.Close()
	if err := opened.migrate(ctx, riverMigration(cfg)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date", zap.Bool("river", cfg.UseRiver))
	return nil
}

// Sweep refunds every charge whose lease has expired, then exits.
func Sweep(ctx context.Context, cfg config.Config, logger *zap.Logger) (ledger.ReclaimReport, error) {
	if err := cfg.Validate(); err != nil {
		return ledger.ReclaimReport{}, err
	}
	opened, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return ledger.ReclaimReport{}, err
	}
	defer opened.Close()
	service, err := NewService(opened.store, cfg, logger)
	if err != nil {
		return ledger.ReclaimReport{}, err
	}
	return jobs.Drain(ctx, service, cfg.SweepBatchSize)
}
