package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/daemon"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL     = "database-url"
	flagStore           = "store"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagJWTSigningKey   = "jwt-signing-key"
	flagJWTIssuer       = "jwt-issuer"
	flagLeaseTTL        = "lease-ttl"
	flagSweepInterval   = "sweep-interval"
	flagSweepBatchSize  = "sweep-batch-size"
	flagHealthInterval  = "health-interval"
	flagRequestTimeout  = "request-timeout"
	flagShutdownTimeout = "shutdown-timeout"
	flagRiver           = "river"
	flagOTLPEnabled     = "otlp-enabled"
	flagOTLPEndpoint    = "otlp-endpoint"
	flagOTLPInsecure    = "otlp-insecure"
	flagServiceVersion  = "service-version"
	flagEnvFile         = "env-file"
	envPrefix           = "TOKENLEDGER"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tokenledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "tokenledgerd",
		Short:         "Token accounting service for metered operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(func(logger *zap.Logger) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return daemon.Run(ctx, *cfg, logger)
			})
		},
	}

	defaults := config.Default()
	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, ".env", "optional dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, defaults.DatabaseURL, "PostgreSQL URL or SQLite path")
	flags.String(flagStore, defaults.StoreBackend, "store backend: auto, gorm or pgx")
	flags.String(flagHTTPListenAddr, defaults.HTTPListenAddr, "HTTP listen address")
	flags.String(flagGRPCListenAddr, defaults.GRPCListenAddr, "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "HS256 key for service bearer tokens; empty disables auth")
	flags.String(flagJWTIssuer, "", "expected bearer token issuer")
	flags.Duration(flagLeaseTTL, defaults.LeaseTTL, "how long a charge may stay pending before it is refunded; 0 disables")
	flags.Duration(flagSweepInterval, defaults.SweepInterval, "interval between expired-lease sweeps")
	flags.Int(flagSweepBatchSize, defaults.SweepBatchSize, "charges refunded per sweep batch")
	flags.Duration(flagHealthInterval, defaults.HealthInterval, "interval between store health checks")
	flags.Duration(flagRequestTimeout, defaults.RequestTimeout, "per-request ledger timeout")
	flags.Duration(flagShutdownTimeout, defaults.ShutdownTimeout, "graceful shutdown timeout")
	flags.Bool(flagRiver, false, "run the sweeper as a river periodic job (Postgres only)")
	flags.Bool(flagOTLPEnabled, false, "export traces and metrics over OTLP/HTTP")
	flags.String(flagOTLPEndpoint, "", "OTLP/HTTP endpoint host:port")
	flags.Bool(flagOTLPInsecure, false, "disable TLS for the OTLP endpoint")
	flags.String(flagServiceVersion, defaults.Telemetry.ServiceVersion, "service version reported to telemetry")

	cmd.AddCommand(newMigrateCommand(cfg), newSweepCommand(cfg))
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(func(logger *zap.Logger) error {
				return daemon.Migrate(cmd.Context(), *cfg, logger)
			})
		},
	}
}

func newSweepCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refund every charge whose lease has expired and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(func(logger *zap.Logger) error {
				report, err := daemon.Sweep(cmd.Context(), *cfg, logger)
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d refunded=%d skipped=%d failed=%d\n",
					report.Scanned, report.Refunded, report.Skipped, report.Failed)
				return err
			})
		},
	}
}

func withLogger(run func(logger *zap.Logger) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	return run(logger)
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	envFile, err := flags.GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var bindErr error
	flags.VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStore))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.LeaseTTL = v.GetDuration(flagLeaseTTL)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.SweepBatchSize = v.GetInt(flagSweepBatchSize)
	cfg.HealthInterval = v.GetDuration(flagHealthInterval)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	cfg.UseRiver = v.GetBool(flagRiver)
	cfg.Telemetry.Enabled = v.GetBool(flagOTLPEnabled)
	cfg.Telemetry.Endpoint = strings.TrimSpace(v.GetString(flagOTLPEndpoint))
	cfg.Telemetry.Insecure = v.GetBool(flagOTLPInsecure)
	cfg.Telemetry.ServiceVersion = strings.TrimSpace(v.GetString(flagServiceVersion))

	return cfg.Validate()
}

// loadEnvFile applies a dotenv file without overriding variables already set. A missing file is fine.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
