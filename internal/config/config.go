// Package config holds the daemon's runtime settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/tokenledger.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultSweepInterval   = time.Minute
	defaultSweepBatchSize  = 100
	defaultHealthInterval  = 10 * time.Second
	defaultRequestTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultServiceName     = "tokenledger"
	defaultServiceVersion  = "dev"

	// StoreAuto picks pgx for Postgres URLs and GORM for SQLite.
	StoreAuto = "auto"
	StoreGORM = "gorm"
	StorePGX  = "pgx"
)

// Config aggregates runtime settings for the daemon.
type Config struct {
	DatabaseURL     string
	StoreBackend    string
	HTTPListenAddr  string
	GRPCListenAddr  string
	AllowedOrigins  []string
	JWTSigningKey   string
	JWTIssuer       string
	LeaseTTL        time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
	HealthInterval  time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	UseRiver        bool
	Telemetry       TelemetryConfig
}

// TelemetryConfig enables OTLP export.
type TelemetryConfig struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
}

// Default returns a Config with every default applied.
func Default() Config {
	cfg := Config{LeaseTTL: ledger.DefaultLeaseTTL}
	cfg.applyDefaults()
	return cfg
}

// Validate fills defaults and checks that the configuration is usable.
// A zero LeaseTTL disables leases; a negative one is rejected.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if cfg.LeaseTTL < 0 {
		return fmt.Errorf("lease ttl must not be negative")
	}
	if cfg.LeaseTTL > 0 && cfg.LeaseTTL < time.Second {
		return fmt.Errorf("lease ttl must be at least 1s")
	}
	switch cfg.StoreBackend {
	case StoreAuto, StoreGORM:
	case StorePGX:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("pgx store requires a postgres database url")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive")
	}
	if cfg.AuthEnabled() && strings.TrimSpace(cfg.JWTIssuer) == "" {
		return fmt.Errorf("jwt issuer is required when a signing key is set")
	}
	if cfg.UseRiver && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("river sweeper requires a postgres database url")
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("otlp endpoint is required when telemetry is enabled")
	}
	return nil
}

// AuthEnabled reports whether /v1 requires a bearer token.
func (cfg Config) AuthEnabled() bool {
	return cfg.JWTSigningKey != ""
}

func (cfg *Config) applyDefaults() {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreAuto))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.Telemetry.ServiceName = defaultIfEmpty(cfg.Telemetry.ServiceName, defaultServiceName)
	cfg.Telemetry.ServiceVersion = defaultIfEmpty(cfg.Telemetry.ServiceVersion, defaultServiceVersion)
}

// ResolvedStoreBackend turns StoreAuto into the concrete backend for DatabaseURL.
func (cfg Config) ResolvedStoreBackend() string {
	if cfg.StoreBackend != StoreAuto && cfg.StoreBackend != "" {
		return cfg.StoreBackend
	}
	if IsPostgresURL(cfg.DatabaseURL) {
		return StorePGX
	}
	return StoreGORM
}

// IsPostgresURL reports whether dsn selects the Postgres driver.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
