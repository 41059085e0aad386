package config

import (
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(test *testing.T) {
	cfg := Default()
	require.NoError(test, cfg.Validate())
	assert.Equal(test, defaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(test, defaultHTTPListenAddr, cfg.HTTPListenAddr)
	assert.Equal(test, defaultGRPCListenAddr, cfg.GRPCListenAddr)
	assert.Equal(test, ledger.DefaultLeaseTTL, cfg.LeaseTTL)
	assert.Equal(test, time.Minute, cfg.SweepInterval)
	assert.Equal(test, 100, cfg.SweepBatchSize)
	assert.Equal(test, "tokenledger", cfg.Telemetry.ServiceName)
	assert.False(test, cfg.AuthEnabled())
}

func TestValidate(test *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(cfg *Config) {}},
		{name: "lease disabled", mutate: func(cfg *Config) { cfg.LeaseTTL = 0 }},
		{name: "negative lease", mutate: func(cfg *Config) { cfg.LeaseTTL = -time.Second }, wantErr: true},
		{name: "sub-second lease", mutate: func(cfg *Config) { cfg.LeaseTTL = 500 * time.Millisecond }, wantErr: true},
		{name: "negative batch", mutate: func(cfg *Config) { cfg.SweepBatchSize = -1 }, wantErr: true},
		{name: "signing key without issuer", mutate: func(cfg *Config) { cfg.JWTSigningKey = "secret" }, wantErr: true},
		{
			name: "signing key with issuer",
			mutate: func(cfg *Config) {
				cfg.JWTSigningKey = "secret"
				cfg.JWTIssuer = "billing"
			},
		},
		{name: "river on sqlite", mutate: func(cfg *Config) { cfg.UseRiver = true }, wantErr: true},
		{
			name: "river on postgres",
			mutate: func(cfg *Config) {
				cfg.UseRiver = true
				cfg.DatabaseURL = "postgres://ledger@localhost/ledger"
			},
		},
		{name: "pgx on sqlite", mutate: func(cfg *Config) { cfg.StoreBackend = StorePGX }, wantErr: true},
		{name: "unknown backend", mutate: func(cfg *Config) { cfg.StoreBackend = "mongo" }, wantErr: true},
		{name: "gorm on sqlite", mutate: func(cfg *Config) { cfg.StoreBackend = "GORM" }},
		{name: "telemetry without endpoint", mutate: func(cfg *Config) { cfg.Telemetry.Enabled = true }, wantErr: true},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			cfg := Default()
			testCase.mutate(&cfg)
			err := cfg.Validate()
			if testCase.wantErr {
				assert.Error(test, err)
				return
			}
			assert.NoError(test, err)
		})
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	assert.Equal(test, []string{}, ParseAllowedOrigins("  "))
	assert.Equal(test, []string{"http://a.test", "http://b.test"}, ParseAllowedOrigins(" http://a.test ,, http://b.test "))
}

func TestIsPostgresURL(test *testing.T) {
	assert.True(test, IsPostgresURL("postgres://x"))
	assert.True(test, IsPostgresURL("postgresql://x"))
	assert.False(test, IsPostgresURL("sqlite:///tmp/ledger.db"))
	assert.False(test, IsPostgresURL("/tmp/ledger.db"))
}

func TestResolvedStoreBackend(test *testing.T) {
	testCases := []struct {
		databaseURL string
		backend     string
		want        string
	}{
		{databaseURL: "sqlite:///tmp/a.db", backend: StoreAuto, want: StoreGORM},
		{databaseURL: "postgres://db/ledger", backend: StoreAuto, want: StorePGX},
		{databaseURL: "postgres://db/ledger", backend: StoreGORM, want: StoreGORM},
	}
	for _, testCase := range testCases {
		cfg := Config{DatabaseURL: testCase.databaseURL, StoreBackend: testCase.backend}
		require.NoError(test, cfg.Validate())
		assert.Equal(test, testCase.want, cfg.ResolvedStoreBackend(), testCase.databaseURL)
	}
}

func TestAuthEnabledFollowsSigningKey(test *testing.T) {
	cfg := Default()
	assert.False(test, cfg.AuthEnabled())
	cfg.JWTSigningKey = "secret"
	assert.True(test, cfg.AuthEnabled())
	assert.Error(test, cfg.Validate())
	cfg.JWTIssuer = "billing"
	assert.NoError(test, cfg.Validate())
}
