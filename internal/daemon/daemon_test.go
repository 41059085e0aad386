package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveDriver(test *testing.T) {
	dir := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/ledger", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/ledger", wantDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a", "ledger.db"), wantDriver: driverSQLite, wantPath: filepath.Join(dir, "a", "ledger.db")},
		{name: "plain path", dsn: filepath.Join(dir, "b.db"), wantDriver: driverSQLite, wantPath: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: ":memory:", wantDriver: driverSQLite, wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			driver, path, err := resolveDriver(testCase.dsn)
			require.NoError(test, err)
			assert.Equal(test, testCase.wantDriver, driver)
			assert.Equal(test, testCase.wantPath, path)
		})
	}
	assert.DirExists(test, filepath.Join(dir, "a"))
}

func sqliteConfig(test *testing.T) config.Config {
	test.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = "sqlite://" + filepath.Join(test.TempDir(), "ledger.db")
	cfg.LeaseTTL = time.Minute
	require.NoError(test, cfg.Validate())
	return cfg
}

func TestMigrateAndSweepOnSQLite(test *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(test)
	logger := zap.NewNop()
	require.NoError(test, Migrate(ctx, cfg, logger))
	require.NoError(test, Migrate(ctx, cfg, logger))

	opened, err := openBackend(ctx, cfg, logger)
	require.NoError(test, err)
	now := time.Now().Unix() - 3600
	service, err := ledger.NewService(opened.store, func() int64 { return now }, ledger.WithLeaseTTL(time.Minute))
	require.NoError(test, err)
	userID, err := ledger.NewUserID("sweep-user")
	require.NoError(test, err)
	key, err := ledger.NewExternalKey("evt_sweep")
	require.NoError(test, err)
	tokens, err := ledger.NewTokenAmount(30)
	require.NoError(test, err)
	actionKind, err := ledger.NewActionKind("generate_image")
	require.NoError(test, err)
	_, err = service.ApplyTopUp(ctx, key, userID, tokens, ledger.MetadataJSON{})
	require.NoError(test, err)
	_, err = service.Reserve(ctx, userID, tokens, actionKind, ledger.MetadataJSON{})
	require.NoError(test, err)
	opened.Close()

	report, err := Sweep(ctx, cfg, logger)
	require.NoError(test, err)
	assert.Equal(test, 1, report.Refunded)

	reopened, err := openBackend(ctx, cfg, logger)
	require.NoError(test, err)
	defer reopened.Close()
	balance, err := reopened.store.GetBalance(ctx, userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.Tokens(30), balance)
	assert.NoError(test, reopened.store.Ping(ctx))
}

func TestRunRejectsInvalidConfig(test *testing.T) {
	cfg := config.Default()
	cfg.StoreBackend = "mongo"
	assert.Error(test, Run(context.Background(), cfg, zap.NewNop()))
}

func TestRunServesUntilCancelled(test *testing.T) {
	cfg := sqliteConfig(test)
	cfg.HTTPListenAddr = "127.0.0.1:0"
	cfg.GRPCListenAddr = "127.0.0.1:0"
	cfg.SweepInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, zap.NewNop()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(test, err)
	case <-time.After(5 * time.Second):
		test.Fatal("daemon did not stop")
	}
}
