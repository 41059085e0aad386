package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// pingStore is a ledger store that can report reachability.
type pingStore interface {
	ledger.Store
	Ping(ctx context.Context) error
}

// backend bundles the store with the handles needed to migrate and close it.
// pool is set whenever the database is Postgres, since river always runs on pgx.
type backend struct {
	store   pingStore
	pool    *pgxpool.Pool
	gormDB  *gorm.DB
	closers []func()
}

func (b *backend) Close() {
	for index := len(b.closers) - 1; index >= 0; index-- {
		b.closers[index]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (*backend, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	opened := &backend{}
	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		opened.pool = pool
		opened.closers = append(opened.closers, pool.Close)
	}

	switch cfg.ResolvedStoreBackend() {
	case config.StorePGX:
		opened.store = pgstore.New(opened.pool)
	case config.StoreGORM:
		gormDB, err := openGorm(driver, cfg.DatabaseURL, sqlitePath)
		if err != nil {
			opened.Close()
			return nil, fmt.Errorf("database open: %w", err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			opened.Close()
			return nil, fmt.Errorf("database open: %w", err)
		}
		if driver == driverSQLite {
			// SQLite allows one writer; a single connection keeps transactions from failing with SQLITE_BUSY.
			sqlDB.SetMaxOpenConns(1)
		}
		opened.gormDB = gormDB
		opened.closers = append(opened.closers, func() { _ = sqlDB.Close() })
		opened.store = gormstore.New(gormDB)
	default:
		opened.Close()
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	log.Info("database opened",
		zap.String("driver", driver),
		zap.String("store", cfg.ResolvedStoreBackend()),
	)
	return opened, nil
}

// migrate creates the ledger tables, then runs migrateRiver when it is non-nil.
func (b *backend) migrate(ctx context.Context, migrateRiver func(context.Context, *pgxpool.Pool) error) error {
	if b.gormDB != nil {
		if err := gormstore.Migrate(ctx, b.gormDB); err != nil {
			return err
		}
	} else if err := pgstore.EnsureSchema(ctx, b.pool); err != nil {
		return err
	}
	if migrateRiver != nil {
		if b.pool == nil {
			return fmt.Errorf("river requires postgres")
		}
		return migrateRiver(ctx, b.pool)
	}
	return nil
}

func openGorm(driver string, dsn string, sqlitePath string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case driverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		return gorm.Open(sqlite.Open(sqlitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), cfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func resolveDriver(dsn string) (string, string, error) {
	if config.IsPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
