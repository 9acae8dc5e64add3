package walletd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/walletsync/internal/entitlement"
	"github.com/MarkoPoloResearchLab/walletsync/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/walletsync/internal/store/pgstore"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// openStore returns the entitlement store selected by the database url and store driver.
func openStore(ctx context.Context, cfg Config, logger *zap.Logger) (entitlement.Store, func(), error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case driver == driverSQLite:
		db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store := gormstore.New(db)
		if err := store.AutoMigrate(ctx); err != nil {
			closeGorm(db, logger)
			return nil, nil, err
		}
		logger.Info("entitlement store ready", zap.String("driver", driverSQLite), zap.String("path", sqlitePath))
		return store, func() { closeGorm(db, logger) }, nil
	case cfg.StoreDriver == StoreDriverGORM:
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse database url: %w", err)
		}
		if err := pgstore.Migrate(poolConfig, logger); err != nil {
			return nil, nil, err
		}
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("entitlement store ready", zap.String("driver", driverPostgres), zap.String("store", StoreDriverGORM))
		return gormstore.New(db), func() { closeGorm(db, logger) }, nil
	default:
		pool, err := pgstore.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("entitlement store ready", zap.String("driver", driverPostgres), zap.String("store", StoreDriverPGX))
		return pgstore.New(pool), pool.Close, nil
	}
}

func closeGorm(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Warn("database handle unavailable", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
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
			path = "walletsync.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
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
