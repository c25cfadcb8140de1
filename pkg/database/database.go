package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyber-range/engine/pkg/logger"
	"github.com/cyber-range/engine/pkg/retry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open opens a Gorm connection for the given driver with retry and sane pooling defaults.
// SQLite is limited to a single open connection so writers never race on the file lock.
func Open(ctx context.Context, driver, dsn, appEnv string) (*gorm.DB, error) {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}

	logLevel := gormlogger.Silent
	if appEnv == "development" || appEnv == "test" {
		logLevel = gormlogger.Warn
	}

	var db *gorm.DB
	policy := retry.Policy{
		Attempts: 5,
		Backoff:  500 * time.Millisecond,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.L().Warn("database open failed, retrying",
				zap.String("driver", driver), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		},
	}
	err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var openErr error
		db, openErr = gorm.Open(dialector, &gorm.Config{
			Logger: gormLogger{zap: logger.L(), level: logLevel},
		})
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("open %s failed after retries: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db db() error: %w", err)
	}

	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(25)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Ping(ctx, db); err != nil {
		return nil, err
	}

	return db, nil
}

// Ping checks the connection with a short deadline.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db db() error: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctxPing); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSQLite:
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		return sqlite.Open(dsn + "?_busy_timeout=5000&_foreign_keys=on"), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
