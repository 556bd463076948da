package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"pwacache/internal/bootstrap/config"
	"pwacache/internal/bootstrap/logging"
	"pwacache/internal/errs"
)

const defaultBusyTimeout = 5 * time.Second

// Open connects the cache database. SQLite is the only supported driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.database")

	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "sqlite3":
		return openSQLite(logCtx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig) (*gorm.DB, error) {
	dir, err := sqliteDirectory(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrapf(err, "create sqlite directory %q", dir)
		}
	}

	db, err := gorm.Open(gormsqlite.Open(cfg.DSN), &gorm.Config{
		Logger: newGormLogger(cfg.SlowQuery),
	})
	if err != nil {
		return nil, errs.Wrap(err, "open sqlite db")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errs.Wrap(err, "get sql db")
	}
	// One writer keeps namespace transactions from failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragma := fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())
	if err := db.WithContext(ctx).Exec(pragma).Error; err != nil {
		_ = sqlDB.Close()
		return nil, errs.Wrap(err, "set sqlite busy timeout")
	}

	logging.Info(ctx, "database opened",
		slog.String("driver", "sqlite"),
		slog.String("dsn", cfg.DSN),
		slog.Duration("busy_timeout", busy),
	)
	return db, nil
}

// sqliteDirectory returns the directory that must exist before the DSN can be
// opened, or "" for in-memory and relative-to-cwd databases.
func sqliteDirectory(dsn string) (string, error) {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" {
		return "", errors.New("sqlite dsn is empty")
	}
	if candidate == ":memory:" || strings.Contains(candidate, "mode=memory") {
		return "", nil
	}
	if len(candidate) > 5 && strings.EqualFold(candidate[:5], "file:") {
		candidate = candidate[5:]
	}
	if idx := strings.IndexByte(candidate, '?'); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "." {
		return "", nil
	}
	return dir, nil
}
