package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/soaringjerry/NormLab/internal/config"
	dbstore "github.com/soaringjerry/NormLab/internal/db"
)

// loadConfig runs the shared startup: .env preload, settings, logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	boot := config.NewLogger("info", os.Stderr)
	if err := config.LoadDotEnv(boot); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := config.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore opens the SQLite file, creating its directory, and applies pending migrations.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dbstore.SQLiteStore, *sql.DB, error) {
	if cfg.SQLitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	sqlDB, err := dbstore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	if err := dbstore.RunMigrations(ctx, sqlDB, cfg.MigrationsDir); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	store, err := dbstore.NewSQLiteStore(sqlDB, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("init sqlite store: %w", err)
	}
	return store, sqlDB, nil
}

func closeDB(sqlDB *sql.DB, logger *slog.Logger) {
	if err := sqlDB.Close(); err != nil {
		logger.Warn("close sqlite failed", "err", err)
	}
}
