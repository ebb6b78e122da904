package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"Narrato/config"
	"Narrato/logger"

	"github.com/go-sql-driver/mysql"
)

// buildDSN renders the connection string through the driver's own config type.
func buildDSN(cfg *config.Config, withDB bool) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%s", cfg.DBHost, cfg.DBPort)
	if withDB {
		mc.DBName = cfg.DBName
	}
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// EnsureDatabase creates the configured schema if it does not exist yet.
// It connects without selecting a database, so it can run before ConnectGormDB.
func EnsureDatabase(ctx context.Context, cfg *config.Config) error {
	conn, err := sql.Open("mysql", buildDSN(cfg, false))
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.DBName)
	if _, err := conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create database %s: %w", cfg.DBName, err)
	}
	logger.Info("Database ensured", logger.String("database", cfg.DBName))
	return nil
}
