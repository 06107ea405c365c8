package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/logger"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// Connect opens Postgres with a few retries, the database usually starts
// alongside the service in compose.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	retries := cfg.ConnRetries
	if retries <= 0 {
		retries = 1
	}

	var sqldb *sql.DB
	var err error
	for i := 0; i < retries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, retries))

		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			err = sqldb.PingContext(ctx)
		}
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if sqldb != nil {
			sqldb.Close()
		}
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect postgres after %d attempts: %w", retries, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}
