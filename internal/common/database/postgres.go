// internal/common/database/postgres.go
// PostgreSQL connection and configuration

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	PingTimeout  time.Duration
}

// DefaultPostgresConfig returns the pool settings used by the API
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  5 * time.Minute,
		PingTimeout:  5 * time.Second,
	}
}

// NewPostgresDB opens a pooled connection from a URL and pings it
func NewPostgresDB(ctx context.Context, databaseURL string, config PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewPostgresDBFromURL creates a connection with the default pool settings
func NewPostgresDBFromURL(databaseURL string) (*sqlx.DB, error) {
	return NewPostgresDB(context.Background(), databaseURL, DefaultPostgresConfig())
}
