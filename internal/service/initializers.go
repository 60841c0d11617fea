// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// dbConnectWindow bounds how long startup waits for the database to accept connections.
const dbConnectWindow = 30 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// InitializeDatabase creates a connection pool and waits for the database to
// answer, retrying with exponential backoff.
func InitializeDatabase(ctx context.Context, url string, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	if err := pingWithRetry(ctx, pool, dbConnectWindow, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return pool, nil
}

func pingWithRetry(ctx context.Context, p pinger, window time.Duration, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = window

	attempt := 0
	operation := func() error {
		attempt++
		if err := p.Ping(ctx); err != nil {
			logger.Warn("Database not ready, retrying...", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
