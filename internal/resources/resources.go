// Package resources owns the process-wide database pool and Redis client.
package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

type Resources struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// Open connects to Postgres and Redis and pings both.
func Open(ctx context.Context, databaseURL, redisURL string) (*Resources, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logrus.Info("connected to database")

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logrus.Info("connected to redis")

	return &Resources{DB: db, Redis: rdb}, nil
}

// Ping checks both backends.
func (r *Resources) Ping(ctx context.Context) error {
	var errs []error
	if err := r.DB.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Resources) Close() {
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			logrus.WithError(err).Warn("closing redis client")
		}
	}
	if r.DB != nil {
		r.DB.Close()
	}
}
