// Package infrastructure builds and memoizes the process-wide clients:
// the postgres pool, the redis-backed state store and the kafka broker.
// Both binaries wire themselves through one Factory and close it once.
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"

	"taskpipe/internal/broker/kafka"
	"taskpipe/internal/config"
	"taskpipe/internal/infrastructure/postgres"
	"taskpipe/internal/infrastructure/redis"
	"taskpipe/internal/statestore"
)

type Factory struct {
	cfg      *config.Config
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
	broker   *kafka.Broker
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg: cfg,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	// Retry connection up to 5 times; in compose setups the database is
	// often still starting when we are.
	for i := 0; i < 5; i++ {
		pool, err = postgres.NewPool(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			Database: f.cfg.Postgres.DBName,
			SSLMode:  f.cfg.Postgres.SSLMode,
		})
		if err == nil {
			break
		}
		slog.Warn("postgres not ready, retrying in 2s", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// StateStore returns the shared redis-backed store for leases, offsets,
// dedup markers and recurrence state.
func (f *Factory) StateStore(ctx context.Context) (statestore.Store, error) {
	client, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}
	return statestore.NewRedis(client), nil
}

func (f *Factory) Kafka() *kafka.Broker {
	if f.broker == nil {
		f.broker = kafka.New(kafka.Config{Brokers: f.cfg.Kafka.Brokers})
	}
	return f.broker
}

func (f *Factory) Close() {
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
	if f.broker != nil {
		f.broker.Close()
	}
}
