package main

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradewind/cmd/server/config"
	paymentsdb "tradewind/internal/db/payments"
	sagadb "tradewind/internal/db/saga"
	"tradewind/internal/events"
	"tradewind/internal/guard"
	"tradewind/internal/notify"
	"tradewind/internal/payments"
	"tradewind/internal/saga"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// buildStores wires the saga and payment attempt stores. With DATABASE_URL
// set they share one Postgres pool; without it both fall back to memory so
// the server still runs in dev.
func buildStores(ctx context.Context, logger *zap.Logger) (saga.Store, payments.AttemptStore, func(), error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory stores")
		return saga.NewMemoryStore(), payments.NewMemoryAttemptStore(), func() {}, nil
	}

	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	sagaStore, err := sagadb.NewStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	attemptStore, err := paymentsdb.NewStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close db", zap.Error(err))
		}
	}
	return sagaStore, attemptStore, cleanup, nil
}

// guardSet bundles the notification guards with the Redis client backing
// them, when one exists, so the event publisher can share the connection.
type guardSet struct {
	Limiter guard.RateLimiter
	Dedup   guard.IdempotencyGuard
	Redis   *redis.Client
	Config  config.RedisConfig
}

// buildGuards wires the notification rate limiter and idempotency guard.
// With REDIS_URL set both live in Redis so limits hold across replicas;
// without it both fall back to process-local memory.
func buildGuards(ctx context.Context, logger *zap.Logger) (guardSet, func(), error) {
	if strings.TrimSpace(os.Getenv("REDIS_URL")) == "" {
		logger.Info("REDIS_URL not set, using in-memory guards")
		return guardSet{
			Limiter: guard.NewMemoryRateLimiter(notify.DefaultCeilings),
			Dedup:   guard.NewMemoryIdempotencyGuard(),
		}, func() {}, nil
	}

	cfg, err := config.LoadRedis()
	if err != nil {
		return guardSet{}, nil, err
	}
	client, err := buildRedisClient(ctx, cfg)
	if err != nil {
		return guardSet{}, nil, err
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	return guardSet{
		Limiter: guard.NewRedisRateLimiter(client, cfg.KeyPrefix, notify.DefaultCeilings),
		Dedup:   guard.NewRedisIdempotencyGuard(client, cfg.KeyPrefix),
		Redis:   client,
		Config:  cfg,
	}, cleanup, nil
}

// redisClientAdapter narrows *redis.Client to the pipeline surface the
// stream publisher uses.
type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() events.RedisPipeliner {
	return a.client.Pipeline()
}

func buildRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if pingCtx == nil {
		pingCtx = context.Background()
	}
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
