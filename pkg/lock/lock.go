// Package lock provides leader-style mutual exclusion for background jobs
// that must run on one replica at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/medflow/stock-ledger/pkg/config"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Locker runs fn only if key could be obtained. ran is false when another
// holder owns the key.
type Locker interface {
	TryRun(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error)
}

// Redis obtains locks through bsm/redislock.
type Redis struct {
	rdb    *redis.Client
	client *redislock.Client
	logger *logger.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("connected to Redis")

	return &Redis{
		rdb:    rdb,
		client: redislock.New(rdb),
		logger: log,
	}, nil
}

// TryRun obtains key for ttl and runs fn. After a successful run the key
// is left to expire, so replicas whose timers fire later in the same tick
// find it taken. ttl must stay shorter than the run interval. A failed run
// releases the key at once so another replica can retry.
func (r *Redis) TryRun(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, err := r.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	if err := fn(ctx); err != nil {
		// The lock may have expired if fn outlived ttl.
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil && !errors.Is(relErr, redislock.ErrLockNotHeld) {
			r.logger.Warn().Err(relErr).Str("key", key).Msg("failed to release lock")
		}
		return true, err
	}

	return true, nil
}

// Health returns the health status of Redis
func (r *Redis) Health(ctx context.Context) map[string]string {
	status := map[string]string{"status": "up"}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := r.rdb.Ping(ctx).Err(); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}
	return status
}

// Close closes the Redis connection
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Local is an in-process Locker used when Redis is not configured. It only
// prevents overlapping runs inside one process, so it releases the key as
// soon as fn returns.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

// TryRun runs fn unless key is already held in this process. ttl is ignored.
func (l *Local) TryRun(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()

	return true, fn(ctx)
}
