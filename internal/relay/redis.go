package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes execution-core events onto Redis pub/sub channels,
// one channel per plugin, for deployments that run the host daemon
// behind a load balancer without a shared in-process bus.
type RedisRelay struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedisRelay connects to addr/db and verifies reachability with a
// bounded ping before returning, the way the rest of the codebase
// decides up front whether to fall back to an in-memory-only mode.
func NewRedisRelay(addr, password string, db int, logger *slog.Logger) (*RedisRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("relay: redis ping %s: %w", addr, err)
	}

	logger.Info("relay: connected to redis", "addr", addr, "db", db)
	return &RedisRelay{rdb: rdb, logger: logger}, nil
}

// channel derives the per-plugin pub/sub channel name.
func channel(pluginID string) string {
	return "execcore:events:" + pluginID
}

// Publish sends payload to pluginID's channel.
func (r *RedisRelay) Publish(ctx context.Context, pluginID string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel(pluginID), payload).Err(); err != nil {
		return fmt.Errorf("relay: redis publish: %w", err)
	}
	return nil
}

// Subscribe registers handler for pluginID's channel and returns an
// unsubscribe function.
func (r *RedisRelay) Subscribe(ctx context.Context, pluginID string, handler func([]byte)) (func(), error) {
	sub := r.rdb.Subscribe(ctx, channel(pluginID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("relay: redis subscribe %s: %w", pluginID, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

// Close shuts down the underlying Redis client.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
