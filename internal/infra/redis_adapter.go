// Package infra provides concrete infrastructure adapters used only from
// cmd/*. Core packages depend on small interfaces (ipam.RedisClient,
// eventbus.RedisPubSub) so they never import a concrete driver directly;
// this package is where those interfaces meet go-redis.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zerotrust/overlay/internal/ipam"
)

// GoRedisAdapter wraps go-redis v9 to satisfy both ipam.RedisClient and
// eventbus.RedisPubSub, so a single connection backs the IP cool-down
// window and the cross-instance event bus.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to addr and verifies connectivity with a Ping.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
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
		return nil, fmt.Errorf("infra: redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// --- ipam.RedisClient --------------------------------------------------

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ipam.ErrNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// --- eventbus.RedisPubSub -----------------------------------------------

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return a.rdb.Publish(ctx, channel, payload).Err()
}

func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("infra: subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
