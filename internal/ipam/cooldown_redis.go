package ipam

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by RedisClient.Get when the key doesn't exist.
// The go-redis adapter in internal/infra translates redis.Nil to this sentinel.
var ErrNotFound = errors.New("ipam: key not found")

// RedisClient is a minimal interface any Redis driver can satisfy; core
// IPAM logic never imports a concrete client, matching the teacher's
// fabric.RedisHubStore posture of injecting the client from cmd/*.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisCooldown backs the cool-down window with Redis TTL keys so the
// window survives a control-plane restart and is shared across a
// secondary read-only Hub.
type RedisCooldown struct {
	client    RedisClient
	keyPrefix string
}

func NewRedisCooldown(client RedisClient, keyPrefix string) *RedisCooldown {
	if keyPrefix == "" {
		keyPrefix = "zt:ipam:cooldown:"
	}
	return &RedisCooldown{client: client, keyPrefix: keyPrefix}
}

func (c *RedisCooldown) Release(ctx context.Context, ip string, releasedAt time.Time, window time.Duration) error {
	remaining := releasedAt.Add(window).Sub(time.Now())
	if remaining <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.keyPrefix+ip, []byte("1"), remaining)
}

func (c *RedisCooldown) InCooldown(ctx context.Context, ip string, now time.Time) (bool, error) {
	v, err := c.client.Get(ctx, c.keyPrefix+ip)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(v) > 0, nil
}
