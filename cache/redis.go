package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared backend for multi-instance deployments.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = &Redis{}

func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, err
	}
	return value, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, c.ttl).Err()
}

func (c *Redis) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

// New selects the backend: redis when an address is configured, otherwise
// the in-process cache.
func New(cfg Config) Store {
	if cfg.RedisAddr != "" {
		return NewRedis(cfg.RedisAddr, cfg.StandardTTL)
	}
	return NewLocal(cfg.StandardTTL)
}
