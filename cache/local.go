package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Local is the in-process backend.
type Local struct {
	entries *ttlcache.Cache[string, []byte]
}

var _ Store = &Local{}

func NewLocal(ttl time.Duration) *Local {
	entries := ttlcache.New(
		ttlcache.WithTTL[string, []byte](ttl),
		ttlcache.WithDisableTouchOnHit[string, []byte](), // dont bump ttl on hit
	)
	go entries.Start()
	return &Local{entries: entries}
}

func (c *Local) Get(ctx context.Context, key string) ([]byte, error) {
	item := c.entries.Get(key)
	if item == nil {
		return nil, ErrCacheMiss
	}
	return item.Value(), nil
}

func (c *Local) Set(ctx context.Context, key string, value []byte) error {
	c.entries.Set(key, value, ttlcache.DefaultTTL)
	return nil
}

func (c *Local) Delete(ctx context.Context, key string) error {
	c.entries.Delete(key)
	return nil
}

func (c *Local) Close() error {
	c.entries.Stop()
	return nil
}
