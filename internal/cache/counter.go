package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter counts events per key in fixed windows shared by every
// process.  It satisfies allocation.ContentionCounter.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter returns a counter storing keys under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "labcore:contention"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// Incr adds one to key and returns the count in the current window.  The
// window starts with the first increment.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.prefix + ":" + key
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
