package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/sample-custody/internal/config"
)

// redisClient connects to TEST_REDIS_ADDR or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := config.NewRedisClient(config.RedisConfig{Addr: addr})
	if client == nil {
		t.Skipf("redis at %s unreachable", addr)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLockerExcludes(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, "test:"+uuid.NewString(), time.Second, zerolog.Nop())
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "slot:1")
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(wctx, "slot:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "slot:2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "slot:1")
	require.NoError(t, err)
	again()
}

func TestRedisCounterCountsWithinWindow(t *testing.T) {
	client := redisClient(t)
	c := NewRedisCounter(client, "test:"+uuid.NewString())
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "slot:9", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	ttl, err := client.TTL(ctx, c.prefix+":slot:9").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
