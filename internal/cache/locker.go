// Package cache holds the Redis-backed variants of the allocation pool's
// collaborators, used when several labcore processes share one database.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/model"
)

// DefaultLockExpiry bounds how long a crashed holder can keep a slot mutex.
const DefaultLockExpiry = 8 * time.Second

// RedisLocker is a distributed keyed mutex on redsync.  It satisfies
// allocation.Locker.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
	expiry time.Duration
	log    zerolog.Logger
}

// NewRedisLocker builds a locker on client.  Keys are stored under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string, expiry time.Duration, log zerolog.Logger) *RedisLocker {
	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}
	if prefix == "" {
		prefix = "labcore:lock"
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), prefix: prefix, expiry: expiry, log: log}
}

// Lock retries until the mutex is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(l.prefix+":"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1<<16),
		redsync.WithRetryDelay(25*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%s: %w", key, model.ErrAlreadyLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(uctx); err != nil {
			l.log.Error().Err(err).Str("key", key).Msg("failed to unlock mutex")
		}
	}, nil
}
