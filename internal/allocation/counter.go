package allocation

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCounterSize bounds the number of slots tracked at once; the least
// recently failing slots are forgotten first.
const localCounterSize = 4096

// LocalCounter counts failed claims in process.  A key's window opens at
// its first failure and the count restarts once the window has passed, as
// with the Redis counter.  It is the default when no shared counter is
// configured.
type LocalCounter struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, windowCount]
	now     func() time.Time
}

type windowCount struct {
	n     int64
	start time.Time
}

// NewLocalCounter returns a LocalCounter whose idle entries are dropped
// after window.
func NewLocalCounter(window time.Duration, now func() time.Time) *LocalCounter {
	if now == nil {
		now = time.Now
	}
	return &LocalCounter{
		entries: expirable.NewLRU[string, windowCount](localCounterSize, nil, window),
		now:     now,
	}
}

func (c *LocalCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.entries.Get(key)
	if !ok || !now.Before(w.start.Add(window)) {
		w = windowCount{start: now}
	}
	w.n++
	c.entries.Add(key, w)
	return w.n, nil
}
