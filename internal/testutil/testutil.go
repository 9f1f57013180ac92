// Package testutil provides fixtures shared by package tests: a migrated
// in-memory SQLite database, a controllable clock and a recording notifier.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labcore/sample-custody/internal/database"
	"github.com/labcore/sample-custody/internal/queue"
)

var dbSeq atomic.Int64

// NewDB returns a fresh migrated in-memory database closed at test end.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := database.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, database.DriverSQLite))
	return db
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock { return &Clock{now: start.UTC()} }

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Notifier records every event it is given.
type Notifier struct {
	mu     sync.Mutex
	events []queue.Event
}

func (n *Notifier) Notify(_ context.Context, ev queue.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (n *Notifier) Events() []queue.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]queue.Event(nil), n.events...)
}

// OfType returns the recorded events of type typ.
func (n *Notifier) OfType(typ queue.EventType) []queue.Event {
	var out []queue.Event
	for _, ev := range n.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
