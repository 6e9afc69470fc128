package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cursive-ai/gateway/pkg/meter"
)

// Counters implements meter.CounterStore with per-process fixed windows.
// Use the Redis implementation when multiple gateway processes must share
// counts.
type Counters struct {
	mu     sync.Mutex
	counts map[string]*windowCount
	now    func() time.Time
}

type windowCount struct {
	count   int64
	expires time.Time
}

// NewCounters creates an in-memory counter store.
func NewCounters() *Counters {
	return &Counters{
		counts: make(map[string]*windowCount),
		now:    time.Now,
	}
}

// Incr implements meter.CounterStore. Expired windows are replaced lazily on
// the next increment for their key.
func (c *Counters) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.counts[key]
	if !ok || !now.Before(entry.expires) {
		entry = &windowCount{expires: now.Truncate(window).Add(window)}
		c.counts[key] = entry
	}
	entry.count++
	return entry.count, entry.expires.Sub(now), nil
}

var _ meter.CounterStore = (*Counters)(nil)
