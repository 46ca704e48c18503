package content

import (
	"sync"
	"sync/atomic"
	"time"
)

type docEntry struct {
	text   string
	expiry time.Time
}

// DocCache keeps loaded topic documents for a fixed TTL. Expired entries are
// invisible to Get and are removed by Sweep, which Start runs periodically.
type DocCache struct {
	mu         sync.RWMutex
	entries    map[string]docEntry
	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewDocCache(ttl, sweepEvery time.Duration) *DocCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Minute
	}
	return &DocCache{
		entries:    make(map[string]docEntry),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetClock replaces the time source. Tests only.
func (c *DocCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *DocCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiry) {
		return "", false
	}
	return e.text, true
}

func (c *DocCache) Set(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = docEntry{text: text, expiry: c.now().Add(c.ttl)}
}

// Sweep drops expired entries and returns how many were removed.
func (c *DocCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiry) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *DocCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start launches the sweep loop. It must be called at most once.
func (c *DocCache) Start() {
	c.started.Store(true)
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop started by Start and waits for it to exit.
func (c *DocCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.started.Load() {
			<-c.done
		}
	})
}
