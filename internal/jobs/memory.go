package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type token struct {
	gen     uint64
	expires time.Time
}

// MemoryRegistry is a single-process Registry.
type MemoryRegistry struct {
	mu   sync.Mutex
	keys map[string]token
	ttl  time.Duration
	gen  uint64
	now  func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		keys:   make(map[string]token),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetClock replaces the time source. Tests only.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRegistry) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if t, held := r.keys[key]; held && now.Before(t.expires) {
		return func() {}, false, nil
	}

	r.gen++
	gen := r.gen
	r.keys[key] = token{gen: gen, expires: now.Add(r.ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if t, ok := r.keys[key]; ok && t.gen == gen {
				delete(r.keys, key)
			}
		})
	}
	return release, true, nil
}

// Held reports whether key is currently claimed.
func (r *MemoryRegistry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.keys[key]
	return ok && r.now().Before(t.expires)
}

// Sweep drops expired keys and returns how many were removed.
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for k, t := range r.keys {
		if !now.Before(t.expires) {
			delete(r.keys, k)
			removed++
		}
	}
	return removed
}

// Start sweeps expired keys every interval until Stop.
func (r *MemoryRegistry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	r.started.Store(true)
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

func (r *MemoryRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.done
		}
	})
}
