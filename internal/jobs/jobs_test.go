package jobs

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opos-prep/backend/internal/logger"
)

func TestRefillKey(t *testing.T) {
	if got := RefillKey(42, "tema-5"); got != "refill:42:tema-5" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestMemoryRegistry_Exclusive(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	ctx := context.Background()

	release, ok, err := reg.TryAcquire(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v %v", ok, err)
	}
	if _, ok, _ := reg.TryAcquire(ctx, "k"); ok {
		t.Fatal("expected second acquire to fail while held")
	}
	if _, ok, _ := reg.TryAcquire(ctx, "other"); !ok {
		t.Error("expected an unrelated key to be free")
	}

	release()
	release()
	if _, ok, _ := reg.TryAcquire(ctx, "k"); !ok {
		t.Error("expected key to be free after release")
	}
}

func TestMemoryRegistry_ExpiryAndStaleRelease(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(5 * time.Minute)
	reg.SetClock(func() time.Time { return now })
	ctx := context.Background()

	staleRelease, _, _ := reg.TryAcquire(ctx, "k")
	now = now.Add(5 * time.Minute)
	if reg.Held("k") {
		t.Fatal("expected key to expire after the TTL")
	}

	_, ok, _ := reg.TryAcquire(ctx, "k")
	if !ok {
		t.Fatal("expected expired key to be re-acquirable")
	}

	staleRelease()
	if !reg.Held("k") {
		t.Error("a stale release must not free the new holder's key")
	}

	now = now.Add(10 * time.Minute)
	if n := reg.Sweep(); n != 1 {
		t.Errorf("expected 1 swept key, got %d", n)
	}
}

func TestMemoryRegistry_ConcurrentAcquire(t *testing.T) {
	reg := NewMemoryRegistry(time.Minute)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := reg.TryAcquire(context.Background(), "k"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestMemoryRegistry_StartStop(t *testing.T) {
	reg := NewMemoryRegistry(time.Millisecond)
	reg.TryAcquire(context.Background(), "k")
	reg.Start(5 * time.Millisecond)

	size := func() int {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.keys)
	}
	deadline := time.Now().Add(2 * time.Second)
	for size() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if size() != 0 {
		t.Error("expected the sweep loop to drop the expired key")
	}
	reg.Stop()
	reg.Stop()

	NewMemoryRegistry(0).Stop()
}

// Runs against a real server when TEST_REDIS_ADDR is set.
func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	client.Del(ctx, redisKeyPrefix+"test-key")

	reg := NewRedisRegistry(client, time.Minute, logger.Nop())
	release, ok, err := reg.TryAcquire(ctx, "test-key")
	if err != nil || !ok {
		t.Fatalf("expected acquire, got %v %v", ok, err)
	}
	if _, ok, _ := reg.TryAcquire(ctx, "test-key"); ok {
		t.Fatal("expected second acquire to fail")
	}

	client.Set(ctx, redisKeyPrefix+"test-key", "someone-else", time.Minute)
	release()
	if v, _ := client.Get(ctx, redisKeyPrefix+"test-key").Result(); v != "someone-else" {
		t.Errorf("release must not delete a key held by another token, got %q", v)
	}
	client.Del(ctx, redisKeyPrefix+"test-key")
}
