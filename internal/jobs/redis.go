package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opos-prep/backend/internal/logger"
)

const redisKeyPrefix = "opos:jobs:"

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisRegistry shares job keys between server instances.
type RedisRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl, log: log}
}

func (r *RedisRegistry) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	k := redisKeyPrefix + key
	tok := uuid.NewString()

	ok, err := r.client.SetNX(ctx, k, tok, r.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire job key %s: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(k, tok) })
	}
	return release, true, nil
}

func (r *RedisRegistry) release(k, tok string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{k}, tok).Err(); err != nil {
		r.log.Warn("release job key failed, leaving it to expire", "key", k, "error", err)
	}
}
