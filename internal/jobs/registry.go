// Package jobs deduplicates background work per (user, topic). At most one
// refill job holds a key at a time; keys expire after a TTL so a crashed job
// never blocks future refills.
package jobs

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL bounds how long an unreleased key is held.
const DefaultTTL = 5 * time.Minute

// Registry grants exclusive, expiring job keys.
type Registry interface {
	// TryAcquire claims key. When ok is false another job holds it. The
	// returned release is safe to call more than once and never frees a
	// key that has since been re-acquired by someone else.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// RefillKey names the refill job for one user's topic buffer.
func RefillKey(userID int64, topic string) string {
	return fmt.Sprintf("refill:%d:%s", userID, topic)
}

// PopulateKey names the bulk cache population job for a topic, or for the
// whole catalog when topic is empty.
func PopulateKey(topic string) string {
	if topic == "" {
		topic = "*"
	}
	return "populate:" + topic
}
