package chunks

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// UsageStore is the persistence the selector needs.
type UsageStore interface {
	Used(ctx context.Context, userID int64, topic string) (map[int]bool, error)
	Reset(ctx context.Context, userID int64, topic string) error
	MarkUsed(ctx context.Context, userID int64, topic string, indices ...int) error
}

// Selector picks unused, well separated chunk indices per (user, topic) and
// starts a new rotation once the unused set runs short.
type Selector struct {
	store UsageStore

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSelector(store UsageStore, rng *rand.Rand) *Selector {
	return &Selector{store: store, rng: rng}
}

// MinSeparation is the index distance required between two chunks fed to
// the same generation call.
func MinSeparation(total int) int {
	return max(3, total/2)
}

// Pick returns up to two chunk indices out of total. The second index is at
// least MinSeparation away from the first when the available indices allow
// it, otherwise the farthest available index, otherwise the first one again.
func (s *Selector) Pick(ctx context.Context, userID int64, topic string, total, count int) ([]int, error) {
	if total <= 0 || count <= 0 {
		return nil, nil
	}
	if total == 1 {
		return []int{0}, nil
	}
	count = min(count, 2)

	used, err := s.store.Used(ctx, userID, topic)
	if err != nil {
		return nil, err
	}

	available := make([]int, 0, total)
	for i := 0; i < total; i++ {
		if !used[i] {
			available = append(available, i)
		}
	}

	if len(available) < count {
		if err := s.store.Reset(ctx, userID, topic); err != nil {
			return nil, fmt.Errorf("reset rotation for %s: %w", topic, err)
		}
		available = available[:0]
		for i := 0; i < total; i++ {
			available = append(available, i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if count == 1 {
		return []int{available[s.rng.Intn(len(available))]}, nil
	}

	// Draw the first index among those that have a separated partner, so a
	// separated pair is returned whenever one exists.
	minDist := MinSeparation(total)
	lo, hi := available[0], available[len(available)-1]
	var anchors []int
	for _, idx := range available {
		if hi-idx >= minDist || idx-lo >= minDist {
			anchors = append(anchors, idx)
		}
	}
	if len(anchors) == 0 {
		anchors = available
	}
	first := anchors[s.rng.Intn(len(anchors))]

	var spaced, others []int
	for _, idx := range available {
		if idx == first {
			continue
		}
		others = append(others, idx)
		if abs(idx-first) >= minDist {
			spaced = append(spaced, idx)
		}
	}

	switch {
	case len(spaced) > 0:
		return []int{first, spaced[s.rng.Intn(len(spaced))]}, nil
	case len(others) > 0:
		farthest := others[0]
		for _, idx := range others[1:] {
			if abs(idx-first) > abs(farthest-first) {
				farthest = idx
			}
		}
		return []int{first, farthest}, nil
	default:
		return []int{first, first}, nil
	}
}

func (s *Selector) MarkUsed(ctx context.Context, userID int64, topic string, indices ...int) error {
	return s.store.MarkUsed(ctx, userID, topic, indices...)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
