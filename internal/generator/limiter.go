package generator

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/opos-prep/backend/internal/config"
)

// Limiter bounds calls to the generation service: at most MaxConcurrent in
// flight, starts at least MinSpacing apart, and no more than Reservoir starts
// per RefreshEvery.
type Limiter struct {
	slots   *semaphore.Weighted
	spacing *rate.Limiter
	quota   *rate.Limiter
}

func NewLimiter(cfg config.LimiterConfig) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	spacing := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinSpacing > 0 {
		spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}

	quota := rate.NewLimiter(rate.Inf, 1)
	if cfg.Reservoir > 0 && cfg.RefreshEvery > 0 {
		quota = rate.NewLimiter(rate.Limit(float64(cfg.Reservoir)/cfg.RefreshEvery.Seconds()), cfg.Reservoir)
	}

	return &Limiter{
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		spacing: spacing,
		quota:   quota,
	}
}

// Do runs fn once a slot and both rate budgets are available. Waiting is
// abandoned when ctx ends.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire generation slot: %w", err)
	}
	defer l.slots.Release(1)

	if err := l.quota.Wait(ctx); err != nil {
		return fmt.Errorf("wait for generation quota: %w", err)
	}
	if err := l.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("wait for generation spacing: %w", err)
	}
	return fn(ctx)
}
