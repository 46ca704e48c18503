package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/logger"
)

// RetryPolicy is exponential backoff with proportional jitter.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BaseDelay,
		Max:         cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
	}
}

// Delay is the wait after the given failed attempt (1-based); r is a
// uniform sample in [0, 1).
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base.Milliseconds()) * math.Pow(p.Multiplier, float64(attempt-1))
	ms := math.Min(base+base*p.Jitter*r, float64(p.Max.Milliseconds()))
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// Executor sends requests through the limiter and retries failures. A whole
// call, retries included, is bounded by an absolute timeout.
type Executor struct {
	client  LLMClient
	limiter *Limiter
	policy  RetryPolicy
	timeout time.Duration
	log     *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand

	sleep func(context.Context, time.Duration) error
}

func NewExecutor(client LLMClient, limiter *Limiter, policy RetryPolicy, timeout time.Duration, log *logger.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		client:  client,
		limiter: limiter,
		policy:  policy,
		timeout: timeout,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

// Call returns the first successful response. On failure the last error is
// returned classified as a *ServiceError; exceeding the absolute timeout
// yields KindOverloaded and abandons the in-flight attempt.
func (e *Executor) Call(ctx context.Context, req Request) (*Response, error) {
	if e.timeout <= 0 {
		return e.attempt(ctx, req)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := e.attempt(ctx, req)
		done <- result{resp, err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		e.log.Warn("generation call exceeded absolute timeout", "timeout", e.timeout)
		return nil, &ServiceError{
			Kind:       KindOverloaded,
			RetryAfter: 10 * time.Second,
			Err:        fmt.Errorf("no response within %s: %w", e.timeout, context.DeadlineExceeded),
		}
	}
}

func (e *Executor) attempt(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for n := 1; n <= e.policy.MaxAttempts; n++ {
		var resp *Response
		err := e.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			resp, err = e.client.Generate(ctx, req)
			return err
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || n == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(n, e.random())
		e.log.Warn("generation attempt failed, retrying",
			"attempt", n, "max_attempts", e.policy.MaxAttempts, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, classify(lastErr)
}

func (e *Executor) random() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
