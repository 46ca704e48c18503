package generator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opos-prep/backend/internal/config"
	"github.com/opos-prep/backend/internal/logger"
)

// scriptedClient returns the scripted errors in order, then succeeds.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	calls int
	block chan struct{}
}

func (c *scriptedClient) Generate(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(c.errs) {
		return nil, c.errs[n-1]
	}
	return &Response{Content: "ok"}, nil
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 1500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2, Jitter: 0.1}
}

func newTestExecutor(client LLMClient, timeout time.Duration) (*Executor, *[]time.Duration) {
	exec := NewExecutor(client, NewLimiter(config.LimiterConfig{MaxConcurrent: 4}), testPolicy(), timeout, logger.Nop())
	var delays []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return exec, &delays
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		attempt int
		r       float64
		want    time.Duration
	}{
		{1, 0, 1500 * time.Millisecond},
		{1, 1, 1650 * time.Millisecond},
		{2, 0, 3000 * time.Millisecond},
		{2, 0.5, 3150 * time.Millisecond},
		{3, 0, 6000 * time.Millisecond},
		{3, 1, 6600 * time.Millisecond},
		{4, 0, 8000 * time.Millisecond},
		{0, 0, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, tt.r); got != tt.want {
			t.Errorf("Delay(%d, %v): expected %v, got %v", tt.attempt, tt.r, tt.want, got)
		}
	}
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("boom"), errors.New("boom again")}}
	exec, delays := newTestExecutor(client, 0)

	resp, err := exec.Call(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if resp.Content != "ok" || client.calls != 3 {
		t.Errorf("expected success on third call, got %q after %d calls", resp.Content, client.calls)
	}
	if len(*delays) != 2 {
		t.Fatalf("expected 2 backoff waits, got %v", *delays)
	}
	if d := (*delays)[0]; d < 1500*time.Millisecond || d > 1650*time.Millisecond {
		t.Errorf("first delay out of range: %v", d)
	}
	if d := (*delays)[1]; d < 3000*time.Millisecond || d > 3300*time.Millisecond {
		t.Errorf("second delay out of range: %v", d)
	}
}

func TestExecutor_ClassifiesLastError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  ErrorKind
		after time.Duration
	}{
		{"rate limited", fromStatus(http.StatusTooManyRequests, errors.New("slow down")), KindRateLimited, 30 * time.Second},
		{"overloaded", fromStatus(529, errors.New("busy")), KindOverloaded, 10 * time.Second},
		{"gateway timeout", fromStatus(http.StatusGatewayTimeout, errors.New("late")), KindTimeout, 5 * time.Second},
		{"deadline", context.DeadlineExceeded, KindTimeout, 5 * time.Second},
		{"unknown", errors.New("socket closed"), KindOverloaded, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedClient{errs: []error{tt.err, tt.err, tt.err}}
			exec, delays := newTestExecutor(client, 0)

			_, err := exec.Call(context.Background(), Request{})
			var se *ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("expected *ServiceError, got %v", err)
			}
			if se.Kind != tt.kind || se.RetryAfter != tt.after {
				t.Errorf("expected %s/%v, got %s/%v", tt.kind, tt.after, se.Kind, se.RetryAfter)
			}
			if client.calls != 3 || len(*delays) != 2 {
				t.Errorf("expected 3 attempts and 2 waits, got %d and %d", client.calls, len(*delays))
			}
		})
	}
}

func TestExecutor_AbsoluteTimeout(t *testing.T) {
	client := &scriptedClient{block: make(chan struct{})}
	exec, _ := newTestExecutor(client, 50*time.Millisecond)

	start := time.Now()
	_, err := exec.Call(context.Background(), Request{})
	var se *ServiceError
	if !errors.As(err, &se) || se.Kind != KindOverloaded {
		t.Fatalf("expected overloaded ServiceError, got %v", err)
	}
	if se.RetryAfter != 10*time.Second {
		t.Errorf("expected 10s retry hint, got %v", se.RetryAfter)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected error to wrap context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(config.LimiterConfig{MaxConcurrent: 2})

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter.Do(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent calls, saw %d", peak.Load())
	}
}

func TestLimiter_Spacing(t *testing.T) {
	limiter := NewLimiter(config.LimiterConfig{MaxConcurrent: 5, MinSpacing: 40 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("expected starts to be spaced, three calls took %v", elapsed)
	}
}

func TestLimiter_ReservoirWaitHonorsContext(t *testing.T) {
	limiter := NewLimiter(config.LimiterConfig{MaxConcurrent: 5, Reservoir: 1, RefreshEvery: time.Hour})
	noop := func(context.Context) error { return nil }

	if err := limiter.Do(context.Background(), noop); err != nil {
		t.Fatalf("expected first call within the reservoir, got: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Do(ctx, noop); err == nil {
		t.Error("expected the exhausted reservoir to block until the context ended")
	}
}
