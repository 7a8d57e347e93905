package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// ErrRateLimitExceeded is returned when no token becomes available before the
// caller's deadline, or immediately when the limiter does not wait.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

// RateLimitError reports a denied acquisition.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// TokenBucket is a per-key token bucket guarding calls to the model endpoint.
// Tokens refill one per refillRate up to capacity. Released tokens are not
// returned to the bucket: the limiter paces request starts, not concurrency.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int
	refillRate time.Duration
	wait       bool
	now        func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a limiter. When wait is true Acquire blocks until a
// token refills or ctx is done; otherwise it fails fast.
func NewTokenBucket(capacity int, refillRate time.Duration, wait bool) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		wait:       wait,
		now:        time.Now,
	}
}

// Acquire takes one token for key.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		delay, ok := tb.take(key)
		if ok {
			return func() {}, nil
		}
		if !tb.wait {
			return nil, ErrRateLimitExceeded
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ErrRateLimitExceeded
		case <-timer.C:
		}
	}
}

// take consumes a token, or reports how long until the next refill.
func (tb *TokenBucket) take(key string) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}

	if refills := int(now.Sub(b.lastRefill) / tb.refillRate); refills > 0 {
		b.tokens = min(b.tokens+refills, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(refills) * tb.refillRate)
	}

	if b.tokens > 0 {
		b.tokens--
		return 0, true
	}
	return b.lastRefill.Add(tb.refillRate).Sub(now), false
}

// Ensure TokenBucket implements the RateLimiter interface.
var _ ports.RateLimiter = (*TokenBucket)(nil)
