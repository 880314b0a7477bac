package chain

import (
	"context"
	"sync"
	"time"
)

// TokenBucket smooths RPC submission against the endpoint's per-minute
// allowance with continuous refill. Callers block in Wait until a token is
// available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket allowing perMinute calls, with a burst of
// perMinute/4.
func NewTokenBucket(perMinute int) *TokenBucket {
	capacity := float64(perMinute) / 4
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     float64(perMinute) / 60,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
