// Package ratelimit implements an in-memory token bucket. The
// facilitator uses one process-wide bucket in front of its HTTP
// surface; per-key buckets can be layered on top by the deployment.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pollInterval is how often WaitAndConsume re-checks availability.
const pollInterval = 50 * time.Millisecond

// TokenBucket refills at a fixed rate up to a maximum. Safe for
// concurrent use.
type TokenBucket struct {
	mu         sync.Mutex
	maxTokens  float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding maxTokens that refills
// at refillRatePerSecond.
func NewTokenBucket(maxTokens, refillRatePerSecond float64) *TokenBucket {
	b := &TokenBucket{
		maxTokens:  maxTokens,
		tokens:     maxTokens,
		refillRate: refillRatePerSecond,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// TryConsume takes n tokens without blocking. It reports whether the
// tokens were available.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// WaitAndConsume blocks in pollInterval increments until n tokens are
// available or the context is cancelled.
func (b *TokenBucket) WaitAndConsume(ctx context.Context, n float64) error {
	for {
		if b.TryConsume(n) {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AvailableTokens returns the current token count after refill.
func (b *TokenBucket) AvailableTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}
