package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testBucket(maxTokens, rate float64) (*TokenBucket, *time.Time) {
	b := NewTokenBucket(maxTokens, rate)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	b.lastRefill = now
	return b, &now
}

func TestTokenBucketStartsFull(t *testing.T) {
	b, _ := testBucket(10, 1)
	if got := b.AvailableTokens(); got != 10 {
		t.Errorf("AvailableTokens() = %v, want 10", got)
	}
}

func TestTryConsume(t *testing.T) {
	b, _ := testBucket(5, 1)

	for i := 0; i < 5; i++ {
		if !b.TryConsume(1) {
			t.Fatalf("consume %d failed with tokens remaining", i+1)
		}
	}
	if b.TryConsume(1) {
		t.Error("consumed from an empty bucket")
	}
	if got := b.AvailableTokens(); got != 0 {
		t.Errorf("AvailableTokens() = %v, want 0", got)
	}
}

func TestTryConsumeBatch(t *testing.T) {
	b, _ := testBucket(10, 1)

	if !b.TryConsume(7) {
		t.Fatal("batch consume failed")
	}
	if b.TryConsume(4) {
		t.Error("consumed 4 with only 3 tokens left")
	}
	if !b.TryConsume(3) {
		t.Error("failed to consume the remaining 3 tokens")
	}
}

func TestRefillOverTime(t *testing.T) {
	b, now := testBucket(10, 2) // 2 tokens per second

	if !b.TryConsume(10) {
		t.Fatal("initial drain failed")
	}

	*now = now.Add(3 * time.Second)
	if got := b.AvailableTokens(); got != 6 {
		t.Errorf("AvailableTokens() after 3s = %v, want 6", got)
	}

	*now = now.Add(time.Hour)
	if got := b.AvailableTokens(); got != 10 {
		t.Errorf("AvailableTokens() after a long idle = %v, want capped at 10", got)
	}
}

func TestWaitAndConsumeImmediate(t *testing.T) {
	b, _ := testBucket(5, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := b.WaitAndConsume(ctx, 3); err != nil {
		t.Fatalf("WaitAndConsume failed with tokens available: %v", err)
	}
}

func TestWaitAndConsumeBlocksUntilRefill(t *testing.T) {
	// Real clock: 100 tokens/s refills one token within a few poll
	// intervals.
	b := NewTokenBucket(1, 100)
	if !b.TryConsume(1) {
		t.Fatal("initial drain failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := b.WaitAndConsume(ctx, 1); err != nil {
		t.Fatalf("WaitAndConsume failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("WaitAndConsume took %v, want under a second", time.Since(start))
	}
}

func TestWaitAndConsumeCancelled(t *testing.T) {
	b, _ := testBucket(1, 0) // never refills

	if !b.TryConsume(1) {
		t.Fatal("initial drain failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	if err := b.WaitAndConsume(ctx, 1); err == nil {
		t.Fatal("WaitAndConsume returned nil on an empty, non-refilling bucket")
	}
}
