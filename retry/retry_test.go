package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // capped
		{6, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfigDelayJitterBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("Delay(1) = %v, outside jitter bounds [90ms, 110ms]", d)
		}
	}
}

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastConfig(), func(error) bool { return true },
		func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("WithRetry failed: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result = %q after %d calls, want ok after 3", result, calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(), func(error) bool { return true },
		func() (int, error) {
			calls++
			return 0, errors.New("still broken")
		})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("made %d calls, want 3", calls)
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error = %v, want max retries exceeded", err)
	}
}

func TestWithRetryNonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("definitive rejection")
	calls := 0
	_, err := WithRetry(context.Background(), fastConfig(),
		func(err error) bool { return !errors.Is(err, fatal) },
		func() (int, error) {
			calls++
			return 0, fatal
		})
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want the original", err)
	}
	if calls != 1 {
		t.Errorf("made %d calls, want 1", calls)
	}
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := WithRetry(ctx, fastConfig(), func(error) bool { return true },
		func() (int, error) {
			calls++
			return 0, errors.New("never reached")
		})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("made %d calls on cancelled context, want 0", calls)
	}
}

func TestWithSimpleRetryPassesThroughSuccess(t *testing.T) {
	got, err := WithSimpleRetry(context.Background(), func() (int, error) {
		return 42, nil
	}, func(error) bool { return false })
	if err != nil || got != 42 {
		t.Errorf("WithSimpleRetry = (%d, %v), want (42, nil)", got, err)
	}
}
