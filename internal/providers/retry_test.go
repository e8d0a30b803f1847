package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDoSucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, Jitter: false}
	result, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Fatalf("result=%q calls=%d", result, calls)
	}
}

func TestRetryDoNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		return "", &HTTPError{Status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retryable status, got %d", calls)
	}
}

func TestRetryDoExhaustsMaxRetries(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		return "", &HTTPError{Status: 500}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 1 + MaxRetries=2 attempts, got %d", calls)
	}
}

func TestRetryDoBudgetCapsCumulativeBackoff(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, RetryBudget: 10 * time.Millisecond}
	_, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		return "", &HTTPError{Status: 500}
	})
	if err == nil {
		t.Fatal("expected error once budget exceeded")
	}
	if calls >= 10 {
		t.Fatalf("expected the retry budget to cut attempts well short of MaxRetries, got %d calls", calls)
	}
}

func TestRetryDoHonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	cfg := RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}
	_, _ = RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls == 1 {
			return "", &HTTPError{Status: 429, RetryAfter: 30 * time.Millisecond}
		}
		return "ok", nil
	})
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("expected RetryDo to sleep at least the Retry-After hint, elapsed=%v", elapsed)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := ParseRetryAfter("2"); d != 2*time.Second {
		t.Fatalf("got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0 for empty header, got %v", d)
	}
}

func TestFallbackTriesEachProviderWithFreshCounter(t *testing.T) {
	var firstCalls, secondCalls int
	cfg := RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond}
	result, err := Fallback(context.Background(), cfg,
		func() (string, error) {
			firstCalls++
			return "", errors.New("fatal, non-retryable")
		},
		func() (string, error) {
			secondCalls++
			return "fallback-ok", nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "fallback-ok" || firstCalls != 1 || secondCalls != 1 {
		t.Fatalf("result=%q firstCalls=%d secondCalls=%d", result, firstCalls, secondCalls)
	}
}
