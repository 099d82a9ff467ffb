package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny after capacity exhausted")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after refill")
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("got %q, want ok", v)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	_, err := Retry(context.Background(), 2, time.Millisecond, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
}
