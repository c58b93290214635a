package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 10) // 10 tokens capacity, 10 tokens/sec.

	if !b.Allow(10) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(100 * time.Millisecond) // 1 token refilled.
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(time.Minute)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("expected initial burst")
	}

	clk.Advance(-10 * time.Second)
	if b.Allow(1) {
		t.Fatalf("expected no refill when time goes backwards")
	}

	clk.Advance(11 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill after clock recovers")
	}
}

func TestTokenBucket_NonPositiveCost(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero cost must always succeed")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket must reject positive cost")
	}
}
