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

func TestKeyedLimiter_PerKeyBuckets(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewKeyedLimiter(clk, 60, 2) // 1/sec, burst 2.

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst of 2 to succeed")
	}
	if l.Allow("a") {
		t.Fatalf("expected third request to be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("expected independent bucket for key b")
	}

	clk.Advance(time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected refill after one second")
	}
}

func TestKeyedLimiter_DisabledAlwaysAllows(t *testing.T) {
	l := NewKeyedLimiter(nil, 0, 0)
	if l.Enabled() {
		t.Fatalf("expected limiter to be disabled")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
	if l.Len() != 0 {
		t.Fatalf("disabled limiter should not track keys, got %d", l.Len())
	}
}

func TestKeyedLimiter_SweepRemovesIdleKeys(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewKeyedLimiter(clk, 60, 1)

	l.Allow("old")
	clk.Advance(DefaultIdleTTL + time.Second)
	l.Allow("fresh")

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("Len=%d, want 1", l.Len())
	}
}

func TestMessageLimiter(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := NewMessageLimiter(clk, 3)

	for i := 0; i < 3; i++ {
		if !m.Allow() {
			t.Fatalf("expected message %d within burst", i)
		}
	}
	if m.Allow() {
		t.Fatalf("expected limiter to reject after burst")
	}

	clk.Advance(time.Second)
	if !m.Allow() {
		t.Fatalf("expected refill after one second")
	}
}

func TestMessageLimiter_NilIsUnlimited(t *testing.T) {
	m := NewMessageLimiter(nil, 0)
	if m != nil {
		t.Fatalf("expected nil limiter for perSecond=0")
	}
	if !m.Allow() {
		t.Fatalf("nil limiter must allow")
	}
}
