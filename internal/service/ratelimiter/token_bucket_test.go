package ratelimiter

import (
	"testing"
	"time"
)

func newTestBucket(maxTokens float64, refill time.Duration) (*TokenBucket, *time.Time) {
	l := NewTokenBucket(BucketConfig{MaxTokens: maxTokens, RefillPeriod: refill})
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_NilOrUnconfigured_FailOpen(t *testing.T) {
	var l *TokenBucket
	if !l.Allow("any") {
		t.Fatal("expected nil limiter to allow")
	}
	l = NewTokenBucket(BucketConfig{})
	if !l.Allow("any") {
		t.Fatal("expected unconfigured limiter to allow")
	}
}

func TestAllow_InitialBurstBounded(t *testing.T) {
	l, _ := newTestBucket(3, time.Second)

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("expected allow on call %d", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("expected deny once capacity exhausted")
	}
}

func TestAllow_FractionalRefill(t *testing.T) {
	// The canonical case: elapsed=500ms, refill=1000ms, max=100 must yield
	// 50 tokens, not zero from a whole-period refill.
	l, now := newTestBucket(100, time.Second)

	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatalf("expected allow on call %d", i)
		}
	}
	if l.Allow("k") {
		t.Fatal("expected deny at zero tokens")
	}

	*now = now.Add(500 * time.Millisecond)
	if got := l.Tokens("k"); got != 0 {
		t.Fatalf("Tokens before refill-triggering call = %v, want 0", got)
	}

	admitted := 0
	for i := 0; i < 100; i++ {
		if l.Allow("k") {
			admitted++
		}
	}
	if admitted != 50 {
		t.Fatalf("admitted after half-period refill = %d, want 50", admitted)
	}
}

func TestAllow_RefillClampedAtMax(t *testing.T) {
	l, now := newTestBucket(10, time.Second)

	if !l.Allow("k") {
		t.Fatal("expected first allow")
	}
	*now = now.Add(time.Minute)

	admitted := 0
	for i := 0; i < 20; i++ {
		if l.Allow("k") {
			admitted++
		}
	}
	if admitted != 10 {
		t.Fatalf("admitted after long idle = %d, want 10 (clamped)", admitted)
	}
}

func TestAllow_BurstThenRecovery(t *testing.T) {
	l, now := newTestBucket(1000, time.Second)

	admitted := 0
	for i := 0; i < 1500; i++ {
		if l.Allow("k") {
			admitted++
		}
	}
	if admitted != 1000 {
		t.Fatalf("burst admitted = %d, want 1000", admitted)
	}

	// Denied calls must not accrue debt: one second later a full burst fits again.
	*now = now.Add(time.Second)
	admitted = 0
	for i := 0; i < 1000; i++ {
		if l.Allow("k") {
			admitted++
		}
	}
	if admitted != 1000 {
		t.Fatalf("post-refill burst admitted = %d, want 1000", admitted)
	}
}

func TestAllow_KeysIsolated(t *testing.T) {
	l, _ := newTestBucket(1, time.Second)

	if !l.Allow("a") {
		t.Fatal("expected allow for a")
	}
	if l.Allow("a") {
		t.Fatal("expected deny for a")
	}
	if !l.Allow("b") {
		t.Fatal("expected fresh bucket for b")
	}
}
