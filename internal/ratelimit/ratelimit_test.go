package ratelimit

import (
	"testing"
	"time"
)

// TestBucketLimiterAllowsUpToCapacity exercises the in-process fallback
// path (spec §9 "Rate limit fallback") in isolation from Redis: a fresh
// bucket should admit exactly `limit` requests per window before refusing.
func TestBucketLimiterAllowsUpToCapacity(t *testing.T) {
	bl := newBucketLimiter(3, time.Second)
	key := "user-1"

	for i := 0; i < 3; i++ {
		if !bl.Allow(key) {
			t.Fatalf("Allow() #%d = false, want true (within capacity)", i)
		}
	}
	if bl.Allow(key) {
		t.Errorf("Allow() after capacity exhausted = true, want false")
	}
}

// TestBucketLimiterRefillsOverTime checks that tokens regenerate at
// refillRate so a caller blocked at capacity is eventually admitted again
// without waiting a full window.
func TestBucketLimiterRefillsOverTime(t *testing.T) {
	bl := newBucketLimiter(2, 100*time.Millisecond)
	key := "user-2"

	if !bl.Allow(key) || !bl.Allow(key) {
		t.Fatalf("initial burst of 2 should be allowed")
	}
	if bl.Allow(key) {
		t.Fatalf("3rd immediate call should be refused")
	}

	time.Sleep(120 * time.Millisecond)
	if !bl.Allow(key) {
		t.Errorf("Allow() after refill window = false, want true")
	}
}

// TestBucketLimiterPerKeyIsolation verifies two users never share tokens.
func TestBucketLimiterPerKeyIsolation(t *testing.T) {
	bl := newBucketLimiter(1, time.Second)
	if !bl.Allow("a") {
		t.Fatalf("Allow(a) #1 = false, want true")
	}
	if bl.Allow("a") {
		t.Fatalf("Allow(a) #2 = true, want false")
	}
	if !bl.Allow("b") {
		t.Errorf("Allow(b) #1 = false, want true (independent bucket)")
	}
}
