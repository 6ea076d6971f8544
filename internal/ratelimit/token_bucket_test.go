package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucketConsumesCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("token %d denied", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("allowed beyond capacity")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clock, 2, 2)

	if !b.Allow(2) {
		t.Fatalf("initial burst denied")
	}
	if b.Allow(1) {
		t.Fatalf("empty bucket allowed")
	}

	clock.advance(500 * time.Millisecond) // 1 token at 2 tokens/sec
	if !b.Allow(1) {
		t.Fatalf("refilled token denied")
	}
	if b.Allow(1) {
		t.Fatalf("over-refilled")
	}

	clock.advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("bucket did not clamp-refill to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucketZeroCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero cost denied")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
}

func TestTokenBucketClockGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("initial token denied")
	}
	clock.now = time.Unix(50, 0)
	if b.Allow(1) {
		t.Fatalf("backwards clock minted tokens")
	}
}
