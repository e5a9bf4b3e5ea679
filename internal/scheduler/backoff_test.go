package scheduler

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > base {
		t.Fatalf("backoff out of range for attempt 1: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > 4*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	// Far attempts are capped at max.
	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}

	if got := backoffWithJitter(base, max, 0); got != base {
		t.Fatalf("non-positive attempt should return base, got %s", got)
	}
}

func TestBackoffWithJitterTinyWindow(t *testing.T) {
	// A zero or single-nanosecond base must not panic the jitter draw.
	if got := backoffWithJitter(0, time.Minute, 3); got != 0 {
		t.Fatalf("zero base should yield zero wait, got %s", got)
	}
	if got := backoffWithJitter(time.Nanosecond, time.Nanosecond, 1); got != time.Nanosecond {
		t.Fatalf("1ns window should return the full wait, got %s", got)
	}
}
