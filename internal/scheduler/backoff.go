package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter computes the delay before retry attempt n (1-indexed):
// exponential growth capped at max, with half the window randomized to
// spread out retries of a systemically failing dependency.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		// Sub-2ns window, nothing left to randomize.
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
