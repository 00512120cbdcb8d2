package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns an exponential delay for the given attempt, capped at max,
// with the upper half randomized.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	wait := max
	if exp := float64(base) * math.Pow(2, float64(attempt-1)); exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
