package dispatch

import (
	"math/rand/v2"
	"time"
)

const (
	BaseDelay = 2 * time.Second
	MaxDelay  = 180 * time.Second
	MaxJitter = time.Second
)

// Backoff is the delay before the next attempt after attempts failures:
// min(MaxDelay, 2^attempts * BaseDelay). It never decreases as attempts grows.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^7 * 2s already exceeds MaxDelay.
	if attempts > 7 {
		return MaxDelay
	}
	d := BaseDelay << uint(attempts)
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(MaxJitter)))
}
