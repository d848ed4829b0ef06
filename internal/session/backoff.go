package session

import (
	"math/rand"
	"time"
)

// jitterRange is the uniform jitter added to each reconnect delay.
const jitterRange = time.Second

// Backoff returns the reconnect delay for the given attempt (1-based):
// min(base * 2^(attempt-1) + U(0, 1s), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	delay += time.Duration(rand.Int63n(int64(jitterRange)))
	if delay > max {
		return max
	}
	return delay
}
