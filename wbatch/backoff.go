package wbatch

import "time"

// backoffDelay returns the delay to wait before retry attempt+1, given that
// attempt (1-based) just failed: min(base * 2^(attempt-1), max).  The
// formula is kept pure so it can be verified without any clock; the waiting
// itself happens against the engine's injected clock.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift well below the width of time.Duration; anything
	// bigger has long since exceeded any sane max.
	if attempt > 32 {
		return max
	}
	delay := base << uint(attempt-1)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
