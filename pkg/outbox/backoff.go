package outbox

import "time"

// Backoff returns the delay before the next attempt after attempts failures:
// min(maxDelay, baseDelay * 2^(attempts-1)).
func Backoff(attempts int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
