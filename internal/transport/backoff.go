package transport

import "time"

// NextDelay returns the reconnect delay for the given consecutive failure
// attempt (1-based): initial × 2^(attempt-1), capped at max. A successful
// connection resets the attempt counter so the next delay is initial again.
func NextDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
