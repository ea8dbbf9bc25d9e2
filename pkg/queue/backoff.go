package queue

import "time"

// Backoff returns the delay before redelivering a job whose attempt-th
// delivery failed: base * 2^(attempt-1), capped at max when max > 0.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<(attempt-1))
	if max > 0 && (d > max || d <= 0) {
		return max
	}
	return d
}
