package utils

import (
	"math/rand"
	"time"
)

// MaxBackoff caps any single retry delay.
const MaxBackoff = 30 * time.Second

// CalculateBackoff returns exponential backoff with jitter for the given attempt (1-based).
// The base delay doubles each attempt, is capped at MaxBackoff, and gets up to ±25% jitter.
// Attempt 0 or less returns 0.
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2+1)) - backoff/4
	return backoff + jitter
}
