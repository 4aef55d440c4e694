package identity

import (
	"math/rand"
	"time"
)

// Backoff between attempts of idempotent provider calls.
var retryDelays = []time.Duration{
	100 * time.Millisecond,
	300 * time.Millisecond,
}

// JitterFactor is the ±percentage of jitter applied to delays.
const JitterFactor = 0.2

// MaxAttempts is the number of tries for an idempotent call.
const MaxAttempts = 3

// NextRetryDelay returns the delay before retry number attempt (0-indexed)
// with ±20% jitter.
func NextRetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retryDelays) {
		attempt = len(retryDelays) - 1
	}

	base := retryDelays[attempt]
	jitterRange := float64(base) * JitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(base) + jitter)
}
