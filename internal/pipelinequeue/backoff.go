package pipelinequeue

import (
	"math"
	"time"
)

// BackoffPolicy computes the requeue delay after a failed attempt:
// min(Base * 2^(attempt-1), Cap). Attempt 1 is the first failure.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the queue's production tuning: 30s doubling up to
// a 15 minute ceiling.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 30 * time.Second, Cap: 15 * time.Minute}
}

// Delay returns the backoff before retry attempt n (1-indexed). Attempts
// below 1 are treated as 1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.Base) * math.Pow(2, float64(attempt-1)))
	if d > p.Cap || d < 0 {
		return p.Cap
	}
	return d
}
