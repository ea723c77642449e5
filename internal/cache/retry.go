package cache

import (
	"math"
	"time"
)

// RetryPolicy spaces out automatic retries of a pending sync. There is no
// attempt limit: a pending snapshot is never dropped.
type RetryPolicy struct {
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after each failure.
	BackoffFactor float64
}

// DefaultRetryPolicy returns the agent's default backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}
}

// NextDelay returns the wait after the given number of consecutive failures.
func (r RetryPolicy) NextDelay(failures int) time.Duration {
	if failures < 1 || r.InitialDelay <= 0 {
		return 0
	}
	factor := r.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(r.InitialDelay) * math.Pow(factor, float64(failures-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(delay)
}
