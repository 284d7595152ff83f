package queue

import "time"

// MaxBackoff caps the delay between attempts however large the budget is.
const MaxBackoff = time.Hour

// RetryPolicy bounds attempts and spaces retries exponentially.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy allows 3 attempts with 5s, 10s delays between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Backoff returns the delay after the attemptsMade-th failure:
// BaseDelay * 2^(attemptsMade-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attemptsMade int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.BaseDelay >= MaxBackoff {
		return MaxBackoff
	}
	delay := p.BaseDelay
	for i := 1; i < attemptsMade; i++ {
		// Doubling past the cap is where the shift would overflow.
		if delay >= MaxBackoff/2 {
			return MaxBackoff
		}
		delay *= 2
	}
	return delay
}
