package http

import "time"

// RetryPolicy governs the forward loop against a tenant engine that
// may still be booting.
type RetryPolicy struct {
	MaxAttempts int
	// Delay returns how long to sleep before the given attempt.
	// Attempts are 1-based; attempt 1 never sleeps.
	Delay func(attempt int) time.Duration
}

// NewRetryPolicy builds a policy with a linear backoff of
// attempt*unit before each retry.
func NewRetryPolicy(maxAttempts int, unit time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			if attempt <= 1 {
				return 0
			}
			return time.Duration(attempt-1) * unit
		},
	}
}
