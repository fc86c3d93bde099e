package syncer

import "time"

// RetryPolicy defines the exponential backoff parameters for delivery
// retries. MaxAttempts bounds the per-message budget; a message that fails
// every attempt is dead-lettered after exactly MaxAttempts attempts.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy matches the relay configuration defaults. The constants
// are tunable, not a contract.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 5.0,
	}
}

// NextRetryDelay computes the delay before the next delivery attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func NextRetryDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow.
		d = policy.MaxDelay
	}

	return d
}
