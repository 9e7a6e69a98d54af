package queue

import "time"

// RetryPolicy defines the exponential backoff applied when a queued job fails.
// MaxAttempts counts deliveries, the first one included.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultDispatchPolicy is used when a dispatch queue is registered without
// an explicit policy.
var DefaultDispatchPolicy = RetryPolicy{
	MaxAttempts:   8,
	BaseDelay:     30 * time.Second,
	MaxDelay:      15 * time.Minute,
	BackoffFactor: 2.0,
}

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay >= float64(policy.MaxDelay) {
			break
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}

// Exhausted reports whether a job that just failed on its attempt-th
// redelivery (zero-based) has used up every delivery.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}
