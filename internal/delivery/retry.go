// Package delivery implements the outbound alert webhook channel: payload
// formatting, HMAC signing, resilient HTTP transmission, and the retry
// policy applied by the alert worker.
package delivery

import (
	"time"
)

// RetryPolicy defines the exponential backoff parameters for delivery retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// WebhookRetryPolicy is the standard policy for alert webhook delivery. The
// MaxDelay ceiling equals the SQS DelaySeconds limit, so a computed backoff
// can always be expressed as a message delay.
var WebhookRetryPolicy = RetryPolicy{
	MaxAttempts:   5,
	BaseDelay:     2 * time.Second,
	MaxDelay:      900 * time.Second,
	BackoffFactor: 4.0,
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
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}
