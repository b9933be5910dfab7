// Package reliability provides the retry policies used when publishing and
// when recovering the broker connection.
//
// Policies decide after each failed attempt whether to try again and how long
// to wait:
//   - FixedDelay: the same delay between attempts
//   - ExponentialBackoff: growing delays capped at MaxInterval, with optional jitter
//
// Retry drives a policy. Errors wrapped with Permanent, and context
// cancellation, stop it immediately.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return publish()
//	})
package reliability
