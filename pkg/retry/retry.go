// Package retry provides the bounded retry-with-backoff primitive shared by
// launch readiness waits, supervisor health probing, and toolchain downloads.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// Interval is the base delay between attempts.
	Interval time.Duration
	// MaxAttempts bounds the total number of attempts (including the first).
	// Zero means a single attempt.
	MaxAttempts uint64
	// Exponential selects exponential growth of the delay instead of a
	// constant interval.
	Exponential bool
	// MaxInterval caps the delay when Exponential is set.
	MaxInterval time.Duration
}

// Readiness is the schedule used while waiting for a spawned engine process
// to answer its first health probe.
var Readiness = Policy{Interval: 500 * time.Millisecond, MaxAttempts: 600}

// Transient is the schedule used for transient network failures during
// toolchain acquisition.
var Transient = Policy{
	Interval:    time.Second,
	MaxAttempts: 3,
	Exponential: true,
	MaxInterval: 10 * time.Second,
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done. The
// last error from op is returned on exhaustion; ctx.Err() is returned on
// cancellation.
func Do(ctx context.Context, policy Policy, op func() error) error {
	var b backoff.BackOff
	if policy.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = policy.Interval
		if policy.MaxInterval > 0 {
			eb.MaxInterval = policy.MaxInterval
		}
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(policy.Interval)
	}
	if policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, policy.MaxAttempts-1)
	} else {
		b = &backoff.StopBackOff{}
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
