package ratelimiter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryWithBackoff retries op using an exponential backoff with jitter,
// honoring ctx cancellation and stopping immediately if op returns an
// error wrapping a permanent marker via backoff.Permanent.
func RetryWithBackoff(ctx context.Context, maxElapsed, initialInterval, maxInterval time.Duration, multiplier float64, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.Multiplier = multiplier
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Permanent wraps err so RetryWithBackoff stops retrying immediately,
// used for non-retryable domain errors like invalid argument or not found.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryAfter computes the wait duration a 429/Retry-After style response
// should impose, falling back to def when the platform didn't specify one.
func RetryAfter(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return def
}
