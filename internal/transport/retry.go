package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is an explicit retry policy for transient channel errors:
// a bounded attempt count with a fixed backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second}
}

// Do runs fn up to MaxAttempts times, sleeping Backoff between attempts,
// retrying only while retryIf returns true for the returned error. The
// last error is returned once attempts are exhausted or the error does
// not qualify.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, op string, retryIf func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryIf(err) || attempt == attempts {
			return err
		}

		logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", p.Backoff).
			Msg("transient failure, retrying")

		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
