// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts    int           // Total attempts; 0 retries until ctx is done
	InitialBackoff time.Duration // Delay before the second attempt
	MaxBackoff     time.Duration // Cap on the delay between attempts

	// Retryable classifies errors; nil retries everything.
	Retryable func(error) bool
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts, or ctx is done. The last error from fn is wrapped in
// the returned error.
func Do(ctx context.Context, p Policy, logger zerolog.Logger, op string, fn func(context.Context) error) error {
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if p.MaxBackoff < backoff {
		p.MaxBackoff = backoff
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			break
		}

		logger.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%s after %d attempts: %w", op, p.MaxAttempts, lastErr)
}
