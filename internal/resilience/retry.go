package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskpilot/internal/logging"
)

// Strategy retries an operation according to the class of its failures.
// Permanent and stuck failures return immediately; resource failures wait
// the provider-supplied delay when one exists; everything else backs off
// exponentially from base up to max.
type Strategy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

// NewStrategy builds a retry strategy. maxAttempts counts the first call.
func NewStrategy(maxAttempts int, base, max time.Duration) *Strategy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Strategy{maxAttempts: maxAttempts, base: base, max: max}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Context cancellation propagates immediately and never consumes an
// attempt, whether it lands mid-call or mid-wait.
func (s *Strategy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	log := logging.Get(logging.CategoryResilience)

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.delayFor(lastErr, attempt)
			log.Debugw("retrying", "op", op, "attempt", attempt, "delay", delay.String())
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		switch Classify(err) {
		case ClassPermanent:
			log.Warnw("permanent failure, not retrying", "op", op, "error", err)
			return err
		case ClassStuck:
			return err
		}
		log.Warnw("attempt failed", "op", op, "attempt", attempt, "class", Classify(err), "error", err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, s.maxAttempts, lastErr)
}

// delayFor picks the wait before the given attempt number (2-based).
func (s *Strategy) delayFor(err error, attempt int) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	delay := s.base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= s.max {
			return s.max
		}
	}
	if delay > s.max {
		delay = s.max
	}
	return delay
}
