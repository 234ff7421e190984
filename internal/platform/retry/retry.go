package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultBaseDelay is the backoff unit applied before the second attempt.
const DefaultBaseDelay = 1000 * time.Millisecond

// ErrExhausted is returned when every attempt has been consumed.
var ErrExhausted = errors.New("retry: max attempts exceeded")

// Policy expresses a bounded exponential backoff: attempt n (zero-based)
// sleeps BaseDelay x 2^n before the next try. The same policy value is
// shared by the payment-verification and transfer call sites.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep is overridable for tests; nil means a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the backoff for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	return base << uint(attempt)
}

// Wait sleeps the backoff for the given attempt, honouring context cancellation.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return sleep(ctx, p.Delay(attempt))
}

// Do runs fn up to MaxAttempts times. A nil error stops immediately. A
// non-nil error is retried only while classify (nil means always retry)
// approves it; otherwise the error is returned as-is. When attempts run
// out the last error is returned.
func (p Policy) Do(ctx context.Context, classify func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if classify != nil && !classify(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := p.Wait(ctx, attempt); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
