package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"rhythmchamber/internal/logging"
)

var (
	// ErrInvalidRetries is returned before fn is ever invoked when MaxRetries
	// is negative.
	ErrInvalidRetries = errors.New("max retries must be a non-negative integer")

	// ErrTimeout is returned by WithTimeout when fn overruns its window.
	ErrTimeout = errors.New("operation timed out")
)

// Options tunes WithRetry.
type Options struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Total attempts = MaxRetries + 1. Negative values fail fast with
	// ErrInvalidRetries.
	MaxRetries int

	// Timeout bounds each individual attempt. Zero disables the per-attempt
	// timeout; the caller's context still applies.
	Timeout time.Duration

	// BaseDelay is the first backoff delay. Defaults to 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Defaults to 5s.
	MaxDelay time.Duration

	// JitterPct adds random jitter, e.g. 0.25 for 25%. Defaults to 0.25.
	JitterPct float64

	// sleepFn is injectable for tests.
	sleepFn func(ctx context.Context, d time.Duration) error
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 200 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.JitterPct <= 0 {
		o.JitterPct = 0.25
	}
	if o.sleepFn == nil {
		o.sleepFn = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithRetry runs fn with bounded retries. Only retryable kinds (timeouts,
// transient network, provider 5xx) are retried; ABORTED, validation and
// premium errors surface immediately. The caller's context acts as the abort
// signal for both attempts and backoff sleeps.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	if opts.MaxRetries < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRetries, opts.MaxRetries)
	}
	opts.applyDefaults()

	var lastErr error
	// attempt < MaxRetries guards the retry loop; the initial attempt is
	// outside the count, so total invocations = MaxRetries + 1.
	for attempt := 0; ; attempt++ {
		attemptFn := fn
		if opts.Timeout > 0 {
			attemptFn = func(ctx context.Context) error {
				return WithTimeout(ctx, fn, opts.Timeout, "attempt timed out")
			}
		}

		err := attemptFn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		if kind == KindAborted {
			logging.RetryDebug("aborted on attempt %d, not retrying", attempt+1)
			return err
		}
		if !IsRetryable(kind) {
			logging.RetryDebug("non-retryable %s on attempt %d: %v", kind, attempt+1, err)
			return err
		}
		if attempt >= opts.MaxRetries {
			break
		}

		delay := opts.BaseDelay * (1 << attempt)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
		delay += time.Duration(float64(delay) * rand.Float64() * opts.JitterPct)

		logging.RetryDebug("attempt %d/%d failed (%s), backing off %v: %v",
			attempt+1, opts.MaxRetries+1, kind, delay, err)

		if serr := opts.sleepFn(ctx, delay); serr != nil {
			return serr
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", opts.MaxRetries+1, lastErr)
}

// WithTimeout runs fn under a deadline. The timer is cleared on every exit
// path. fn must honor context cancellation; an overrun returns ErrTimeout with
// the given message while fn's goroutine winds down on its cancelled context.
func WithTimeout(ctx context.Context, fn func(ctx context.Context) error, d time.Duration, message string) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			// The outer context fired, not our timer: this is an abort.
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s (%v)", ErrTimeout, message, d)
	}
}
