package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/duckbridge/pkg/config"
	"github.com/ajitpratap0/duckbridge/pkg/errors"
)

// Decision is what a retry loop does with an error.
type Decision int

const (
	// Retry waits for the backoff delay and tries again.
	Retry Decision = iota
	// Escalate returns the error to the caller unchanged.
	Escalate
	// Abort stops because the work was cancelled.
	Abort
)

// Classify maps an error onto a retry decision by its type.
func Classify(err error) Decision {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeTransientIO, errors.ErrorTypeTimeout, errors.ErrorTypeTransactionFailure:
		return Retry
	case errors.ErrorTypeCancelled:
		return Abort
	default:
		return Escalate
	}
}

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy builds the policy of a pipeline.
func NewRetryPolicy(cfg *config.Config) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		InitialDelay:    cfg.BackoffBase(),
		MaxDelay:        cfg.BackoffMax(),
		Multiplier:      2.0,
		RandomizeFactor: 0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta //nolint:gosec // jitter only
	}
	return time.Duration(delay)
}

// RetryFunc is notified before every retry.
type RetryFunc func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. fn receives the attempt number starting at 0. An
// exhausted budget returns a fatal error wrapping the last failure.
func (rp *RetryPolicy) Do(ctx context.Context, stage string, onRetry RetryFunc, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		switch Classify(err) {
		case Abort, Escalate:
			return err
		case Retry:
		}

		if attempt >= rp.MaxRetries {
			return errors.Fatal(err, fmt.Sprintf("%s failed after %d attempts", stage, attempt+1))
		}

		delay := rp.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "retry wait cancelled")
	case <-timer.C:
		return nil
	}
}
