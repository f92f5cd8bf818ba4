// Package retry provides a bounded retry-with-backoff wrapper for fallible
// external calls (model completions, outbound sends). Failure handling stays
// a visible branch at the call site: the last error is surfaced, and callers
// decide whether exhaustion is fatal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy tunes one retry sequence. The delay before retry i (zero-based
// attempt index of the failed attempt) is InitialDelay * Multiplier^i.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultPolicy is the reference policy: three attempts with two waits
// between them (1s then 2s).
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}
	return p
}

// PermanentError marks a failure that must not be retried even when attempts
// remain (e.g. an authentication failure from a provider).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor aborts the attempt sequence.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the non-transient marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// sleep waits for d or until ctx is cancelled. Swapped out in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op up to p.MaxAttempts times, backing off between attempts. The
// backoff wait suspends only the calling goroutine, never the process-wide
// intake path. On a permanent error or context cancellation the sequence
// aborts immediately; on exhaustion the last error is returned.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error

	delay := p.InitialDelay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
			delay = time.Duration(float64(delay) * p.Multiplier)
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("after %d attempts: %w", p.MaxAttempts, lastErr)
}
