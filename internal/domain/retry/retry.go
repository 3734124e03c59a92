// Package retry runs an operation under a bounded exponential backoff policy.
//
// One Policy type serves every recovery path of the service: stall recovery,
// track-ended recovery, device hot-plug replacement and hardware-fault
// escalation all parameterise the same controller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds the number of attempts and the delay between them.
// Attempts counts the first call; delay before attempt n+1 is
// InitialDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns the policy used for camera re-acquisition.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// Backoff returns the delay that follows the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.InitialDelay * time.Duration(1<<uint(shift))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type runner struct {
	sleep  func(ctx context.Context, d time.Duration) error
	notify func(attempt int, err error, next time.Duration)
}

// Option customises a single Do call.
type Option func(*runner)

// WithSleep replaces the timer based wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithNotify registers a callback invoked after each failed attempt that
// will be retried.
func WithNotify(fn func(attempt int, err error, next time.Duration)) Option {
	return func(r *runner) {
		r.notify = fn
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls op until it succeeds, returns a Permanent error, the context ends
// or the policy is exhausted. The first attempt runs immediately.
func Do(ctx context.Context, p Policy, op Operation, opts ...Option) error {
	r := &runner{sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w: %w", err, last)
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt)
		if r.notify != nil {
			r.notify(attempt, err, delay)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w: %w", serr, last)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
