// Package retry runs an operation under a bounded backoff policy on top of
// cenkalti/backoff, adding resumable attempt sequences and server hints.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier grows the delay between consecutive attempts. Values below 1 are treated as 1.
	Multiplier float64

	// Sleep replaces the backoff timer when set: every wait is passed to it
	// instead of being slept by the retry loop.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three attempts with exponential backoff starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
	}
}

// Hinted is implemented by errors that carry a server-provided wait, such as
// a rate-limit response with a retry-after value.
type Hinted interface {
	RetryDelay() time.Duration
}

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged when it sees one.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}

func hint(err error) time.Duration {
	var h Hinted
	if errors.As(err, &h) {
		return h.RetryDelay()
	}
	return 0
}

// Backoff returns how long to wait after the given failed attempt (1-based).
// A Hinted error replaces the computed delay with its own.
func (p Policy) Backoff(attempt int, err error) time.Duration {
	if d := hint(err); d > 0 {
		return d
	}

	mult := p.multiplier()
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) multiplier() float64 {
	if p.Multiplier < 1 {
		return 1
	}
	return p.Multiplier
}

// exponential starts at the delay that follows attempt done+1.
func (p Policy) exponential(done int) *backoff.ExponentialBackOff {
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.Backoff(done+1, nil),
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         maxInterval,
	}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts is reached.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	return Resume(ctx, p, 0, nil, fn)
}

// Resume continues an attempt sequence of which the first done attempts
// already ran elsewhere and ended with lastErr. The wait before the next
// attempt is derived from lastErr.
func Resume(ctx context.Context, p Policy, done int, lastErr error, fn func(ctx context.Context, attempt int) error) error {
	if IsPermanent(lastErr) {
		return unwrapPermanent(lastErr)
	}

	remaining := p.MaxAttempts - done
	if remaining < 1 {
		if lastErr == nil {
			return fmt.Errorf("retry: no attempts left (max %d)", p.MaxAttempts)
		}
		return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
	}
	if done > 0 {
		if err := p.sleep(ctx, p.Backoff(done, lastErr)); err != nil {
			return err
		}
	}

	attempt := done
	op := func() (struct{}, error) {
		attempt++
		err := fn(ctx, attempt)
		lastErr = err
		if err == nil || IsPermanent(err) || p.Sleep != nil {
			return struct{}{}, err
		}
		if d := hint(err); d > 0 {
			return struct{}{}, &hintedError{err: err, after: &backoff.RetryAfterError{Duration: d}}
		}
		return struct{}{}, err
	}

	var b backoff.BackOff = p.exponential(done)
	if p.Sleep != nil {
		b = &steppedBackOff{ctx: ctx, inner: b, sleep: p.Sleep, last: &lastErr}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(remaining)),
		backoff.WithMaxElapsedTime(0),
	)
	switch {
	case err == nil:
		return nil
	case IsPermanent(lastErr):
		return unwrapPermanent(lastErr)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
	}
}

// hintedError exposes a server-provided wait to the backoff loop as a
// RetryAfterError while keeping the original error in the chain.
type hintedError struct {
	err   error
	after *backoff.RetryAfterError
}

func (e *hintedError) Error() string   { return e.err.Error() }
func (e *hintedError) Unwrap() []error { return []error{e.err, e.after} }

// steppedBackOff hands every wait to Policy.Sleep and lets the loop continue
// at once, so the wait sequence can be observed without real timers.
type steppedBackOff struct {
	ctx   context.Context
	inner backoff.BackOff
	sleep func(ctx context.Context, d time.Duration) error
	last  *error
}

func (s *steppedBackOff) Reset() { s.inner.Reset() }

func (s *steppedBackOff) NextBackOff() time.Duration {
	d := s.inner.NextBackOff()
	if h := hint(*s.last); h > 0 {
		d = h
	}
	if err := s.sleep(s.ctx, d); err != nil {
		return backoff.Stop
	}
	return 0
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// ParseRetryAfter reads a Retry-After header given either in seconds or as an
// HTTP date. It returns zero when the header is missing or already in the past.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
