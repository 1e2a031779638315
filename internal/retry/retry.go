// Package retry provides a bounded retry policy for upstream calls.
//
// A Policy is parameterized by the maximum number of attempts, an exponential
// backoff schedule and a predicate deciding which errors are worth retrying.
// Errors rejected by the predicate end the loop immediately.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default policy values: 3 attempts, waits of 1s then 2s (then 4s if more attempts are allowed).
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxInterval     = 30 * time.Second
)

// Timer is the wait primitive used between attempts. It matches backoff.Timer.
type Timer = backoff.Timer

// Policy is a reusable bounded-retry policy. The zero value is not usable; use New.
type Policy struct {
	maxAttempts     int
	initialInterval time.Duration
	multiplier      float64
	maxInterval     time.Duration
	retryable       func(error) bool
	notify          func(err error, wait time.Duration)
	timer           Timer
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts sets the total number of attempts, including the first one.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBackoff sets the first wait and the growth factor between waits.
func WithBackoff(initial time.Duration, multiplier float64) Option {
	return func(p *Policy) {
		p.initialInterval = initial
		p.multiplier = multiplier
	}
}

// WithRetryable sets the predicate deciding whether an error is retried.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.retryable = fn }
}

// WithNotify registers a callback invoked before each wait.
func WithNotify(fn func(err error, wait time.Duration)) Option {
	return func(p *Policy) { p.notify = fn }
}

// WithTimer replaces the wall-clock timer, mainly for tests.
func WithTimer(t Timer) Option {
	return func(p *Policy) { p.timer = t }
}

// New creates a Policy. Without WithRetryable no error is retried.
func New(opts ...Option) *Policy {
	p := &Policy{
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		multiplier:      DefaultMultiplier,
		maxInterval:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Schedule returns the waits the policy would perform if every attempt failed with a retryable error.
func (p *Policy) Schedule() []time.Duration {
	b := p.newBackOff()
	waits := make([]time.Duration, 0, p.maxAttempts-1)
	for i := 1; i < p.maxAttempts; i++ {
		waits = append(waits, b.NextBackOff())
	}
	return waits
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.initialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier,
		MaxInterval:         p.maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt budget
// is spent, or ctx is done. The last error from op is returned.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var b backoff.BackOff = backoff.WithMaxRetries(p.newBackOff(), uint64(p.maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.retryable == nil || !p.retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Debug("retry.Policy.Do: retryable failure", "attempt", attempt, "max_attempts", p.maxAttempts, "error", err)
		return err
	}

	var notify backoff.Notify
	if p.notify != nil {
		notify = func(err error, wait time.Duration) { p.notify(err, wait) }
	}
	return backoff.RetryNotifyWithTimer(operation, b, notify, p.timer)
}
