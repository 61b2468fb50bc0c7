// Package retry runs operations prone to transient failure with bounded
// exponential backoff.
//
// The first attempt is not a retry. Once the number of failed attempts
// exceeds Config.MaxRetries the last error is returned unchanged, so with
// MaxRetries 2 an operation runs at most three times.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// Config bounds the retry loop. Zero delays and multipliers below 1 fall back
// to the defaults.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultMultiplier
	}
	return c
}

// NewBackOff returns the delay generator for cfg: an ExponentialBackOff
// without jitter, so the sequence is InitialDelay, InitialDelay*Multiplier,
// ... capped at MaxDelay.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          c.BackoffMultiplier,
		MaxInterval:         c.MaxDelay,
	}
	b.Reset()
	return b
}

// OnRetryFunc observes a retry before its wait. attempt is the 1-based number
// of the failed attempt.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	onRetry OnRetryFunc
	sleep   SleepFunc
}

type Option func(*options)

func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the context-aware timer wait; tests use it to record
// delays without waiting.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// Sleep waits for d, returning ctx.Err() if ctx finishes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds or the retry budget is spent.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	delays := cfg.NewBackOff()

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt > cfg.MaxRetries {
			return zero, err
		}

		delay := min(delays.NextBackOff(), cfg.MaxDelay)
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if err := o.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, cfg Config, op func(context.Context) error, opts ...Option) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}
