// Package backoff wraps upstream calls with bounded exponential backoff.
// Only errors classified as rate limits are retried; everything else is
// returned to the caller on the first attempt.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zhouzirui/pitchroom/backend/internal/config"
	"github.com/zhouzirui/pitchroom/backend/internal/metrics"
)

var (
	// ErrRateLimited marks an upstream refusal that is safe to retry later.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrRetriesExhausted is returned once every attempt was rate limited.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

const (
	jitterMin = 1.0
	jitterMax = 1.5
)

// RateLimited tags err so the controller retries it.
func RateLimited(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRateLimited) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRateLimited, err)
}

// IsRateLimited reports whether err belongs to the retryable class.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Attempt describes one call made by the controller.
type Attempt struct {
	Number int
	Delay  time.Duration
	Class  string
}

// Controller retries rate-limited calls. The zero value is not usable; use New.
type Controller struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	jitter      func() float64
	observe     func(op string, a Attempt)
}

// Option customises a Controller.
type Option func(*Controller)

// WithMetrics records attempts into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithJitter overrides the jitter source. The returned factor is clamped to [1.0, 1.5).
func WithJitter(fn func() float64) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithObserver registers a hook invoked after every attempt.
func WithObserver(fn func(op string, a Attempt)) Option {
	return func(c *Controller) { c.observe = fn }
}

// New builds a controller from cfg.
func New(cfg config.BackoffConfig, opts ...Option) *Controller {
	c := &Controller{
		base:        cfg.BaseDelay,
		max:         cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		jitter:      func() float64 { return jitterMin + rand.Float64()*(jitterMax-jitterMin) },
	}
	if c.base <= 0 {
		c.base = 500 * time.Millisecond
	}
	if c.max < c.base {
		c.max = c.base
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call runs fn with the configured attempt budget.
func (c *Controller) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.CallWithBackoff(ctx, name, fn, c.maxAttempts)
}

// CallWithBackoff runs fn until it succeeds, fails with a non rate-limit error,
// or maxAttempts rate-limited attempts have been made. In the last case the
// returned error wraps both ErrRetriesExhausted and the final upstream error.
func (c *Controller) CallWithBackoff(ctx context.Context, name string, fn func(ctx context.Context) error, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	var last error

	schedule := c.schedule()
	b := retry.WithMaxRetries(uint64(maxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		delay := schedule()
		c.record(name, Attempt{Number: attempt, Delay: delay, Class: "rate_limited"})
		return delay, false
	}))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		last = err
		switch {
		case err == nil:
			c.record(name, Attempt{Number: attempt, Class: "ok"})
			return nil
		case IsRateLimited(err):
			return retry.RetryableError(err)
		default:
			c.record(name, Attempt{Number: attempt, Class: "fatal"})
			return err
		}
	})

	if err == nil || !IsRateLimited(last) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.record(name, Attempt{Number: attempt, Class: "canceled"})
		return err
	}
	c.record(name, Attempt{Number: attempt, Class: "exhausted"})
	return fmt.Errorf("%s: %w after %d attempts: %w", name, ErrRetriesExhausted, attempt, last)
}

// schedule returns a generator of non-decreasing delays: base*2^n*jitter capped at max.
func (c *Controller) schedule() func() time.Duration {
	n := 0
	var prev time.Duration
	return func() time.Duration {
		factor := c.jitter()
		if factor < jitterMin {
			factor = jitterMin
		}
		if factor >= jitterMax {
			factor = math.Nextafter(jitterMax, jitterMin)
		}
		raw := float64(c.base) * math.Pow(2, float64(n)) * factor
		n++

		next := c.max
		if raw < float64(c.max) {
			next = time.Duration(raw)
		}
		if next < prev {
			next = prev
		}
		prev = next
		return next
	}
}

func (c *Controller) record(op string, a Attempt) {
	log.Printf("[backoff] op=%s attempt=%d delay=%s outcome=%s", op, a.Number, a.Delay, a.Class)
	c.metrics.RecordAttempt(op, a.Class, a.Delay)
	if c.observe != nil {
		c.observe(op, a)
	}
}

// Do runs fn through c with the configured attempt budget and returns its value.
func Do[T any](ctx context.Context, c *Controller, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
