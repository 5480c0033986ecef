// Package retry wraps outbound calls (model generation, note publishing,
// streaming reconnects) in a bounded retry loop with backoff, built on
// failsafe-go retry policies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/sipeed/misskeybot/pkg/logger"
)

// Backoff selects how the delay between attempts grows.
type Backoff int

const (
	Exponential Backoff = iota
	Fixed
)

func (b Backoff) String() string {
	if b == Fixed {
		return "fixed"
	}
	return "exponential"
}

// ParseBackoff maps a config value to a Backoff. Unknown values are
// exponential.
func ParseBackoff(s string) Backoff {
	if s == "fixed" {
		return Fixed
	}
	return Exponential
}

// Policy configures one retried operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Backoff    Backoff
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// Jitter is a factor in [0,1) applied to each delay.
	Jitter float64
}

// DefaultPolicy returns the policy used when config leaves retry settings
// unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Backoff:    Exponential,
		Timeout:    60 * time.Second,
		Jitter:     0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.Timeout < 0 {
		p.Timeout = 0
	}
	return p
}

// Observer receives one call per attempt. err is nil for a successful
// attempt.
type Observer interface {
	ObserveAttempt(op string, err error)
}

// Executor runs operations under a Policy. The zero value is usable.
type Executor struct {
	observer Observer
}

// NewExecutor returns an executor reporting attempts to obs. obs may be nil.
func NewExecutor(obs Observer) *Executor {
	return &Executor{observer: obs}
}

func (e *Executor) observe(op string, err error) {
	if e != nil && e.observer != nil {
		e.observer.ObserveAttempt(op, err)
	}
}

// Do runs op until it succeeds, fails permanently, exhausts the policy or
// ctx is cancelled.
func (e *Executor) Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	_, err := Get(ctx, e, op, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func buildPolicy[T any](ctx context.Context, p Policy) retrypolicy.RetryPolicy[T] {
	builder := retrypolicy.NewBuilder[T]().
		WithMaxRetries(p.MaxRetries).
		HandleIf(func(_ T, err error) bool {
			return ctx.Err() == nil && IsTransient(err)
		})
	if p.Backoff == Fixed {
		builder = builder.WithDelay(p.BaseDelay)
	} else {
		builder = builder.WithBackoff(p.BaseDelay, p.MaxDelay)
	}
	if p.Jitter > 0 {
		builder = builder.WithJitterFactor(p.Jitter)
	}
	return builder.Build()
}

// Get is Do for operations that produce a value.
//
// A permanent error is returned as-is after one attempt. Cancellation of ctx
// returns ctx.Err(). When every attempt fails transiently the result is an
// *ExhaustedError wrapping the last failure.
func Get[T any](ctx context.Context, e *Executor, op string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var (
		attempts int
		last     error
	)
	result, err := failsafe.With[T](buildPolicy[T](ctx, p)).WithContext(ctx).Get(func() (T, error) {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !IsPermanent(err) {
			err = Transient(fmt.Errorf("attempt timed out after %s: %w", p.Timeout, err))
		}
		last = err
		e.observe(op, err)

		if err != nil && ctx.Err() == nil && IsTransient(err) && attempts <= p.MaxRetries {
			logger.WarnCF("retry", "Attempt failed, retrying", map[string]interface{}{
				"op":      op,
				"attempt": attempts,
				"error":   err.Error(),
			})
		}
		return v, err
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if last == nil {
		last = err
	}
	if IsPermanent(last) {
		return zero, last
	}
	logger.ErrorCF("retry", "Retries exhausted", map[string]interface{}{
		"op":       op,
		"attempts": attempts,
		"error":    last.Error(),
	})
	return zero, &ExhaustedError{Op: op, Attempts: attempts, Last: last}
}
