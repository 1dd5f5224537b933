// Package retry runs operations with bounded attempts and exponential backoff.
// Only failures classified as transient are retried; everything else is returned unchanged.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"order-reconciler/internal/domain"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, 0 for none.
	Jitter float64
	// AttemptTimeout bounds a single attempt. A timed-out attempt counts as transient.
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		AttemptTimeout: 10 * time.Second,
	}
}

// NewBackOff returns an unbounded exponential schedule for p. Callers cap attempts.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Retryable is the default classification: lock conflicts, marked transient failures and
// network timeouts. Invalid transitions, validation failures and caller cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrTransient) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExhaustedError carries the last failure after the attempt ceiling is reached.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{domain.ErrRetryExhausted, e.Last} }

type Controller struct {
	policy   Policy
	classify Classifier
	log      *slog.Logger
}

type Option func(*Controller)

func WithClassifier(fn Classifier) Option {
	return func(c *Controller) { c.classify = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

func New(p Policy, opts ...Option) *Controller {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	c := &Controller{policy: p, classify: Retryable, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "retry")
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Do runs op until it succeeds, fails permanently, or the attempt ceiling is hit.
func (c *Controller) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var (
		attempts int
		last     error
	)
	operation := func() error {
		attempts++
		err := c.attempt(ctx, op)
		if err == nil {
			return nil
		}
		last = err
		if !c.classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("transient failure, backing off",
			"op", name, "attempt", attempts, "next_delay", next, "error", err)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.policy.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(c.policy.NewBackOff(), uint64(c.policy.MaxAttempts-1))
	}
	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted after %d attempts: %w", name, attempts, ctxErr)
	}
	if !c.classify(last) {
		return last
	}
	c.log.Error("retry attempts exhausted", "op", name, "attempts", attempts, "error", last)
	return &ExhaustedError{Op: name, Attempts: attempts, Last: last}
}

func (c *Controller) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if c.policy.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	err := op(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return domain.Transient(fmt.Errorf("attempt timed out after %s: %w", c.policy.AttemptTimeout, err))
	}
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, c *Controller, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
