// Package retry wraps adapter calls with exponential backoff, jitter and a per-call timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spigell/job-responder/internal/model"
	"github.com/spigell/job-responder/internal/source"
	"go.uber.org/zap"
)

type Policy struct {
	MaxAttempts int           `mapstructure:"max-attempts"`
	BaseDelay   time.Duration `mapstructure:"base-delay"`
	MaxDelay    time.Duration `mapstructure:"max-delay"`
	MaxElapsed  time.Duration `mapstructure:"max-elapsed"`
	// Timeout bounds every single attempt. Zero means no per-call timeout.
	Timeout time.Duration `mapstructure:"-"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxElapsed:  2 * time.Minute,
		Timeout:     30 * time.Second,
	}
}

type Retrier struct {
	policy Policy
	logger *zap.Logger
}

func New(policy Policy, logger *zap.Logger) *Retrier {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{policy: policy, logger: logger}
}

func (r *Retrier) Policy() Policy {
	return r.policy
}

// Execute runs op until it succeeds, fails permanently or the policy is exhausted.
func (r *Retrier) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	return do(ctx, ctx, r, name, op)
}

// DoDetached is Do for calls that must not be cut off once sent. Each attempt
// runs without ctx cancellation, but a done ctx still stops the waits between
// attempts and no new attempt is started after it.
func DoDetached[T any](ctx context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	return do(ctx, context.WithoutCancel(ctx), r, name, op)
}

// do checks ctx before every attempt and runs the attempt under parent.
func do[T any](ctx, parent context.Context, r *Retrier, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result   T
		attempts int
		lastErr  error
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := r.callContext(parent)
		v, err := op(callCtx)
		cancel()

		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("retrying after transient failure",
			zap.String("operation", name),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, r.backOff(ctx), notify)
	if err == nil {
		return result, nil
	}

	var zero T
	if lastErr != nil && !Transient(lastErr) {
		return zero, fmt.Errorf("%s: %w", name, lastErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%s: %w", name, ctxErr)
	}
	return zero, fmt.Errorf("%s: %w after %d attempts: %w", name, source.ErrSourceUnavailable, attempts, lastErr)
}

// Transient reports whether another attempt may succeed.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, source.ErrAuth),
		errors.Is(err, source.ErrAlreadyApplied),
		errors.Is(err, model.ErrScoringInputInvalid),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, source.ErrSourceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (r *Retrier) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.Timeout)
}

func (r *Retrier) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.BaseDelay
	exp.MaxInterval = r.policy.MaxDelay
	exp.MaxElapsedTime = r.policy.MaxElapsed
	exp.RandomizationFactor = 0.5
	exp.Multiplier = 2
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)
}
