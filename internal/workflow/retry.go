package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// RetryPolicy bounds the attempts of one step
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy is used by steps that declare no policy
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2,
}

// VerificationRetryPolicy grows from 10s to 300s over 7 attempts
var VerificationRetryPolicy = RetryPolicy{
	MaxAttempts:     7,
	InitialInterval: 10 * time.Second,
	MaxInterval:     300 * time.Second,
	Multiplier:      2,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetryPolicy.Multiplier
	}
	return p
}

// BackOff returns the exponential schedule of the policy
func (p RetryPolicy) BackOff() backoff.BackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is used up. Exhaustion is reported as *domain.StepExhaustedError; a
// non-retryable error is returned as is.
func Retry(ctx context.Context, step string, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && !domain.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.Get().Inc(metrics.CounterStepRetries)
		log.Warn().Err(err).Str("step", step).Int("attempt", attempt).Dur("retry_in", next).Msg("Workflow step failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy.BackOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !domain.IsRetryable(err) {
		return err
	}
	return &domain.StepExhaustedError{Step: step, Attempts: attempt, Err: err}
}
