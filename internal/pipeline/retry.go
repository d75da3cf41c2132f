// Package pipeline runs the derived-asset stages for ingested images: task dispatch,
// bounded retries, duplicate suppression and the reconciliation sweep.
package pipeline

import (
	"context"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/config"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often and how patiently an operation is retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// NewRetryPolicy builds a policy from the pipeline section of the config.
func NewRetryPolicy(cfg config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		AttemptTimeout: cfg.StageTimeout,
	}
}

// RetryResult reports how an operation under a RetryPolicy ended.
type RetryResult struct {
	Attempts int
	Err      error
}

// Succeeded reports whether the last attempt returned nil.
func (r RetryResult) Succeeded() bool {
	return r.Err == nil
}

// Exhausted reports whether every allowed attempt failed with a retryable error.
func (r RetryResult) Exhausted() bool {
	return r.Err != nil && !domain.IsPermanent(r.Err)
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Do runs op until it succeeds, fails permanently, runs out of attempts or ctx ends.
// Each attempt gets its own AttemptTimeout. NotFound and Validation errors stop immediately.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) RetryResult {
	var attempts int
	attempt := func() error {
		attempts++
		actx, cancel := p.attemptContext(ctx)
		defer cancel()
		err := op(actx)
		if err == nil {
			return nil
		}
		if domain.IsPermanent(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.With(logger.Fields{"wait_ms": wait.Milliseconds()}).
			WithAttempt(attempts).
			Warn(ctx, "Attempt failed, retrying: %v", err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(p.backOff(), ctx), notify)
	return RetryResult{Attempts: attempts, Err: err}
}

// Budget is the longest Do can run: every attempt timing out plus the widest randomised wait
// between attempts. It is zero when attempts are unbounded in time.
func (p RetryPolicy) Budget() time.Duration {
	if p.AttemptTimeout <= 0 {
		return 0
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	initial, maxWait := p.InitialBackoff, p.MaxBackoff
	if initial <= 0 {
		initial = backoff.DefaultInitialInterval
	}
	if maxWait <= 0 {
		maxWait = backoff.DefaultMaxInterval
	}

	total := time.Duration(attempts) * p.AttemptTimeout
	wait := float64(initial)
	for i := 1; i < attempts; i++ {
		step := time.Duration(wait)
		if step > maxWait {
			step = maxWait
		}
		total += step + time.Duration(float64(step)*backoff.DefaultRandomizationFactor)
		wait *= backoff.DefaultMultiplier
	}
	return total
}

func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, p.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}
