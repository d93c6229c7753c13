package core

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryMaxRetries = 3
	defaultRetryBaseDelay  = 300 * time.Millisecond
	defaultRetryMaxDelay   = 5 * time.Second
)

// RetryPolicy configures retry/backoff behavior for retryable failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type retryableError struct {
	err error
}

func (e retryableError) Error() string {
	return e.err.Error()
}

func (e retryableError) Unwrap() error {
	return e.err
}

// MarkRetryable wraps err so retry loops treat it as transient.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryableError reports whether err has been marked as retryable.
func IsRetryableError(err error) bool {
	var target retryableError
	return errors.As(err, &target)
}

// IsCanceled reports whether err stems from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NormalizeRetryPolicy fills unset retry settings with defaults.
// A negative MaxRetries disables retries; zero means unset.
func NormalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	switch {
	case policy.MaxRetries < 0:
		policy.MaxRetries = 0
	case policy.MaxRetries == 0:
		policy.MaxRetries = defaultRetryMaxRetries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultRetryBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultRetryMaxDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return policy
}

// MergeRetryPolicy overlays request-level retry options on top of provider defaults.
func MergeRetryPolicy(base RetryPolicy, override RetryPolicy) RetryPolicy {
	merged := NormalizeRetryPolicy(base)
	if override.MaxRetries > 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		merged.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		merged.MaxDelay = override.MaxDelay
	}
	if merged.MaxDelay < merged.BaseDelay {
		merged.MaxDelay = merged.BaseDelay
	}
	return merged
}

// ComputeBackoffDelay returns exponential backoff with ±20% jitter for attempt
// (zero-based), capped at policy.MaxDelay before jitter.
func ComputeBackoffDelay(policy RetryPolicy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 0; i < attempt && delay < policy.MaxDelay; i++ {
		delay *= 2
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

// SleepContext waits for delay unless the context is canceled first.
func SleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's retries are spent.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	policy = NormalizeRetryPolicy(policy)
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsCanceled(err) || !IsRetryableError(err) || attempt >= policy.MaxRetries {
			return err
		}
		if sleepErr := SleepContext(ctx, ComputeBackoffDelay(policy, attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}
