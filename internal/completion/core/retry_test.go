package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMarkRetryableAndIsRetryable(t *testing.T) {
	t.Parallel()

	if got := MarkRetryable(nil); got != nil {
		t.Fatalf("MarkRetryable(nil) = %v, want nil", got)
	}

	base := errors.New("temporary")
	marked := MarkRetryable(base)
	if !IsRetryableError(marked) {
		t.Fatalf("expected retryable marker on wrapped error")
	}
	if !errors.Is(marked, base) {
		t.Fatalf("expected wrapped error to unwrap to original")
	}
	if !IsRetryableError(fmt.Errorf("outer: %w", marked)) {
		t.Fatalf("expected retryable marker to survive wrapping")
	}
	if IsRetryableError(base) {
		t.Fatalf("did not expect plain error to be retryable")
	}
}

func TestNormalizeRetryPolicy(t *testing.T) {
	t.Parallel()

	got := NormalizeRetryPolicy(RetryPolicy{})
	if got.MaxRetries != defaultRetryMaxRetries || got.BaseDelay != defaultRetryBaseDelay || got.MaxDelay != defaultRetryMaxDelay {
		t.Fatalf("NormalizeRetryPolicy(zero) = %#v, want defaults", got)
	}

	got = NormalizeRetryPolicy(RetryPolicy{MaxRetries: -1, BaseDelay: time.Second, MaxDelay: time.Millisecond})
	if got.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0", got.MaxRetries)
	}
	if got.MaxDelay != time.Second {
		t.Fatalf("MaxDelay = %v, want clamp to BaseDelay", got.MaxDelay)
	}
}

func TestMergeRetryPolicyOverrideAndClamp(t *testing.T) {
	t.Parallel()

	base := RetryPolicy{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	merged := MergeRetryPolicy(base, RetryPolicy{MaxRetries: 2, BaseDelay: 30 * time.Millisecond})
	if merged.MaxRetries != 2 || merged.BaseDelay != 30*time.Millisecond || merged.MaxDelay != 30*time.Millisecond {
		t.Fatalf("MergeRetryPolicy() = %#v", merged)
	}

	merged = MergeRetryPolicy(base, RetryPolicy{})
	if merged != base {
		t.Fatalf("MergeRetryPolicy(empty override) = %#v, want %#v", merged, base)
	}
}

func TestComputeBackoffDelayInRange(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	cases := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{40, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		got := ComputeBackoffDelay(policy, tc.attempt)
		lower := tc.nominal * 8 / 10
		upper := tc.nominal*12/10 + time.Nanosecond
		if got < lower || got > upper {
			t.Fatalf("attempt %d delay = %v, want [%v, %v]", tc.attempt, got, lower, upper)
		}
	}
}

func TestSleepContextCanceledAndSuccess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, 100*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepContext(canceled) error = %v, want %v", err, context.Canceled)
	}
	if err := SleepContext(context.Background(), 2*time.Millisecond); err != nil {
		t.Fatalf("SleepContext(background) error = %v", err)
	}
}

func TestRetryStopsOnSuccessAndPermanentError(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkRetryable(errors.New("flaky"))
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Retry() error = %v calls = %d, want nil after 3", err, calls)
	}

	permanent := errors.New("bad request")
	calls = 0
	err = Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Retry() error = %v calls = %d, want permanent after 1", err, calls)
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return MarkRetryable(errors.New("down"))
	})
	if !IsRetryableError(err) || calls != 3 {
		t.Fatalf("Retry() error = %v calls = %d, want retryable after 3", err, calls)
	}
}
