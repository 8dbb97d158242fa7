package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folio/internal/shared/logging"
)

func TestKindOf_TaggedErrors(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindTransient, KindOf(NewTransient(base, "")))
	assert.Equal(t, KindRateLimit, KindOf(NewRateLimit(base, "")))
	assert.Equal(t, KindPolicy, KindOf(NewPolicy(base, "")))
	assert.Equal(t, KindFatal, KindOf(NewFatal(base, "")))
}

func TestKindOf_WrappedTag(t *testing.T) {
	inner := NewRateLimit(errors.New("quota"), "slow down")
	wrapped := fmt.Errorf("call provider: %w", inner)

	assert.Equal(t, KindRateLimit, KindOf(wrapped))
	assert.True(t, IsRateLimit(wrapped))
}

func TestKindOf_MessageFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"API error 429: rate limit exceeded", KindRateLimit},
		{"Resource has been exhausted", KindRateLimit},
		{"503 service unavailable", KindTransient},
		{"dial tcp: connection refused", KindTransient},
		{"request timeout", KindTransient},
		{"response blocked by safety settings", KindPolicy},
		{"401 unauthorized", KindFatal},
		{"something inexplicable", KindFatal},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(errors.New(tc.msg)), "msg=%q", tc.msg)
	}
}

func TestIsCancellation(t *testing.T) {
	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, IsCancellation(done, context.Canceled))
	assert.False(t, IsCancellation(done, nil))

	// A provider's own timeout wraps context.DeadlineExceeded while the
	// caller's context is still live; that is a provider fault, not a
	// cancellation.
	providerTimeout := fmt.Errorf("Post \"https://api.example.com/v1\": %w", context.DeadlineExceeded)
	assert.False(t, IsCancellation(live, providerTimeout))
	assert.False(t, IsCancellation(live, errors.New("timeout")))
}

func TestRetryWithResult_ProviderTimeoutIsRetried(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	timeout := NewTransient(fmt.Errorf("Post \"https://api.example.com/v1\": %w", context.DeadlineExceeded), "provider timed out")

	got, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", timeout
		}
		return "ok", nil
	}, logging.Nop())

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls, "an upstream deadline must be retried while the caller is live")
}

func TestRetryWithResult_TransientThenSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	got, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransient(errors.New("flaky"), "")
		}
		return "ok", nil
	}, logging.Nop())

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult_NonTransientBreaksOut(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	_, err := RetryWithResult(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		return "", NewRateLimit(errors.New("quota"), "")
	}, logging.Nop())

	require.Error(t, err)
	assert.Equal(t, 1, calls, "rate limit must not be retried in place")
	assert.True(t, IsRateLimit(err))
}

func TestRetryWithResult_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	_, err := RetryWithResult(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, NewTransient(errors.New("down"), "")
	}, logging.Nop())

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err), "exhausted error keeps its transient tag")
}

func TestRetryWithResult_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := RetryWithResult(ctx, DefaultRetryConfig(), func(context.Context) (int, error) {
		calls++
		return 0, nil
	}, logging.Nop())

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second, JitterFactor: 0}

	assert.Equal(t, 1*time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(2, cfg))
	assert.Equal(t, 4*time.Second, Backoff(5, cfg), "capped at MaxDelay")
}

func TestRandomExponentialBackoff_Bounds(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := RandomExponentialBackoff(attempt, time.Second, time.Minute)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Minute)
	}
}
