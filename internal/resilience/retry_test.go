package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

func recordingPolicy(delays *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func always(error) bool { return true }

func TestRetry_ExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	calls := 0
	n, err := p.Do(context.Background(), always, func(ctx context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	calls := 0
	n, err := p.Do(context.Background(), always, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, delays, 1)
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)
	errReject := errors.New("rejected")

	n, err := p.Do(context.Background(), func(err error) bool { return !errors.Is(err, errReject) },
		func(ctx context.Context) error { return errReject })

	assert.ErrorIs(t, err, errReject)
	assert.Equal(t, 1, n)
	assert.Empty(t, delays)
}

func TestRetry_AttemptTimeout(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}

	n, err := p.Do(context.Background(), always, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, n)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := p.Do(ctx, always, func(ctx context.Context) error {
			calls++
			return errTransient
		})
		assert.Equal(t, 1, n)
		assert.ErrorIs(t, err, errTransient)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
	assert.Equal(t, 1, calls)
}
