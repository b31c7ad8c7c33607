package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries a call with exponential backoff. Each attempt runs
// under its own AttemptTimeout.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration

	// Sleep waits between attempts; tests replace it. nil uses a timer
	// that aborts when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 3 attempts, 1s initial delay, 2x multiplier.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		Multiplier:     2,
		AttemptTimeout: 10 * time.Second,
	}
}

// Do calls fn until it succeeds, returns an error retryable rejects, or
// MaxAttempts is reached. It returns the number of attempts made and the
// last error.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var err error
	for i := 1; i <= attempts; i++ {
		err = p.attempt(ctx, fn)
		if err == nil || !retryable(err) {
			return i, err
		}
		if i == attempts {
			break
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return i, err
		}
		delay = p.next(delay)
	}
	return attempts, err
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

func (p RetryPolicy) next(d time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(d) * m)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
