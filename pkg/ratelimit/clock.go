package ratelimit

import (
	"context"
	"time"
)

// Clock is the time source the limiter measures windows and sleeps with.
type Clock interface {
	// Now returns the current time. Implementations must return values
	// carrying a monotonic reading so that Sub is immune to wall clock steps.
	Now() time.Time

	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d, returning early with ctx.Err() on cancellation.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
