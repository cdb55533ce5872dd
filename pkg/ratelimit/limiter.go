package ratelimit

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for quota throttling.
var (
	quotaThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ga_quota_throttles_total",
		Help: "Total number of times an identity key exhausted its quota window",
	})

	quotaSleepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ga_quota_sleep_seconds",
		Help:    "Time slept to stay within the per-identity request quota",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
	})
)

// Limiter throttles a fetch run against the per-identity quota.
type Limiter struct {
	clock  Clock
	logger zerolog.Logger
}

// NewLimiter creates a limiter. A nil clock means SystemClock.
func NewLimiter(clock Clock, logger zerolog.Logger) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{
		clock:  clock,
		logger: logger,
	}
}

// Start returns a fresh state for one run, with the window starting now.
func (l *Limiter) Start() *State {
	return NewState(l.clock.Now())
}

// Wait is a no-op unless key has exhausted its allowance. Then it sleeps for
// whatever is left of the shared window, gives key a full allowance and
// restarts the shared window.
func (l *Limiter) Wait(ctx context.Context, state *State, key string) error {
	if !state.Exhausted(key) {
		return nil
	}

	quotaThrottlesTotal.Inc()

	elapsed := state.Elapsed(l.clock.Now())
	if elapsed < Window {
		pause := Window - elapsed

		l.logger.Debug().
			Str("identity_key", key).
			Dur("elapsed", elapsed).
			Dur("sleep", pause).
			Msg("Quota window exhausted, sleeping")

		quotaSleepSeconds.Observe(pause.Seconds())
		if err := l.clock.Sleep(ctx, pause); err != nil {
			return fmt.Errorf("quota sleep: %w", err)
		}
	}

	state.Reset(key, l.clock.Now())
	return nil
}

// Clock returns the limiter's time source.
func (l *Limiter) Clock() Clock {
	return l.clock
}
