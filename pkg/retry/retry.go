// Package retry re-executes failed operations with exponential backoff.
//
// The delay before retry n (0-indexed) is min(BaseDelay*2^n, MaxDelay). The
// same schedule drives realtime reconnection through NewSchedule.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxRetries is the number of re-executions after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every delay. Zero or negative leaves the doubling
	// uncapped.
	MaxDelay time.Duration

	// Jitter randomizes each delay by ±Jitter (0..1). Zero keeps the pure
	// doubling schedule.
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// Defaults to transport.IsRetryable.
	IsRetryable func(error) bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		IsRetryable: transport.IsRetryable,
	}
}

// NewSchedule returns a backoff whose n-th NextBackOff is
// min(base*2^n, maxDelay), randomized by jitter. A maxDelay <= 0 means no
// cap. It never returns backoff.Stop.
func NewSchedule(base, maxDelay time.Duration, jitter float64) backoff.BackOff {
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// attempt is the outcome of one execution.
type attempt[T any] struct {
	n     int
	value T
	err   error
}

// Execute runs fn and re-runs it while the policy allows. When retries are
// exhausted or the error is not retryable, the last error is returned
// unchanged. Cancellation during a backoff wait returns ctx.Err() wrapped
// together with the last error.
func Execute[T any](ctx context.Context, clk clock.Clock, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	clk = clock.OrReal(clk)
	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = transport.IsRetryable
	}
	schedule := NewSchedule(policy.BaseDelay, policy.MaxDelay, policy.Jitter)

	var last attempt[T]
	for n := 0; ; n++ {
		last = attempt[T]{n: n}
		last.value, last.err = fn(ctx)
		if last.err == nil {
			if n > 0 {
				log.Info().
					Int("attempt", n+1).
					Msg("Request succeeded after retry")
			}
			return last.value, nil
		}

		class := classLabel(last.err)
		if !retryable(last.err) {
			return last.value, last.err
		}
		if n >= policy.MaxRetries {
			retryExhaustedTotal.WithLabelValues(class).Inc()
			log.Warn().
				Str("error_class", class).
				Int("max_retries", policy.MaxRetries).
				Err(last.err).
				Msg("Retry attempts exhausted")
			return last.value, last.err
		}

		delay := schedule.NextBackOff()
		retriesTotal.WithLabelValues(class).Inc()
		retryBackoffSeconds.WithLabelValues(class).Observe(delay.Seconds())

		log.Debug().
			Str("error_class", class).
			Int("attempt", n+1).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if err := clk.Sleep(ctx, delay); err != nil {
			log.Warn().
				Str("error_class", class).
				Int("attempt", n+1).
				Msg("Context cancelled during retry backoff")
			var zero T
			return zero, fmt.Errorf("%w (last error: %w)", err, last.err)
		}
	}
}

// Do is Execute for operations without a result value.
func Do(ctx context.Context, clk clock.Clock, policy Policy, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, clk, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func classLabel(err error) string {
	if class := transport.ClassOf(err); class != "" {
		return string(class)
	}
	return "unknown"
}
