package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "venue_rate_limit_remaining",
		Help: "Requests remaining in the current server rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_rate_limit_blocks_total",
		Help: "Total number of requests delayed by a server-imposed block",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_rate_limit_throttles_total",
		Help: "Total number of requests delayed by the local token bucket",
	})
)

// Config configures a Tracker.
type Config struct {
	// RequestsPerSecond paces outbound requests. Zero disables local pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size. Defaults to 1 when pacing is enabled.
	Burst int

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Tracker gates outbound requests on a local token bucket and on the
// rate limit state reported by the server.
type Tracker struct {
	limiter *rate.Limiter
	clock   clock.Clock
	logger  zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewTracker creates a tracker from cfg.
func NewTracker(cfg Config) *Tracker {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Tracker{
		limiter: rate.NewLimiter(limit, burst),
		clock:   clock.OrReal(cfg.Clock),
		logger:  logging.OrDefault(cfg.Logger, "ratelimit"),
		state:   State{Remaining: -1},
	}
}

// State returns a copy of the last observed server state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Wait blocks until a request may be sent or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	state := t.State()
	if wait := state.TimeUntilUnblocked(t.clock.Now()); wait > 0 {
		t.logger.Warn().
			Dur("wait_duration", wait).
			Msg("Server rate limit active - delaying request")

		rateLimitBlocksTotal.Inc()
		if err := t.clock.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("wait for rate limit reset: %w", err)
		}
	}

	if t.limiter.Limit() != rate.Inf && t.limiter.Tokens() < 1 {
		rateLimitThrottlesTotal.Inc()
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for request token: %w", err)
	}
	return nil
}

// UpdateFromHeaders records the rate limit information of one response.
// Responses without rate limit headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(status int, headers http.Header) error {
	now := t.clock.Now()

	var blockedUntil time.Time
	if status == http.StatusTooManyRequests {
		wait, err := parseRetryAfter(headers.Get(HeaderRetryAfter), now)
		if err != nil {
			return err
		}
		blockedUntil = now.Add(wait)
	}

	remaining := -1
	var resetAt time.Time
	if remainStr := headers.Get(HeaderRemaining); remainStr != "" {
		n, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		remaining = n

		if resetStr := headers.Get(HeaderReset); resetStr != "" {
			secs, err := strconv.Atoi(resetStr)
			if err != nil {
				return fmt.Errorf("parse %s header: %w", HeaderReset, err)
			}
			resetAt = now.Add(time.Duration(secs) * time.Second)
		}

		if remaining == 0 && resetAt.After(blockedUntil) {
			blockedUntil = resetAt
		}
	}

	if remaining < 0 && blockedUntil.IsZero() {
		return nil
	}

	t.mu.Lock()
	if remaining >= 0 {
		t.state.Remaining = remaining
		t.state.ResetAt = resetAt
	}
	if blockedUntil.After(t.state.BlockedUntil) {
		t.state.BlockedUntil = blockedUntil
	}
	t.state.LastUpdate = now
	state := t.state
	t.mu.Unlock()

	if remaining >= 0 {
		rateLimitRemaining.Set(float64(remaining))
	}

	switch {
	case state.IsBlocked(now):
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("blocked_until", state.BlockedUntil).
			Msg("Server rate limit reached - requests will be delayed")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Server rate limit nearly exhausted")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Rate limit state updated")
	}

	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date. A missing header
// yields a one second pause.
func parseRetryAfter(value string, now time.Time) (time.Duration, error) {
	if value == "" {
		return time.Second, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, nil
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
