// Package ratelimit paces outbound requests and honours server-imposed
// rate limit windows (429 Retry-After and X-RateLimit-* headers).
package ratelimit

import (
	"time"
)

// Response headers inspected by the tracker.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
)

// ThresholdWarning marks a nearly exhausted server budget. Below it the
// tracker logs a warning on every update.
const ThresholdWarning = 5

// State is the server request budget as last observed in response headers.
type State struct {
	// Remaining is the number of requests left in the current server window.
	// -1 when the server never reported it.
	Remaining int `json:"remaining"`

	// ResetAt is when the server window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is set from Retry-After or an exhausted window. No request
	// leaves the process before it.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when headers were last applied.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge at now.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// IsBlocked reports whether requests must wait at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// NeedsThrottling reports a known budget below ThresholdWarning.
func (s *State) NeedsThrottling() bool {
	return s.Remaining >= 0 && s.Remaining < ThresholdWarning
}

// TimeUntilUnblocked returns how long requests must still wait at now.
// Returns 0 if not blocked.
func (s *State) TimeUntilUnblocked(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
