package cache

import (
	"time"
)

// Entry is a cached value.
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

// Remaining returns the time until expiration at now, or 0 if expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	left := e.StoredAt.Add(e.TTL).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
