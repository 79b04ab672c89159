package cache

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when Options.TTL is zero.
const DefaultTTL = 5 * time.Minute

// ErrCacheMiss indicates the requested key has no live entry.
var ErrCacheMiss = errors.New("cache miss")

// FetchFunc produces the value for a key.
type FetchFunc func(ctx context.Context) (any, error)

// Options controls one GetOrFetch call.
type Options struct {
	// TTL of the stored entry. Zero means the registry default.
	TTL time.Duration

	// UseCache serves live entries and stores successful results.
	UseCache bool

	// Dedupe joins an in-flight fetch for the same key.
	Dedupe bool
}

// DefaultOptions enables caching and deduplication with the default TTL.
func DefaultOptions() Options {
	return Options{UseCache: true, Dedupe: true}
}

// Config configures a Registry.
type Config struct {
	DefaultTTL time.Duration

	// OnHit is called for every read served from a live entry.
	OnHit func(key string)

	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with a five minute TTL.
func DefaultConfig() Config {
	return Config{DefaultTTL: DefaultTTL}
}

// Registry is the response cache plus the in-flight fetch registry.
// All methods are safe for concurrent use.
type Registry struct {
	defaultTTL time.Duration
	onHit      func(key string)
	clock      clock.Clock
	logger     zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[*fetchState]struct{}

	flight singleflight.Group
}

// fetchState tracks one running fetch. stale is set when an invalidation
// matched its key while it ran.
type fetchState struct {
	key   string
	stale bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		defaultTTL: ttl,
		onHit:      cfg.OnHit,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logging.OrDefault(cfg.Logger, "cache"),
		entries:    make(map[string]*Entry),
		inflight:   make(map[*fetchState]struct{}),
	}
}

// GetOrFetch returns the live entry for key, or joins the in-flight fetch for
// key, or runs fetch. The in-flight record is removed when fetch settles,
// whatever the outcome. A caller whose ctx ends stops waiting; the fetch
// itself keeps running for the others.
func (r *Registry) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, opts Options) (any, error) {
	if opts.UseCache {
		if v, ok := r.lookup(key); ok {
			return v, nil
		}
	}
	CacheMisses.Inc()

	if !opts.Dedupe {
		return r.run(ctx, key, fetch, opts)
	}

	ch := r.flight.DoChan(key, func() (any, error) {
		// A flight that settled between lookup and DoChan may have stored it.
		if opts.UseCache {
			if v, ok := r.peek(key); ok {
				return v, nil
			}
		}
		return r.run(context.WithoutCancel(ctx), key, fetch, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			DedupShared.Inc()
		}
		return res.Val, res.Err
	}
}

// run executes fetch and stores a successful result unless an invalidation
// matched key in the meantime.
func (r *Registry) run(ctx context.Context, key string, fetch FetchFunc, opts Options) (any, error) {
	state := &fetchState{key: key}
	r.mu.Lock()
	r.inflight[state] = struct{}{}
	r.mu.Unlock()

	v, err := fetch(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, state)

	if err != nil || !opts.UseCache {
		return v, err
	}
	if state.stale {
		r.logger.Debug().
			Str("key", key).
			Msg("Result invalidated while in flight, not caching")
		return v, nil
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	r.storeLocked(key, v, ttl)
	return v, nil
}

func (r *Registry) lookup(key string) (any, bool) {
	v, ok := r.peek(key)
	if ok {
		CacheHits.Inc()
		if r.onHit != nil {
			r.onHit(key)
		}
	}
	return v, ok
}

// peek returns a live entry and evicts an expired one.
func (r *Registry) peek(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Expired(r.clock.Now()) {
		delete(r.entries, key)
		CacheEntries.Dec()
		return nil, false
	}
	return entry.Value, true
}

// Get returns the live value for key or ErrCacheMiss.
func (r *Registry) Get(key string) (any, error) {
	v, ok := r.peek(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

// Set stores value under key. A non-positive ttl uses the registry default.
func (r *Registry) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeLocked(key, value, ttl)
}

func (r *Registry) storeLocked(key string, value any, ttl time.Duration) {
	if _, exists := r.entries[key]; !exists {
		CacheEntries.Inc()
	}
	r.entries[key] = &Entry{
		Key:      key,
		Value:    value,
		StoredAt: r.clock.Now(),
		TTL:      ttl,
	}
}

// Delete removes key and marks any in-flight fetch for it stale.
func (r *Registry) Delete(key string) {
	r.removeMatching("delete", func(k string) bool { return k == key })
}

// Clear removes every entry and marks every in-flight fetch stale.
func (r *Registry) Clear() {
	r.removeMatching("clear", func(string) bool { return true })
}

// Len returns the number of stored entries, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the stored keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// InvalidateByPattern removes every key in which pattern occurs as a whole
// path segment, and returns how many entries were removed. An empty pattern
// removes nothing.
func (r *Registry) InvalidateByPattern(pattern string) int {
	if pattern == "" {
		return 0
	}
	re := SegmentPattern(pattern)
	return r.removeMatching("pattern", re.MatchString)
}

// InvalidateByRegexp removes every key matched by re.
func (r *Registry) InvalidateByRegexp(re *regexp.Regexp) int {
	return r.removeMatching("regexp", re.MatchString)
}

// SegmentPattern compiles a matcher for pattern bounded by the key
// separators ':' and '/' (or the ends of the key).
func SegmentPattern(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[:/])` + regexp.QuoteMeta(pattern) + `([:/?]|$)`)
}

func (r *Registry) removeMatching(trigger string, match func(string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k := range r.entries {
		if match(k) {
			delete(r.entries, k)
			removed++
		}
	}
	for state := range r.inflight {
		if match(state.key) {
			state.stale = true
		}
	}

	if removed > 0 {
		CacheEntries.Sub(float64(removed))
		Invalidations.WithLabelValues(trigger).Add(float64(removed))
		r.logger.Debug().
			Str("trigger", trigger).
			Int("removed", removed).
			Msg("Cache entries invalidated")
	}
	return removed
}
