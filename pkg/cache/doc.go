// Package cache provides the in-memory response cache and the in-flight
// request deduplication registry.
//
// A Registry guarantees at most one in-flight fetch per key when
// deduplication is enabled; every caller that arrives while the fetch runs
// observes its result. Successful results are kept for a TTL (five minutes
// by default).
//
// # Basic Usage
//
//	reg := cache.NewRegistry(cache.DefaultConfig())
//
//	key := cache.Key{
//		Endpoint:    "/api/v1/venues",
//		QueryParams: url.Values{"page": []string{"2"}},
//	}
//
//	v, err := reg.GetOrFetch(ctx, key.String(), func(ctx context.Context) (any, error) {
//		return fetchVenues(ctx)
//	}, cache.DefaultOptions())
//
// # Invalidation
//
// InvalidateByPattern matches whole path segments only:
//
//	reg.InvalidateByPattern("venues")
//	// removes api:venues, api:v1/venues/123, api:v1/venues:page=2
//	// keeps    api:v1/venues-archive, api:v1/subvenues
//
// A fetch that is still in flight when an invalidation matches its key
// delivers its result to its callers but does not store it.
//
// # Metrics
//
//   - venue_cache_hits_total - Cache hits
//   - venue_cache_misses_total - Cache misses
//   - venue_cache_dedup_shared_total - Results shared by joined callers
//   - venue_cache_invalidations_total{trigger} - Removed entries
//   - venue_cache_entries - Live entries
package cache
