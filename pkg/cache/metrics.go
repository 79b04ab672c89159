package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads served from a live entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	// CacheMisses tracks reads that had to fetch
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// DedupShared tracks results delivered from a shared in-flight fetch
	DedupShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venue_cache_dedup_shared_total",
			Help: "Total number of results delivered from a shared in-flight fetch",
		},
	)

	// Invalidations tracks removed entries by trigger
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venue_cache_invalidations_total",
			Help: "Total number of cache entries removed by invalidation",
		},
		[]string{"trigger"}, // "pattern", "regexp", "delete", "clear"
	)

	// CacheEntries tracks live entries across all registries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "venue_cache_entries",
			Help: "Current number of cached entries",
		},
	)
)
