// Package metrics is the reference for the Prometheus metrics exposed by the
// venue client. All metrics are defined in their respective packages
// (transport, retry, cache, ...) and registered via promauto on the default
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the venue client.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves Gatherer in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/transport):
//   - venue_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - venue_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - venue_errors_total{class} (Counter): Errors by class (network, auth, server, ...)
//   - venue_auth_retries_total (Counter): Requests replayed after an authentication rejection
//
// Credential Metrics (pkg/auth):
//   - venue_auth_renewals_total{result} (Counter): Renewal executions by result
//
// Retry Metrics (pkg/retry):
//   - venue_retries_total{error_class} (Counter): Retry attempts by error class
//   - venue_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - venue_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - venue_cache_hits_total (Counter): Reads served from a live entry
//   - venue_cache_misses_total (Counter): Reads that had to fetch
//   - venue_cache_dedup_shared_total (Counter): Callers that joined an in-flight fetch
//   - venue_cache_invalidations_total{trigger} (Counter): Entries removed by invalidation
//   - venue_cache_entries (Gauge): Current number of entries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - venue_rate_limit_remaining (Gauge): Last server-reported remaining quota
//   - venue_rate_limit_blocks_total (Counter): Requests held until a reported reset
//   - venue_rate_limit_throttles_total (Counter): Requests delayed by local pacing
//
// Batch Metrics (pkg/batch):
//   - venue_batch_windows_total{result} (Counter): Executed windows by result
//   - venue_batch_window_items (Histogram): Distinct items per window
//
// Realtime Metrics (pkg/realtime):
//   - venue_realtime_state{scope} (Gauge): Channel state (0 disconnected .. 4 error)
//   - venue_realtime_reconnect_attempts_total{scope} (Counter): Scheduled reconnects
//   - venue_realtime_messages_total{direction, type} (Counter): Frames by direction and type
//
// Performance Monitor (pkg/perf, when exported):
//   - venue_perf_request_seconds{key} (Histogram)
//   - venue_perf_cache_hits_total{key} (Counter)
//   - venue_perf_errors_total{key} (Counter)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(venue_cache_hits_total[5m])) /
//   (sum(rate(venue_cache_hits_total[5m])) + sum(rate(venue_cache_misses_total[5m])))
//
//   # Reconnecting channels
//   venue_realtime_state == 3
//
//   # Request Error Rate
//   sum by (class) (rate(venue_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(venue_request_duration_seconds_bucket[5m]))
