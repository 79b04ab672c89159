// Package perf accumulates per-key request statistics. It only observes and
// never influences request handling.
package perf

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "venue_perf_request_seconds",
		Help:    "Network request latency observed by the performance monitor",
		Buckets: prometheus.DefBuckets,
	}, []string{"key"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_perf_cache_hits_total",
		Help: "Cache hits observed by the performance monitor",
	}, []string{"key"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_perf_errors_total",
		Help: "Request errors observed by the performance monitor",
	}, []string{"key"})
)

// KeyMetrics are the derived statistics for one key.
type KeyMetrics struct {
	Calls      int64         `json:"calls"`
	CacheHits  int64         `json:"cacheHits"`
	Errors     int64         `json:"errors"`
	TotalTime  time.Duration `json:"totalTime"`
	AvgLatency time.Duration `json:"avgLatency"`

	// ErrorRate is Errors/Calls.
	ErrorRate float64 `json:"errorRate"`

	// CacheHitRate is CacheHits/(Calls+CacheHits).
	CacheHitRate float64 `json:"cacheHitRate"`
}

type counters struct {
	calls     int64
	cacheHits int64
	errors    int64
	total     time.Duration
}

// Monitor accumulates counters per key. The zero value is not usable; call
// NewMonitor.
type Monitor struct {
	mu   sync.Mutex
	keys map[string]*counters

	// exportPrometheus mirrors observations to the package histograms.
	exportPrometheus bool
}

// NewMonitor creates an empty monitor. With export set, observations are
// also recorded in Prometheus.
func NewMonitor(export bool) *Monitor {
	return &Monitor{keys: make(map[string]*counters), exportPrometheus: export}
}

func (m *Monitor) get(key string) *counters {
	c, ok := m.keys[key]
	if !ok {
		c = &counters{}
		m.keys[key] = c
	}
	return c
}

// RecordRequest records one network call for key that took d.
func (m *Monitor) RecordRequest(key string, d time.Duration) {
	m.mu.Lock()
	c := m.get(key)
	c.calls++
	c.total += d
	m.mu.Unlock()

	if m.exportPrometheus {
		requestLatency.WithLabelValues(key).Observe(d.Seconds())
	}
}

// RecordCacheHit records a read of key served without a network call.
func (m *Monitor) RecordCacheHit(key string) {
	m.mu.Lock()
	m.get(key).cacheHits++
	m.mu.Unlock()

	if m.exportPrometheus {
		cacheHitsTotal.WithLabelValues(key).Inc()
	}
}

// RecordError records a failed call for key.
func (m *Monitor) RecordError(key string) {
	m.mu.Lock()
	m.get(key).errors++
	m.mu.Unlock()

	if m.exportPrometheus {
		errorsTotal.WithLabelValues(key).Inc()
	}
}

// Metrics returns the derived statistics for every key seen since the last
// Reset.
func (m *Monitor) Metrics() map[string]KeyMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]KeyMetrics, len(m.keys))
	for key, c := range m.keys {
		km := KeyMetrics{
			Calls:     c.calls,
			CacheHits: c.cacheHits,
			Errors:    c.errors,
			TotalTime: c.total,
		}
		if c.calls > 0 {
			km.AvgLatency = c.total / time.Duration(c.calls)
			km.ErrorRate = float64(c.errors) / float64(c.calls)
		}
		if reads := c.calls + c.cacheHits; reads > 0 {
			km.CacheHitRate = float64(c.cacheHits) / float64(reads)
		}
		out[key] = km
	}
	return out
}

// Get returns the statistics for key.
func (m *Monitor) Get(key string) KeyMetrics {
	return m.Metrics()[key]
}

// Reset clears every counter.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = make(map[string]*counters)
}
