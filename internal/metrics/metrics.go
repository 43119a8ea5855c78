// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instruments for the transcode cache
// and streaming path.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TranscodeTotal tracks transcode run outcomes.
	TranscodeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitvault_transcode_total",
		Help: "Total number of transcode runs by result",
	}, []string{"result"})

	// TranscodeDuration tracks wall-clock time of successful transcode runs.
	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fitvault_transcode_duration_seconds",
		Help:    "Wall-clock duration of successful transcode runs",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	// CacheLookupTotal tracks cache store lookups.
	CacheLookupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitvault_cache_lookup_total",
		Help: "Total number of cache lookups by outcome",
	}, []string{"outcome"})

	// CacheEvictedBytes counts bytes reclaimed by eviction.
	CacheEvictedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fitvault_cache_evicted_bytes_total",
		Help: "Total bytes reclaimed by cache eviction",
	})

	// StreamRequestsTotal tracks /stream responses by status code.
	StreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fitvault_stream_requests_total",
		Help: "Total stream requests by HTTP status code",
	}, []string{"code"})
)

// IncTranscode records a transcode run outcome ("success" or "failure").
func IncTranscode(result string) {
	TranscodeTotal.WithLabelValues(result).Inc()
}

// ObserveTranscodeDuration records the duration of a successful run.
func ObserveTranscodeDuration(d time.Duration) {
	TranscodeDuration.Observe(d.Seconds())
}

// IncCacheLookup records a cache lookup outcome ("hit" or "miss").
func IncCacheLookup(outcome string) {
	CacheLookupTotal.WithLabelValues(outcome).Inc()
}

// AddEvictedBytes records bytes reclaimed by eviction.
func AddEvictedBytes(n int64) {
	CacheEvictedBytes.Add(float64(n))
}

// IncStreamRequest records a stream response status.
func IncStreamRequest(code int) {
	StreamRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
