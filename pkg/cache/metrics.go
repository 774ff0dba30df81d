package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lookups tracks orchestrator lookups by outcome
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_cache_lookups_total",
			Help: "Total number of cache lookups by outcome",
		},
		[]string{"outcome"}, // "hit", "stale_hit", "miss"
	)

	// Commits tracks store commits by kind and result
	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_cache_commits_total",
			Help: "Total number of cache commits by kind and result",
		},
		[]string{"kind", "result"}, // "fresh", "error", "rejected"
	)

	// Evictions tracks entries removed by capacity eviction
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "navipod_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)

	// Invalidations tracks entries demoted to stale by invalidation
	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_cache_invalidations_total",
			Help: "Total number of cache entries invalidated by kind",
		},
		[]string{"kind"},
	)

	// Entries tracks the number of entries after the last maintenance pass
	Entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "navipod_cache_entries",
			Help: "Current number of cache entries",
		},
	)
)
