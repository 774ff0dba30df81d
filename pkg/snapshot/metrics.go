package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Saves tracks snapshot writes by kind
	Saves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_snapshot_saves_total",
			Help: "Total number of snapshots written by kind",
		},
		[]string{"kind"},
	)

	// Restored tracks entries seeded from snapshots at warm-up
	Restored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_snapshot_restored_total",
			Help: "Total number of cache entries restored from snapshots by kind",
		},
		[]string{"kind"},
	)

	// Errors tracks snapshot failures by operation
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navipod_snapshot_errors_total",
			Help: "Total number of snapshot errors by operation",
		},
		[]string{"operation"}, // "save", "load", "decode", "delete"
	)

	// Bytes tracks the size of the last written snapshot per kind
	Bytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "navipod_snapshot_bytes",
			Help: "Size in bytes of the last snapshot written per kind",
		},
		[]string{"kind"},
	)
)
