// Package metrics serves the inspection endpoint for a running navipod.
// All collectors are defined in their respective packages (cache, pool,
// subscription, ratelimit, snapshot, watch) via promauto; this package only
// exposes them next to a health probe and a JSON stats dump.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by navipod.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// shutdownTimeout bounds graceful shutdown of the endpoint.
const shutdownTimeout = 5 * time.Second

// Health is the body of /health.
type Health struct {
	Status              string `json:"status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// Source supplies the data behind /health and /debug/stats.
type Source interface {
	// Health reports upstream health; ok=false turns /health into a 503
	Health() (h Health, ok bool)

	// DebugStats returns a JSON-serializable snapshot of the counters
	DebugStats() any
}

// Handler returns a mux serving /metrics, /health and /debug/stats.
// Reading these never blocks the cache.
func Handler(src Source) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h, ok := src.Health()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.DebugStats())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode inspection response")
	}
}

// Serve runs the inspection endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, src Source, logger *zerolog.Logger) error {
	l := log.With().Str("component", "metrics").Logger()
	if logger != nil {
		l = *logger
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(src),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Cache (pkg/cache):
//   - navipod_cache_lookups_total{outcome} (Counter): hit, stale or miss
//   - navipod_cache_commits_total{kind, result} (Counter): accepted and rejected commits
//   - navipod_cache_evictions_total (Counter)
//   - navipod_cache_invalidations_total{kind} (Counter)
//   - navipod_cache_entries (Gauge)
//
// Fetch pool (pkg/pool):
//   - navipod_fetch_queue_depth, navipod_fetch_in_flight (Gauge)
//   - navipod_fetch_attempts_total{kind, result} (Counter)
//   - navipod_fetch_duration_seconds{kind} (Histogram)
//   - navipod_fetch_retries_total{error_class} (Counter)
//   - navipod_fetch_retry_backoff_seconds{error_class} (Histogram)
//   - navipod_fetch_retry_exhausted_total{error_class} (Counter)
//
// Subscriptions (pkg/subscription):
//   - navipod_subscriptions_active (Gauge)
//   - navipod_notifications_delivered_total, navipod_notifications_dropped_total (Counter)
//
// Upstream health (pkg/ratelimit):
//   - navipod_upstream_consecutive_failures, navipod_upstream_health_level (Gauge)
//   - navipod_upstream_throttles_total, navipod_upstream_transitions_total{to} (Counter)
//
// Snapshots (pkg/snapshot):
//   - navipod_snapshot_saves_total{kind}, navipod_snapshot_restored_total{kind} (Counter)
//   - navipod_snapshot_errors_total{operation} (Counter)
//   - navipod_snapshot_bytes{kind} (Gauge)
//
// Watch (pkg/watch):
//   - navipod_watch_events_total{resource, op} (Counter)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(navipod_cache_lookups_total{outcome="hit"}[5m])) /
//   sum(rate(navipod_cache_lookups_total[5m]))
//
//   # Retry pressure by class
//   rate(navipod_fetch_retries_total[5m])
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(navipod_fetch_duration_seconds_bucket[5m]))
