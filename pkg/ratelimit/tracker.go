package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
)

// DefaultThrottleDelay is the pause before each attempt while not Healthy.
const DefaultThrottleDelay = time.Second

// publishTimeout bounds shared-state writes on level transitions.
const publishTimeout = time.Second

// DefaultSharedMaxAge is how long a published state is trusted by readers.
const DefaultSharedMaxAge = 5 * time.Minute

// Where an effective state came from.
const (
	SourceLocal  = "local"
	SourceShared = "shared"
)

// Prometheus metrics for upstream health.
var (
	upstreamFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navipod_upstream_consecutive_failures",
		Help: "Consecutive retryable fetch failures since the last success",
	})

	upstreamLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navipod_upstream_health_level",
		Help: "Upstream health level (0=healthy, 1=degraded, 2=offline)",
	})

	upstreamThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navipod_upstream_throttles_total",
		Help: "Total number of fetch attempts delayed due to degraded upstream health",
	})

	upstreamTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "navipod_upstream_transitions_total",
		Help: "Total number of upstream health level changes",
	}, []string{"to"})
)

// Config holds tracker configuration.
type Config struct {
	// WarningThreshold is the failure count that degrades health (default: FailureThresholdWarning)
	WarningThreshold int

	// CriticalThreshold is the failure count that declares the upstream offline (default: FailureThresholdCritical)
	CriticalThreshold int

	// ThrottleDelay is the pause before attempts while not Healthy (default: DefaultThrottleDelay)
	ThrottleDelay time.Duration

	// Mode decides whether retries stop while Offline (default: ModeContinue)
	Mode OfflineMode

	// Redis shares level transitions with other processes (optional)
	Redis *redis.Client

	// Clock drives throttling and timestamps (default: real clock)
	Clock clock.Clock

	// Logger for health transitions (default: component logger)
	Logger *zerolog.Logger
}

// Tracker derives upstream health from fetch outcomes and gates attempts.
// It implements the pool's Health interface.
type Tracker struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewTracker creates a new health tracker starting Healthy.
func NewTracker(cfg Config) *Tracker {
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = FailureThresholdWarning
	}
	if cfg.CriticalThreshold <= cfg.WarningThreshold {
		cfg.CriticalThreshold = max(FailureThresholdCritical, cfg.WarningThreshold+1)
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = DefaultThrottleDelay
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeContinue
	}
	t := &Tracker{cfg: cfg, clock: cfg.Clock}
	if t.clock == nil {
		t.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		t.logger = *cfg.Logger
	} else {
		t.logger = log.With().Str("component", "health").Logger()
	}
	t.state.LastUpdate = t.clock.Now()
	return t
}

// Admit delays an attempt while the upstream is not Healthy.
// It returns ctx.Err() if ctx ends during the delay.
func (t *Tracker) Admit(ctx context.Context) error {
	t.mu.RLock()
	st := t.state
	t.mu.RUnlock()

	if !st.NeedsThrottling() {
		return nil
	}

	t.logger.Debug().
		Str("level", st.Level.String()).
		Int("failures", st.ConsecutiveFailures).
		Dur("delay", t.cfg.ThrottleDelay).
		Msg("Upstream unhealthy - throttling fetch")
	upstreamThrottlesTotal.Inc()

	timer := t.clock.NewTimer(t.cfg.ThrottleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

// Observe records one attempt outcome; class is empty on success.
// Only retryable classes count as failures: a NotFound still proves the
// cluster answered. Cancellations are ignored.
func (t *Tracker) Observe(class cache.ErrorClass) {
	if class == cache.ClassCanceled {
		return
	}
	now := t.clock.Now()

	t.mu.Lock()
	prev := t.state.Level
	if class == "" || !class.Retryable() {
		t.state.ConsecutiveFailures = 0
		t.state.LastSuccess = now
	} else {
		t.state.ConsecutiveFailures++
		t.state.LastFailure = now
		t.state.LastClass = string(class)
	}
	t.state.Level = levelFor(t.state.ConsecutiveFailures, t.cfg.WarningThreshold, t.cfg.CriticalThreshold)
	if t.state.Level != prev || class != "" {
		t.state.LastUpdate = now
	}
	st := t.state
	t.mu.Unlock()

	upstreamFailures.Set(float64(st.ConsecutiveFailures))
	if st.Level == prev {
		return
	}

	upstreamLevel.Set(float64(st.Level))
	upstreamTransitionsTotal.WithLabelValues(st.Level.String()).Inc()

	switch st.Level {
	case Offline:
		t.logger.Error().
			Int("failures", st.ConsecutiveFailures).
			Str("last_class", st.LastClass).
			Str("mode", string(t.cfg.Mode)).
			Msg("Upstream OFFLINE - serving cached data")
	case Degraded:
		t.logger.Warn().
			Int("failures", st.ConsecutiveFailures).
			Str("last_class", st.LastClass).
			Msg("Upstream DEGRADED - fetches will be throttled")
	default:
		t.logger.Info().
			Str("from", prev.String()).
			Msg("Upstream healthy again")
	}

	if t.cfg.Redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := t.Publish(ctx); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to publish health state")
		}
	}
}

// SuspendRetries reports whether background retries should stop.
func (t *Tracker) SuspendRetries() bool {
	if t.cfg.Mode != ModeSuspend {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.IsOffline()
}

// State returns a snapshot of the local state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Mode returns the configured offline mode.
func (t *Tracker) Mode() OfflineMode {
	return t.cfg.Mode
}

// Publish stores the local state in Redis.
func (t *Tracker) Publish(ctx context.Context) error {
	if t.cfg.Redis == nil {
		return nil
	}
	st := t.State()

	lastUpdateJSON, err := json.Marshal(st.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.cfg.Redis.Pipeline()
	pipe.Set(ctx, RedisKeyLevel, st.Level.String(), 0)
	pipe.Set(ctx, RedisKeyFailures, st.ConsecutiveFailures, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store health state in redis: %w", err)
	}
	return nil
}

// Effective returns the state to report: the shared state when another
// process published it within maxAge and after the local state last
// changed, the local state otherwise.
func (t *Tracker) Effective(ctx context.Context, maxAge time.Duration) (State, string) {
	local := t.State()
	if t.cfg.Redis == nil {
		return local, SourceLocal
	}
	shared, err := t.GetShared(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("Shared health state unavailable, using local state")
		return local, SourceLocal
	}
	if shared.IsStale(t.clock.Now(), maxAge) || !shared.LastUpdate.After(local.LastUpdate) {
		return local, SourceLocal
	}
	return *shared, SourceShared
}

// GetShared reads the health state last published by any process.
// It returns a Healthy state with a zero LastUpdate if nothing was published.
func (t *Tracker) GetShared(ctx context.Context) (*State, error) {
	if t.cfg.Redis == nil {
		st := t.State()
		return &st, nil
	}

	levelStr, err := t.cfg.Redis.Get(ctx, RedisKeyLevel).Result()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No shared health state in Redis, assuming healthy")
		return &State{Level: Healthy}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get health level: %w", err)
	}
	level, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	failuresStr, err := t.cfg.Redis.Get(ctx, RedisKeyFailures).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get health failures: %w", err)
	}
	failures, _ := strconv.Atoi(failuresStr)

	lastUpdateStr, err := t.cfg.Redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get health last update: %w", err)
	}
	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return &State{Level: level, ConsecutiveFailures: failures, LastUpdate: lastUpdate}, nil
}
