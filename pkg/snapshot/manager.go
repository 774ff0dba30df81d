// Package snapshot keeps last-known-good payloads in Redis so a restarted
// process can serve stale data before, or without, reaching the cluster.
//
// Every Fresh commit is written under navipod:snapshot:<key> with a retention
// TTL. Warm seeds an empty cache store with those payloads as Stale entries;
// the first request for each key then refreshes it as usual.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
	"github.com/navicore/navipod/pkg/subscription"
)

var (
	// ErrSnapshotMiss indicates no snapshot exists for the key
	ErrSnapshotMiss = errors.New("snapshot miss")

	// ErrInvalidSnapshot indicates the stored snapshot is corrupted
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// KeyPrefix namespaces snapshot keys in Redis.
const KeyPrefix = "navipod:snapshot:"

// DefaultRetention is how long a snapshot outlives its last write.
const DefaultRetention = 24 * time.Hour

// scanBatch is the SCAN count hint used by Warm.
const scanBatch = 100

// Envelope is the stored form of one cache entry.
type Envelope struct {
	Kind      cache.Kind      `json:"kind"`
	Namespace string          `json:"namespace,omitempty"`
	Selector  string          `json:"selector,omitempty"`
	Name      string          `json:"name,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Version   uint64          `json:"version"`
	FetchedAt time.Time       `json:"fetched_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Key rebuilds the cache key the envelope was saved under.
func (e *Envelope) Key() (cache.Key, error) {
	k := cache.Key{
		Kind:      e.Kind,
		Namespace: e.Namespace,
		Selector:  e.Selector,
		Name:      e.Name,
		Limit:     e.Limit,
	}
	return k.Canonical()
}

// Resolver finds the decoder for a kind.
type Resolver interface {
	Resolve(kind cache.Kind) (registry.Descriptor, error)
}

// Config holds snapshot configuration.
type Config struct {
	// Retention is the Redis TTL of each snapshot (default: DefaultRetention)
	Retention time.Duration

	// Clock measures snapshot ages for warm-up logs (default: real clock)
	Clock clock.PassiveClock

	// Logger for snapshot events (default: component logger)
	Logger *zerolog.Logger
}

// Manager reads and writes snapshots in Redis.
type Manager struct {
	redis     *redis.Client
	retention time.Duration
	clock     clock.PassiveClock
	logger    zerolog.Logger
}

// NewManager creates a new snapshot manager with Redis backend.
func NewManager(redisClient *redis.Client, cfg Config) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	m := &Manager{
		redis:     redisClient,
		retention: cfg.Retention,
		clock:     cfg.Clock,
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	} else {
		m.logger = log.With().Str("component", "snapshot").Logger()
	}
	return m
}

func redisKey(key cache.Key) string {
	return KeyPrefix + key.String()
}

// Save stores a Fresh entry. Entries in any other state are ignored.
func (m *Manager) Save(ctx context.Context, entry cache.Entry) error {
	if entry.State != cache.StateFresh || !entry.HasPayload() {
		return nil
	}
	kind := string(entry.Key.Kind)

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		Errors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal snapshot payload: %w", err)
	}
	env := Envelope{
		Kind:      entry.Key.Kind,
		Namespace: entry.Key.Namespace,
		Selector:  entry.Key.Selector,
		Name:      entry.Key.Name,
		Limit:     entry.Key.Limit,
		Version:   entry.Version,
		FetchedAt: entry.LastFetched,
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		Errors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := m.redis.Set(ctx, redisKey(entry.Key), data, m.retention).Err(); err != nil {
		Errors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	Saves.WithLabelValues(kind).Inc()
	Bytes.WithLabelValues(kind).Set(float64(len(data)))
	return nil
}

// Load retrieves the snapshot for key.
// Returns ErrSnapshotMiss if none exists.
func (m *Manager) Load(ctx context.Context, key cache.Key) (*Envelope, error) {
	return m.load(ctx, redisKey(key))
}

func (m *Manager) load(ctx context.Context, rkey string) (*Envelope, error) {
	data, err := m.redis.Get(ctx, rkey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotMiss
		}
		Errors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		Errors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if env.Kind == "" {
		Errors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidSnapshot)
	}
	return &env, nil
}

// Delete removes the snapshot for key.
func (m *Manager) Delete(ctx context.Context, key cache.Key) error {
	if err := m.redis.Del(ctx, redisKey(key)).Err(); err != nil {
		Errors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Warm seeds store with every decodable snapshot as a Stale entry and returns
// how many entries were added. Keys already in the store are left alone, as
// are kinds the resolver does not know or cannot decode.
func (m *Manager) Warm(ctx context.Context, store *cache.Store, resolver Resolver) (int, error) {
	restored, skipped := 0, 0
	var oldest time.Time

	iter := m.redis.Scan(ctx, 0, KeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		env, err := m.load(ctx, iter.Val())
		if err != nil {
			if !errors.Is(err, ErrSnapshotMiss) {
				m.logger.Warn().Err(err).Str("redis_key", iter.Val()).Msg("Skipping unreadable snapshot")
			}
			skipped++
			continue
		}

		payload, key, err := decode(env, resolver)
		if err != nil {
			Errors.WithLabelValues("decode").Inc()
			m.logger.Debug().Err(err).Str("redis_key", iter.Val()).Msg("Skipping snapshot")
			skipped++
			continue
		}

		if store.Seed(key, payload, env.FetchedAt) {
			Restored.WithLabelValues(string(key.Kind)).Inc()
			restored++
			if oldest.IsZero() || env.FetchedAt.Before(oldest) {
				oldest = env.FetchedAt
			}
		}
	}
	if err := iter.Err(); err != nil {
		Errors.WithLabelValues("load").Inc()
		return restored, fmt.Errorf("scan snapshots: %w", err)
	}

	ev := m.logger.Info().
		Int("restored", restored).
		Int("skipped", skipped)
	if !oldest.IsZero() {
		ev = ev.Dur("oldest_age", m.clock.Since(oldest))
	}
	ev.Msg("Cache warmed from snapshots")
	return restored, nil
}

func decode(env *Envelope, resolver Resolver) (any, cache.Key, error) {
	key, err := env.Key()
	if err != nil {
		return nil, cache.Key{}, err
	}
	desc, err := resolver.Resolve(env.Kind)
	if err != nil {
		return nil, cache.Key{}, err
	}
	if desc.Decode == nil {
		return nil, cache.Key{}, fmt.Errorf("kind %s has no snapshot decoder", env.Kind)
	}
	payload, err := desc.Decode(env.Payload)
	if err != nil {
		return nil, cache.Key{}, err
	}
	return payload, key, nil
}

// Run saves every Fresh commit announced by hub until ctx is done.
// It observes through a pattern subscription and never pins keys.
func (m *Manager) Run(ctx context.Context, hub *subscription.Hub) error {
	run, err := m.Attach(hub)
	if err != nil {
		return err
	}
	return run(ctx)
}

// Attach subscribes to commits and returns the loop that saves them.
// Commits between Attach and the loop starting are buffered.
func (m *Manager) Attach(hub *subscription.Hub) (func(ctx context.Context) error, error) {
	sub, err := hub.Observe("*")
	if err != nil {
		return nil, fmt.Errorf("subscribe to commits: %w", err)
	}

	return func(ctx context.Context) error {
		defer sub.Cancel()
		m.logger.Info().Dur("retention", m.retention).Msg("Snapshot writer started")
		for {
			select {
			case <-ctx.Done():
				m.logger.Info().Msg("Snapshot writer stopped")
				return nil
			case n, ok := <-sub.C:
				if !ok {
					return nil
				}
				if n.Dropped > 0 {
					m.logger.Warn().Uint64("dropped", n.Dropped).Msg("Snapshot writer fell behind")
				}
				if err := m.Save(ctx, n.Entry); err != nil {
					m.logger.Warn().Err(err).Str("key", n.Key.String()).Msg("Failed to save snapshot")
				}
			}
		}
	}, nil
}
