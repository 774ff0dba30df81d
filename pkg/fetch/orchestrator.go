// Package fetch answers consumer requests from the cache and schedules
// background fetches for anything that is missing or stale.
//
// Request never blocks and never fails. A Fresh entry is a Hit. Anything else
// is a StaleHit (old data is returned) or a Miss (nothing to show yet), and in
// both cases the caller receives a Pending handle bound to the single fetch in
// flight for that key, however many callers asked for it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/pool"
	"github.com/navicore/navipod/pkg/subscription"
)

// ErrTimeout is returned when a caller stops waiting before the fetch finished.
// It is distinct from a fetch failure, which arrives as an Error entry.
var ErrTimeout = errors.New("timed out waiting for fetch")

// ErrPendingCancelled is returned by Await after Cancel.
var ErrPendingCancelled = errors.New("pending request cancelled")

// Default maintenance settings.
const (
	DefaultSweepInterval = 5 * time.Second
	DefaultCapacity      = 2048
)

// Priority and Origin are the pool's scheduling attributes.
type (
	Priority = pool.Priority
	Origin   = pool.Origin
)

// Priorities, lowest first.
const (
	Low      = pool.Low
	Medium   = pool.Medium
	High     = pool.High
	Critical = pool.Critical
)

// ParsePriority converts a priority name, defaulting to Medium.
func ParsePriority(s string) Priority { return pool.ParsePriority(s) }

// Origins.
const (
	Foreground = pool.Foreground
	Prefetch   = pool.Prefetch
)

// Request asks for the data behind Key.
type Request struct {
	Key         cache.Key
	Priority    Priority
	RequestedAt time.Time
	Origin      Origin
}

// OutcomeKind classifies the answer to a Request.
type OutcomeKind int

const (
	// Miss means no data is available yet.
	Miss OutcomeKind = iota

	// StaleHit means old data is returned while a refresh runs.
	StaleHit

	// Hit means the data is fresh.
	Hit
)

// String returns the outcome name used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case Hit:
		return "hit"
	case StaleHit:
		return "stale_hit"
	default:
		return "miss"
	}
}

// Outcome is the immediate answer to a Request.
type Outcome struct {
	Kind OutcomeKind

	// Entry is the state observed when the request arrived
	Entry cache.Entry

	// Pending resolves when the in-flight fetch commits (nil for Hit)
	Pending *Pending
}

// Submitter accepts fetch tasks.
type Submitter interface {
	Submit(task pool.Task) error
}

// Config holds orchestrator configuration.
type Config struct {
	// SweepInterval is the maintenance period (default: DefaultSweepInterval)
	SweepInterval time.Duration

	// Capacity is the entry count EvictLRU enforces (default: DefaultCapacity)
	Capacity int

	// BackgroundRefresh re-requests stale keys that have subscribers
	BackgroundRefresh bool

	// Clock drives maintenance and request timestamps (default: real clock)
	Clock clock.WithTicker

	// Logger for orchestrator events (default: component logger)
	Logger *zerolog.Logger
}

// Orchestrator turns consumer requests into cache reads and deduplicated fetches.
type Orchestrator struct {
	cfg    Config
	store  *cache.Store
	hub    *subscription.Hub
	pool   Submitter
	clock  clock.WithTicker
	logger zerolog.Logger

	hits      atomic.Uint64
	staleHits atomic.Uint64
	misses    atomic.Uint64
	coalesced atomic.Uint64
	refreshed atomic.Uint64
}

// New creates a new orchestrator.
func New(cfg Config, store *cache.Store, hub *subscription.Hub, submitter Submitter) *Orchestrator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	o := &Orchestrator{
		cfg:   cfg,
		store: store,
		hub:   hub,
		pool:  submitter,
		clock: cfg.Clock,
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		o.logger = *cfg.Logger
	} else {
		o.logger = log.With().Str("component", "orchestrator").Logger()
	}
	return o
}

// Request answers from the cache and makes sure exactly one fetch is in flight
// for a key that is not fresh. It never blocks on I/O.
func (o *Orchestrator) Request(req Request) Outcome {
	key := req.Key
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.clock.Now()
	}

	before, ok := o.store.Get(key)
	if ok && before.State == cache.StateFresh {
		return o.hit(before)
	}
	if !ok {
		before = cache.Entry{Key: key, State: cache.StateEmpty}
	}

	// subscribe before gating so a commit landing in between is not missed
	sub := o.hub.SubscribeKey(key)

	ticket, won := o.store.BeginFetch(key)
	if won {
		o.submit(ticket, req)
	} else {
		current, _ := o.store.Get(key)
		if current.State == cache.StateFresh {
			sub.Cancel()
			return o.hit(current)
		}
		o.coalesced.Add(1)
		o.logger.Debug().
			Str("key", key.String()).
			Msg("Joined in-flight fetch")
	}

	out := Outcome{Entry: before, Pending: &Pending{key: key, sub: sub}}
	if before.HasPayload() {
		out.Kind = StaleHit
		o.staleHits.Add(1)
	} else {
		out.Kind = Miss
		o.misses.Add(1)
	}
	cache.Lookups.WithLabelValues(out.Kind.String()).Inc()

	o.logger.Debug().
		Str("key", key.String()).
		Str("outcome", out.Kind.String()).
		Str("priority", req.Priority.String()).
		Bool("scheduled", won).
		Msg("Cache lookup")
	return out
}

func (o *Orchestrator) hit(e cache.Entry) Outcome {
	o.hits.Add(1)
	cache.Lookups.WithLabelValues(Hit.String()).Inc()
	return Outcome{Kind: Hit, Entry: e}
}

func (o *Orchestrator) submit(ticket cache.Ticket, req Request) {
	err := o.pool.Submit(pool.Task{
		Ticket:      ticket,
		Priority:    req.Priority,
		RequestedAt: req.RequestedAt,
		Origin:      req.Origin,
	})
	if err != nil {
		// the pool already committed a canceled error for the ticket
		o.logger.Warn().
			Err(err).
			Str("key", req.Key.String()).
			Msg("Fetch not scheduled")
	}
}

// Prefetch schedules a fetch for key if it is not fresh and not already in
// flight. It does not wait and reports whether a fetch was scheduled.
func (o *Orchestrator) Prefetch(key cache.Key, priority Priority) bool {
	if e, ok := o.store.Get(key); ok && e.State == cache.StateFresh {
		return false
	}
	ticket, won := o.store.BeginFetch(key)
	if !won {
		return false
	}
	o.submit(ticket, Request{
		Key:         key,
		Priority:    priority,
		RequestedAt: o.clock.Now(),
		Origin:      Prefetch,
	})
	return true
}

// Get is the synchronous form of Request for scripted callers.
// It returns fresh data immediately, otherwise waits up to timeout for the
// fetch. A failed fetch returns the Error entry with its *cache.FetchError;
// an expired wait returns the entry seen at request time with ErrTimeout.
func (o *Orchestrator) Get(ctx context.Context, key cache.Key, priority Priority, timeout time.Duration) (cache.Entry, error) {
	out := o.Request(Request{Key: key, Priority: priority, Origin: Foreground})
	if out.Kind == Hit {
		return out.Entry, nil
	}
	defer out.Pending.Cancel()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e, err := out.Pending.Await(ctx)
	if err != nil {
		return out.Entry, err
	}
	if e.State == cache.StateError && e.Err != nil {
		return e, e.Err
	}
	return e, nil
}

// Run performs periodic maintenance until ctx is done: sweep expired entries,
// enforce capacity, and optionally refresh stale keys that have subscribers.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	o.logger.Info().
		Dur("interval", o.cfg.SweepInterval).
		Int("capacity", o.cfg.Capacity).
		Bool("background_refresh", o.cfg.BackgroundRefresh).
		Msg("Cache maintenance started")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("Cache maintenance stopped")
			return
		case <-ticker.C():
			o.Maintain()
		}
	}
}

// Maintain runs one maintenance pass.
func (o *Orchestrator) Maintain() {
	demoted := o.store.Sweep()
	evicted := o.store.EvictLRU(o.cfg.Capacity)

	refreshed := 0
	if o.cfg.BackgroundRefresh {
		refreshed = o.refreshPinned(func(cache.Key) bool { return true })
	}

	if demoted > 0 || evicted > 0 || refreshed > 0 {
		o.logger.Debug().
			Int("demoted", demoted).
			Int("evicted", evicted).
			Int("refreshed", refreshed).
			Msg("Cache maintenance pass")
	}
}

// RefreshStale re-requests stale keys of kind in namespace that have
// subscribers, at Low priority. It returns how many fetches were scheduled.
func (o *Orchestrator) RefreshStale(kind cache.Kind, namespace string) int {
	return o.refreshPinned(func(k cache.Key) bool {
		return k.Kind == kind && k.Namespace == namespace
	})
}

func (o *Orchestrator) refreshPinned(match func(cache.Key) bool) int {
	refreshed := 0
	for _, key := range o.store.Keys(cache.StateStale) {
		if !match(key) || !o.hub.Pinned(key) {
			continue
		}
		if o.Prefetch(key, Low) {
			refreshed++
		}
	}
	o.refreshed.Add(uint64(refreshed))
	return refreshed
}

// Stats is a read-only snapshot of orchestrator counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	StaleHits uint64 `json:"stale_hits"`
	Misses    uint64 `json:"misses"`
	Coalesced uint64 `json:"coalesced"`
	Refreshed uint64 `json:"refreshed"`
}

// Stats returns a snapshot of orchestrator counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Hits:      o.hits.Load(),
		StaleHits: o.staleHits.Load(),
		Misses:    o.misses.Load(),
		Coalesced: o.coalesced.Load(),
		Refreshed: o.refreshed.Load(),
	}
}

// Pending is a handle on the fetch in flight for a key.
type Pending struct {
	key cache.Key
	sub *subscription.Subscription
}

// Key returns the key being fetched.
func (p *Pending) Key() cache.Key {
	return p.key
}

// Await blocks until the fetch commits or ctx is done.
// The returned entry is Fresh or Error; a fetch failure is not an error here.
func (p *Pending) Await(ctx context.Context) (cache.Entry, error) {
	for {
		select {
		case n, ok := <-p.sub.C:
			if !ok {
				return cache.Entry{}, ErrPendingCancelled
			}
			if n.Entry.State == cache.StateFresh || n.Entry.State == cache.StateError {
				p.Cancel()
				return n.Entry, nil
			}
		case <-ctx.Done():
			return cache.Entry{}, fmt.Errorf("%w: %s: %v", ErrTimeout, p.key, ctx.Err())
		}
	}
}

// Cancel stops waiting. The fetch itself continues and still commits.
// It is idempotent.
func (p *Pending) Cancel() {
	p.sub.Cancel()
}
