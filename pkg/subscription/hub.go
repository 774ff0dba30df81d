// Package subscription delivers cache commit notifications to interested
// consumers without ever blocking the committer.
package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
)

// Prometheus metrics for subscription delivery.
var (
	subscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "navipod_subscriptions_active",
		Help: "Number of active subscriptions",
	})

	notificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navipod_notifications_delivered_total",
		Help: "Total number of notifications queued to subscribers",
	})

	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "navipod_notifications_dropped_total",
		Help: "Total number of notifications dropped because a subscriber buffer was full",
	})
)

// ErrSubscriptionOverflow reports that older notifications were discarded.
// The consumer should re-read current state through the cache.
var ErrSubscriptionOverflow = errors.New("subscription overflow")

// DefaultBuffer is the per-subscription buffer size.
const DefaultBuffer = 16

// globMeta are the characters that make a pattern a glob rather than an exact key.
const globMeta = "*?[{"

// Notification announces that an entry reached Fresh or Error.
type Notification struct {
	Key   cache.Key
	Entry cache.Entry

	// Dropped counts notifications discarded just before this one was queued
	Dropped uint64
}

// Err returns ErrSubscriptionOverflow if notifications were dropped before this one.
func (n Notification) Err() error {
	if n.Dropped > 0 {
		return fmt.Errorf("%w: %d dropped", ErrSubscriptionOverflow, n.Dropped)
	}
	return nil
}

// Config holds hub configuration.
type Config struct {
	// Buffer is the per-subscription buffer size (default: DefaultBuffer)
	Buffer int

	// Clock stamps subscription creation (default: real clock)
	Clock clock.PassiveClock

	// Logger for hub events (default: component logger)
	Logger *zerolog.Logger
}

// Hub fans out cache notifications to subscriptions.
// It implements cache.Notifier and cache.Pinner.
type Hub struct {
	mu       sync.RWMutex
	exact    map[string]map[string]*Subscription
	patterns map[string]*Subscription

	buffer    int
	clock     clock.PassiveClock
	logger    zerolog.Logger
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a new subscription hub.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		exact:    make(map[string]map[string]*Subscription),
		patterns: make(map[string]*Subscription),
		buffer:   cfg.Buffer,
		clock:    cfg.Clock,
	}
	if h.buffer <= 0 {
		h.buffer = DefaultBuffer
	}
	if h.clock == nil {
		h.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		h.logger = *cfg.Logger
	} else {
		h.logger = log.With().Str("component", "subscription").Logger()
	}
	return h
}

// Subscribe registers interest in keys matching pattern.
// A pattern without glob characters matches one key exactly; "*" matches any
// run of characters, so "pods:prod:*" covers every pods key in namespace prod.
// Every key the pattern matches is pinned while the subscription is active.
func (h *Hub) Subscribe(pattern string) (*Subscription, error) {
	return h.subscribe(pattern, true)
}

// Observe is Subscribe without pinning. Background observers use it so that
// watching every commit does not keep every key alive.
func (h *Hub) Observe(pattern string) (*Subscription, error) {
	return h.subscribe(pattern, false)
}

func (h *Hub) subscribe(pattern string, pins bool) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("subscribe: empty pattern")
	}

	var matcher glob.Glob
	if strings.ContainsAny(pattern, globMeta) {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("subscribe: compile pattern %q: %w", pattern, err)
		}
		matcher = g
	}

	ch := make(chan Notification, h.buffer)
	sub := &Subscription{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		CreatedAt: h.clock.Now(),
		C:         ch,
		ch:        ch,
		hub:       h,
		matcher:   matcher,
		pins:      pins,
	}

	h.mu.Lock()
	if matcher != nil {
		h.patterns[sub.ID] = sub
	} else {
		subs, ok := h.exact[pattern]
		if !ok {
			subs = make(map[string]*Subscription)
			h.exact[pattern] = subs
		}
		subs[sub.ID] = sub
	}
	h.mu.Unlock()

	subscriptionsActive.Inc()
	h.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("pattern", pattern).
		Bool("pins", pins).
		Msg("Subscription created")
	return sub, nil
}

// SubscribeKey registers interest in exactly one key.
func (h *Hub) SubscribeKey(key cache.Key) *Subscription {
	sub, err := h.Subscribe(key.String())
	if err != nil {
		// key strings are never empty; a kind is always present
		panic(err)
	}
	return sub
}

// Notify queues a notification for every matching subscription.
// It never blocks: a full buffer drops its oldest notification.
func (h *Hub) Notify(key cache.Key, entry cache.Entry) {
	id := key.String()

	h.mu.RLock()
	var targets []*Subscription
	for _, sub := range h.exact[id] {
		targets = append(targets, sub)
	}
	for _, sub := range h.patterns {
		if sub.matcher.Match(id) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		dropped, ok := sub.deliver(Notification{Key: key, Entry: entry})
		if !ok {
			continue
		}
		h.delivered.Add(1)
		notificationsDelivered.Inc()
		if dropped {
			h.dropped.Add(1)
			notificationsDropped.Inc()
			h.logger.Warn().
				Str("subscription_id", sub.ID).
				Str("pattern", sub.Pattern).
				Msg("Subscriber buffer full, dropped oldest notification")
		}
	}
}

// Pinned reports whether an active pinning subscription matches key,
// exactly or through a pattern.
func (h *Hub) Pinned(key cache.Key) bool {
	id := key.String()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.exact[id] {
		if sub.pins {
			return true
		}
	}
	for _, sub := range h.patterns {
		if sub.pins && sub.matcher.Match(id) {
			return true
		}
	}
	return false
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.patterns)
	for _, subs := range h.exact {
		n += len(subs)
	}
	return n
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.matcher != nil {
		delete(h.patterns, sub.ID)
		return
	}
	subs := h.exact[sub.Pattern]
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.exact, sub.Pattern)
	}
}

// Stats is a read-only snapshot of hub counters.
type Stats struct {
	Active    int    `json:"active"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Active:    h.Len(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Subscription is one consumer's interest in a set of keys.
type Subscription struct {
	ID        string
	Pattern   string
	CreatedAt time.Time

	// C receives notifications. It is closed by Cancel.
	C <-chan Notification

	ch      chan Notification
	hub     *Hub
	matcher glob.Glob
	pins    bool

	mu           sync.Mutex
	closed       bool
	pendingDrops uint64
	dropped      atomic.Uint64
	once         sync.Once
}

// deliver queues n, dropping the oldest queued notification if the buffer is full.
// It reports whether a notification was dropped and whether n was queued at all.
func (s *Subscription) deliver(n Notification) (dropped, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	select {
	case s.ch <- n:
		return false, true
	default:
	}

	// only deliver sends on ch, so after one receive there is room
	select {
	case <-s.ch:
		s.pendingDrops++
		s.dropped.Add(1)
		dropped = true
	default:
	}

	n.Dropped = s.pendingDrops
	select {
	case s.ch <- n:
		s.pendingDrops = 0
	default:
	}
	return dropped, true
}

// Dropped returns the total number of notifications this subscription lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes C after draining it.
// It is idempotent and safe to call concurrently with delivery.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)

		s.mu.Lock()
		s.closed = true
	drain:
		for {
			select {
			case <-s.ch:
			default:
				break drain
			}
		}
		close(s.ch)
		s.mu.Unlock()

		subscriptionsActive.Dec()
		s.hub.logger.Debug().
			Str("subscription_id", s.ID).
			Msg("Subscription cancelled")
	})
}
