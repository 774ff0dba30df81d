// Package prefetch anticipates what the user will look at next and warms the
// cache for it at low priority.
//
// Rules are pure functions from an event to a list of requests. Events come
// from navigation (a workload or pod was selected) and from completed fetches
// observed through the subscription hub. Everything a rule asks for goes
// through the orchestrator like any other request; the policy never touches
// the store.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/fetch"
	"github.com/navicore/navipod/pkg/subscription"
)

// Defaults for the built-in rules.
const (
	DefaultMaxWorkloadFanout = 10
	DefaultEventLimit        = 50
)

// EventType identifies what happened.
type EventType int

const (
	// WorkloadSelected fires when the user opens a replica set.
	WorkloadSelected EventType = iota

	// PodSelected fires when the user opens a pod.
	PodSelected

	// NamespaceSelected fires when the user switches namespace.
	NamespaceSelected

	// WorkloadsFetched fires when a replica set list was committed.
	WorkloadsFetched

	// PodsFetched fires when a pod list was committed.
	PodsFetched
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case WorkloadSelected:
		return "workload_selected"
	case PodSelected:
		return "pod_selected"
	case NamespaceSelected:
		return "namespace_selected"
	case WorkloadsFetched:
		return "workloads_fetched"
	case PodsFetched:
		return "pods_fetched"
	default:
		return "unknown"
	}
}

// Event describes a navigation step or a completed fetch.
type Event struct {
	Type      EventType
	Namespace string

	// Name is the selected pod or workload
	Name string

	// Selector is the selected workload's pod selector
	Selector string

	// Selectors are pod selectors of fetched workloads
	Selectors []string
}

// Context is the navigation state rules may consult.
type Context struct {
	Namespace         string
	MaxWorkloadFanout int
	EventLimit        int
}

// Rule maps an event to the requests it should trigger.
type Rule func(ev Event, nav Context) []fetch.Request

// Prefetcher schedules fetches without waiting for them.
type Prefetcher interface {
	Prefetch(key cache.Key, priority fetch.Priority) bool
}

// Config holds policy configuration.
type Config struct {
	// Namespace is the initial navigation namespace
	Namespace string

	// MaxWorkloadFanout caps pod prefetches per workload list (default: DefaultMaxWorkloadFanout)
	MaxWorkloadFanout int

	// EventLimit is the record limit of prefetched event lists (default: DefaultEventLimit)
	EventLimit int

	// WorkloadSelectors extracts pod selectors from a committed workload payload
	WorkloadSelectors func(payload any) []string

	// Logger for policy events (default: component logger)
	Logger *zerolog.Logger
}

// Policy holds the prefetch rules and the navigation context.
type Policy struct {
	mu        sync.RWMutex
	rules     map[EventType][]Rule
	nav       Context
	selectors func(payload any) []string
	logger    zerolog.Logger
	issued    atomic.Uint64
}

// New creates a policy with the default rules installed.
func New(cfg Config) *Policy {
	if cfg.MaxWorkloadFanout <= 0 {
		cfg.MaxWorkloadFanout = DefaultMaxWorkloadFanout
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = DefaultEventLimit
	}
	p := &Policy{
		rules: make(map[EventType][]Rule),
		nav: Context{
			Namespace:         cfg.Namespace,
			MaxWorkloadFanout: cfg.MaxWorkloadFanout,
			EventLimit:        cfg.EventLimit,
		},
		selectors: cfg.WorkloadSelectors,
	}
	if cfg.Logger != nil {
		p.logger = *cfg.Logger
	} else {
		p.logger = log.With().Str("component", "prefetch").Logger()
	}
	for t, rules := range DefaultRules() {
		for _, r := range rules {
			p.AddRule(t, r)
		}
	}
	return p
}

// AddRule installs an extra rule for an event type.
func (p *Policy) AddRule(t EventType, r Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[t] = append(p.rules[t], r)
}

// SetNamespace updates the navigation namespace.
func (p *Policy) SetNamespace(ns string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nav.Namespace = ns
}

// Context returns the current navigation context.
func (p *Policy) Context() Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nav
}

// On returns the requests every rule for the event produces. It has no side effects.
func (p *Policy) On(ev Event) []fetch.Request {
	p.mu.RLock()
	rules := p.rules[ev.Type]
	nav := p.nav
	p.mu.RUnlock()

	if ev.Namespace == "" {
		ev.Namespace = nav.Namespace
	}
	var reqs []fetch.Request
	for _, r := range rules {
		reqs = append(reqs, r(ev, nav)...)
	}
	return reqs
}

// Apply issues the requests for an event and returns how many were scheduled.
func (p *Policy) Apply(target Prefetcher, ev Event) int {
	scheduled := 0
	for _, req := range p.On(ev) {
		if target.Prefetch(req.Key, req.Priority) {
			scheduled++
		}
	}
	if scheduled > 0 {
		p.issued.Add(uint64(scheduled))
		p.logger.Debug().
			Str("event", ev.Type.String()).
			Str("namespace", ev.Namespace).
			Int("scheduled", scheduled).
			Msg("Prefetch scheduled")
	}
	return scheduled
}

// Navigate is the entry point for user navigation. A namespace selection
// also moves the navigation context before the rules run.
func (p *Policy) Navigate(target Prefetcher, ev Event) int {
	if ev.Type == NamespaceSelected && ev.Namespace != "" {
		p.SetNamespace(ev.Namespace)
	}
	return p.Apply(target, ev)
}

// Issued returns the number of prefetches scheduled so far.
func (p *Policy) Issued() uint64 {
	return p.issued.Load()
}

// Attach subscribes to workload and pod commits and returns the loop that
// turns them into fetched events until ctx is done. Commits between Attach
// and the loop starting are buffered. The store is never read.
func (p *Policy) Attach(hub *subscription.Hub, target Prefetcher) (func(ctx context.Context) error, error) {
	workloads, err := hub.Observe(cache.KindPattern(cache.KindReplicaSets))
	if err != nil {
		return nil, fmt.Errorf("observe workloads: %w", err)
	}
	pods, err := hub.Observe(cache.KindPattern(cache.KindPods))
	if err != nil {
		workloads.Cancel()
		return nil, fmt.Errorf("observe pods: %w", err)
	}

	return func(ctx context.Context) error {
		defer workloads.Cancel()
		defer pods.Cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n, ok := <-workloads.C:
				if !ok {
					return nil
				}
				if ev, ok := p.fetchedEvent(n); ok {
					p.Apply(target, ev)
				}
			case n, ok := <-pods.C:
				if !ok {
					return nil
				}
				if ev, ok := p.fetchedEvent(n); ok {
					p.Apply(target, ev)
				}
			}
		}
	}, nil
}

// fetchedEvent converts a Fresh commit notification into an event.
func (p *Policy) fetchedEvent(n subscription.Notification) (Event, bool) {
	if n.Entry.State != cache.StateFresh {
		return Event{}, false
	}
	switch n.Key.Kind {
	case cache.KindReplicaSets:
		ev := Event{Type: WorkloadsFetched, Namespace: n.Key.Namespace}
		if p.selectors != nil {
			ev.Selectors = p.selectors(n.Entry.Payload)
		}
		return ev, true
	case cache.KindPods:
		return Event{Type: PodsFetched, Namespace: n.Key.Namespace}, true
	default:
		return Event{}, false
	}
}
