// Package watch keeps cached lists honest between TTL expiries. Shared
// informers on pods, replica sets and events mark the matching cache entries
// stale as soon as the cluster reports a change, and keys that someone is
// subscribed to are re-requested right away.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
)

// Defaults for the watcher.
const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultSyncTimeout = 30 * time.Second
)

// ErrNotSynced is returned when informers fail to list within the sync timeout.
var ErrNotSynced = errors.New("informer caches did not sync")

var watchEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "navipod_watch_events_total",
	Help: "Total number of cluster change notifications by resource and operation",
}, []string{"resource", "op"})

// Invalidator marks cached entries stale.
type Invalidator interface {
	InvalidatePattern(pattern string) (int, error)
}

// Refresher re-requests stale keys that have subscribers.
type Refresher interface {
	RefreshStale(kind cache.Kind, namespace string) int
}

// Config holds watcher configuration.
type Config struct {
	// Namespace to watch ("" watches all namespaces)
	Namespace string

	// Debounce coalesces bursts of changes into one invalidation (default: DefaultDebounce)
	Debounce time.Duration

	// Resync is the informer resync period (default: 0, no resync)
	Resync time.Duration

	// SyncTimeout bounds the initial informer list (default: DefaultSyncTimeout)
	SyncTimeout time.Duration

	// Clock drives the debounce ticker (default: real clock)
	Clock clock.WithTicker

	// Logger for watch events (default: component logger)
	Logger *zerolog.Logger
}

// Watcher turns informer notifications into cache invalidations.
type Watcher struct {
	client    kubernetes.Interface
	store     Invalidator
	refresher Refresher
	cfg       Config
	clock     clock.WithTicker
	logger    zerolog.Logger

	mu      sync.Mutex
	dirty   map[cache.Kind]bool
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	factory  informers.SharedInformerFactory
	wg       sync.WaitGroup
}

// New creates a watcher. The refresher may be nil.
func New(client kubernetes.Interface, store Invalidator, refresher Refresher, cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	w := &Watcher{
		client:    client,
		store:     store,
		refresher: refresher,
		cfg:       cfg,
		clock:     cfg.Clock,
		dirty:     make(map[cache.Kind]bool),
		stopCh:    make(chan struct{}),
	}
	if w.clock == nil {
		w.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		w.logger = *cfg.Logger
	} else {
		w.logger = log.With().Str("component", "watch").Logger()
	}
	w.logger = w.logger.With().Str("namespace", cfg.Namespace).Logger()
	return w
}

// Namespace returns the watched namespace.
func (w *Watcher) Namespace() string {
	return w.cfg.Namespace
}

// Start registers the informers, waits for their initial list and begins
// invalidating. Objects present at start do not invalidate anything.
// The watcher runs until Stop or until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	w.factory = informers.NewSharedInformerFactoryWithOptions(w.client, w.cfg.Resync,
		informers.WithNamespace(w.cfg.Namespace))

	handlers := []struct {
		resource string
		informer toolscache.SharedIndexInformer
		kinds    []cache.Kind
	}{
		{"pods", w.factory.Core().V1().Pods().Informer(), []cache.Kind{cache.KindPods, cache.KindContainers}},
		{"replicasets", w.factory.Apps().V1().ReplicaSets().Informer(), []cache.Kind{cache.KindReplicaSets}},
		{"events", w.factory.Core().V1().Events().Informer(), []cache.Kind{cache.KindEvents}},
	}
	for _, h := range handlers {
		if _, err := h.informer.AddEventHandler(w.handler(h.resource, h.kinds)); err != nil {
			return fmt.Errorf("register %s handler: %w", h.resource, err)
		}
	}

	w.factory.Start(w.stopCh)

	syncCtx, cancel := context.WithTimeout(ctx, w.cfg.SyncTimeout)
	defer cancel()
	for typ, ok := range w.factory.WaitForCacheSync(syncCtx.Done()) {
		if !ok {
			w.Stop()
			return fmt.Errorf("%w: %v", ErrNotSynced, typ)
		}
	}

	w.wg.Add(1)
	go w.flushLoop(ctx)

	w.logger.Info().
		Dur("debounce", w.cfg.Debounce).
		Msg("Watching cluster for changes")
	return nil
}

func (w *Watcher) handler(resource string, kinds []cache.Kind) toolscache.ResourceEventHandler {
	mark := func(op string) {
		watchEventsTotal.WithLabelValues(resource, op).Inc()
		w.mu.Lock()
		for _, k := range kinds {
			w.dirty[k] = true
		}
		w.mu.Unlock()
	}
	return toolscache.ResourceEventHandlerDetailedFuncs{
		AddFunc: func(_ any, isInInitialList bool) {
			if !isInInitialList {
				mark("add")
			}
		},
		UpdateFunc: func(_, _ any) { mark("update") },
		DeleteFunc: func(_ any) { mark("delete") },
	}
}

func (w *Watcher) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := w.clock.NewTicker(w.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return
		case <-ticker.C():
			w.Flush()
		}
	}
}

// Flush applies pending invalidations now and returns how many entries were
// marked stale.
func (w *Watcher) Flush() int {
	w.mu.Lock()
	dirty := w.dirty
	w.dirty = make(map[cache.Kind]bool)
	w.mu.Unlock()

	total := 0
	for kind := range dirty {
		pattern := cache.KindPattern(kind)
		if w.cfg.Namespace != "" {
			pattern = cache.NamespacePattern(kind, w.cfg.Namespace)
		}
		n, err := w.store.InvalidatePattern(pattern)
		if err != nil {
			w.logger.Warn().Err(err).Str("pattern", pattern).Msg("Invalidation failed")
			continue
		}
		total += n

		refreshed := 0
		if n > 0 && w.refresher != nil && w.cfg.Namespace != "" {
			refreshed = w.refresher.RefreshStale(kind, w.cfg.Namespace)
		}
		if n > 0 {
			w.logger.Debug().
				Str("kind", string(kind)).
				Int("invalidated", n).
				Int("refreshed", refreshed).
				Msg("Cluster change invalidated cache entries")
		}
	}
	return total
}

// Stop shuts the informers down and waits for them. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.factory != nil {
			w.factory.Shutdown()
		}
		w.logger.Info().Msg("Stopped watching cluster")
	})
}

// Wait blocks until the flush loop has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
