// Package navipod is the consumer-facing API of the cache layer. A Client
// wires the kind registry, the cache store, the subscription hub, the fetch
// pool, the orchestrator, the prefetch policy and the optional watch and
// snapshot components, and exposes non-blocking requests plus a few
// synchronous helpers for scripted callers.
//
// Neither the CLI nor the TUI talk to the cluster directly; every read goes
// through a Client.
package navipod

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/config"
	"github.com/navicore/navipod/pkg/fetch"
	"github.com/navicore/navipod/pkg/kube"
	"github.com/navicore/navipod/pkg/metrics"
	"github.com/navicore/navipod/pkg/pool"
	"github.com/navicore/navipod/pkg/prefetch"
	"github.com/navicore/navipod/pkg/ratelimit"
	"github.com/navicore/navipod/pkg/registry"
	"github.com/navicore/navipod/pkg/snapshot"
	"github.com/navicore/navipod/pkg/subscription"
	"github.com/navicore/navipod/pkg/watch"
)

var (
	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("navipod client closed")

	// ErrNotStarted is returned by operations that need Start first
	ErrNotStarted = errors.New("navipod client not started")
)

// DefaultNamespace is used when neither the config nor the kubeconfig name one.
const DefaultNamespace = "default"

// sharedHealthTimeout bounds the Redis read behind Stats and Health.
const sharedHealthTimeout = 500 * time.Millisecond

// Options configure a Client.
type Options struct {
	// Config holds the tunables; it must already be validated
	Config config.Config

	// Connection is the cluster connection. When nil, Registry must be set
	// and the watcher is disabled.
	Connection *kube.Connection

	// Registry replaces the cluster fetchers (optional, for tests and embedding)
	Registry *registry.Registry

	// Redis overrides Config.Snapshot.RedisAddr (optional)
	Redis *redis.Client

	// WaitForWarmup makes Start block until the first replica set list lands
	WaitForWarmup bool

	// Clock drives TTLs, retries and maintenance (default: real clock)
	Clock clock.WithTicker

	// Logger for client events (default: component logger)
	Logger *zerolog.Logger
}

// Query names the data a caller wants. An empty Namespace means the
// client's current namespace.
type Query struct {
	Kind      cache.Kind
	Namespace string
	Selector  string
	Name      string
	Limit     int
}

// Client is the facade over the cache layer.
type Client struct {
	cfg    config.Config
	conn   *kube.Connection
	reg    *registry.Registry
	clock  clock.WithTicker
	base   zerolog.Logger
	logger zerolog.Logger

	store   *cache.Store
	hub     *subscription.Hub
	pool    *pool.Pool
	orch    *fetch.Orchestrator
	policy  *prefetch.Policy
	tracker *ratelimit.Tracker

	redis     *redis.Client
	ownsRedis bool
	snapshots *snapshot.Manager

	waitForWarmup bool

	// switchMu serializes namespace switches end to end
	switchMu sync.Mutex

	mu        sync.Mutex
	namespace string
	watcher   *watch.Watcher
	runCtx    context.Context
	cancel    context.CancelFunc
	started   bool
	closed    bool
	wg        sync.WaitGroup
}

// New builds a client. Nothing runs until Start.
func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Connection == nil && opts.Registry == nil {
		return nil, fmt.Errorf("navipod: a cluster connection or a registry is required")
	}

	c := &Client{
		cfg:           cfg,
		conn:          opts.Connection,
		reg:           opts.Registry,
		clock:         opts.Clock,
		redis:         opts.Redis,
		waitForWarmup: opts.WaitForWarmup,
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	c.base = log.Logger
	if opts.Logger != nil {
		c.base = *opts.Logger
	}
	c.logger = c.componentLogger("navipod")
	c.namespace = initialNamespace(cfg, opts.Connection)

	if c.reg == nil {
		c.reg = registry.New()
		fl := c.componentLogger("kube")
		fetchers := kube.NewFetchers(c.conn.Clientset, &fl)
		if err := kube.Register(c.reg, fetchers, cfg.KindTTLs(), cfg.Fetch.Timeout); err != nil {
			return nil, err
		}
	}

	if c.redis == nil && cfg.Snapshot.RedisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: cfg.Snapshot.RedisAddr})
		c.ownsRedis = true
	}

	hubLogger := c.componentLogger("subscription")
	c.hub = subscription.NewHub(subscription.Config{
		Buffer: cfg.Cache.SubscriptionBuffer,
		Clock:  c.clock,
		Logger: &hubLogger,
	})

	storeLogger := c.componentLogger("cache")
	c.store = cache.NewStore(cache.StoreConfig{
		Shards:   cfg.Cache.Shards,
		TTL:      c.reg.TTL,
		Clock:    c.clock,
		Notifier: c.hub,
		Pinner:   c.hub,
		Logger:   &storeLogger,
	})

	healthLogger := c.componentLogger("upstream-health")
	c.tracker = ratelimit.NewTracker(ratelimit.Config{
		Mode:   cfg.OfflineMode(),
		Redis:  c.redis,
		Clock:  c.clock,
		Logger: &healthLogger,
	})

	var limiter *rate.Limiter
	if cfg.Fetch.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Fetch.QPS), cfg.Fetch.Burst)
	}
	retry := pool.DefaultRetryConfig()
	retry.MaxRetries = cfg.Fetch.MaxRetries
	retry.InitialBackoff = cfg.Fetch.BackoffBase
	retry.MaxBackoff = cfg.Fetch.BackoffCeiling

	poolLogger := c.componentLogger("fetch-pool")
	c.pool = pool.New(pool.Config{
		Workers:     cfg.Fetch.Workers,
		Retry:       retry,
		Limiter:     limiter,
		Health:      c.tracker,
		Pinner:      c.hub,
		Classifiers: []cache.Classifier{kube.ClassifyAPIError, kube.ClassifyDialError},
		Clock:       c.clock,
		Logger:      &poolLogger,
	}, c.store, c.reg)

	orchLogger := c.componentLogger("orchestrator")
	c.orch = fetch.New(fetch.Config{
		SweepInterval:     cfg.Cache.SweepInterval,
		Capacity:          cfg.Cache.Capacity,
		BackgroundRefresh: cfg.Cache.BackgroundRefresh,
		Clock:             c.clock,
		Logger:            &orchLogger,
	}, c.store, c.hub, c.pool)

	policyLogger := c.componentLogger("prefetch")
	c.policy = prefetch.New(prefetch.Config{
		Namespace:         c.namespace,
		WorkloadSelectors: kube.WorkloadSelectors,
		Logger:            &policyLogger,
	})

	if c.redis != nil {
		snapLogger := c.componentLogger("snapshot")
		c.snapshots = snapshot.NewManager(c.redis, snapshot.Config{
			Retention: cfg.Snapshot.Retention,
			Clock:     c.clock,
			Logger:    &snapLogger,
		})
	}
	return c, nil
}

func initialNamespace(cfg config.Config, conn *kube.Connection) string {
	switch {
	case cfg.Namespace != "":
		return cfg.Namespace
	case conn != nil && conn.Namespace != "":
		return conn.Namespace
	default:
		return DefaultNamespace
	}
}

func (c *Client) componentLogger(component string) zerolog.Logger {
	return c.base.With().Str("component", component).Logger()
}

// Start restores snapshots, launches the workers and background loops, and
// requests the current namespace's replica sets at High priority. Background
// loops run until Close or until ctx is done.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	ns := c.namespace
	c.mu.Unlock()

	c.warmFromSnapshots(ctx)
	c.pool.Start()

	c.goRun(func() { c.orch.Run(runCtx) })
	// observers subscribe before the warm-up request so its commit is seen
	if observe, err := c.policy.Attach(c.hub, c.orch); err != nil {
		c.logger.Warn().Err(err).Msg("Prefetch observer disabled")
	} else {
		c.goRun(func() { observe(runCtx) })
	}
	if snaps := c.snapshotManager(); snaps != nil {
		if save, err := snaps.Attach(c.hub); err != nil {
			c.logger.Warn().Err(err).Msg("Snapshot writer disabled")
		} else {
			c.goRun(func() { save(runCtx) })
		}
	}
	if c.cfg.Metrics.Addr != "" {
		c.goRun(func() {
			ml := c.componentLogger("metrics")
			if err := metrics.Serve(runCtx, c.cfg.Metrics.Addr, c, &ml); err != nil {
				c.logger.Error().Err(err).Msg("Metrics endpoint failed")
			}
		})
	}

	if c.conn != nil {
		w, err := c.startWatcher(runCtx, ns)
		if err != nil {
			// RBAC may allow list but not watch; TTLs still bound staleness
			c.logger.Warn().Err(err).Str("namespace", ns).Msg("Watch disabled")
		} else {
			c.mu.Lock()
			c.watcher = w
			c.mu.Unlock()
		}
	}

	c.logger.Info().
		Str("namespace", ns).
		Int("workers", c.cfg.Fetch.Workers).
		Bool("snapshots", c.snapshotManager() != nil).
		Msg("Navipod cache started")

	return c.warmup(ctx, ns)
}

func (c *Client) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Client) warmFromSnapshots(ctx context.Context) {
	if c.snapshots == nil {
		return
	}
	if err := c.redis.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Snapshot store unreachable, snapshots disabled")
		c.mu.Lock()
		c.snapshots = nil
		c.mu.Unlock()
		return
	}
	if _, err := c.snapshots.Warm(ctx, c.store, c.reg); err != nil {
		c.logger.Warn().Err(err).Msg("Snapshot warm-up incomplete")
	}
}

func (c *Client) snapshotManager() *snapshot.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots
}

func (c *Client) startWatcher(ctx context.Context, ns string) (*watch.Watcher, error) {
	wl := c.componentLogger("watch")
	w := watch.New(c.conn.Clientset, c.store, c.orch, watch.Config{
		Namespace: ns,
		Logger:    &wl,
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// warmup requests the namespace's replica sets, the first screen of the TUI.
func (c *Client) warmup(ctx context.Context, ns string) error {
	key, err := c.reg.Key(cache.KindReplicaSets, ns, "", "")
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKind) {
			return nil
		}
		return err
	}
	out := c.orch.Request(fetch.Request{Key: key, Priority: fetch.High, Origin: fetch.Foreground})
	if out.Pending == nil {
		return nil
	}
	defer out.Pending.Cancel()
	if !c.waitForWarmup {
		return nil
	}

	e, err := out.Pending.Await(ctx)
	if err != nil {
		return fmt.Errorf("warm-up: %w", err)
	}
	if e.State == cache.StateError && e.Err != nil {
		return fmt.Errorf("warm-up: %w", e.Err)
	}
	return nil
}

// Close stops every background loop, shuts the pool down within ctx and
// releases the Redis connection if the client opened it. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	w := c.watcher
	cancel := c.cancel
	c.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if cancel != nil {
		cancel()
	}
	err := c.pool.Stop(ctx)
	c.wg.Wait()
	if w != nil {
		w.Wait()
	}

	if c.ownsRedis {
		if cerr := c.redis.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close redis: %w", cerr)
		}
	}
	c.logger.Info().Msg("Navipod cache stopped")
	return err
}

// Namespace returns the current namespace.
func (c *Client) Namespace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespace
}

// Kinds lists the fetchable kinds.
func (c *Client) Kinds() []cache.Kind {
	return c.reg.Kinds()
}

// TTL returns the freshness window of a kind.
func (c *Client) TTL(kind cache.Kind) time.Duration {
	return c.reg.TTL(kind)
}

// Key canonicalizes a query through its kind's descriptor.
func (c *Client) Key(q Query) (cache.Key, error) {
	ns := q.Namespace
	if ns == "" {
		ns = c.Namespace()
	}
	key, err := c.reg.Key(q.Kind, ns, q.Selector, q.Name)
	if err != nil {
		return cache.Key{}, err
	}
	return key.WithLimit(q.Limit), nil
}

// Request answers from the cache at once and schedules a fetch when the
// data is not fresh. It never blocks on the cluster.
func (c *Client) Request(q Query, priority fetch.Priority) (fetch.Outcome, error) {
	if err := c.usable(); err != nil {
		return fetch.Outcome{}, err
	}
	key, err := c.Key(q)
	if err != nil {
		return fetch.Outcome{}, err
	}
	return c.orch.Request(fetch.Request{Key: key, Priority: priority, Origin: fetch.Foreground}), nil
}

// Get waits up to timeout for the data behind q. A failed fetch returns its
// Error entry together with the *cache.FetchError; an expired wait returns
// the entry seen at request time with fetch.ErrTimeout.
func (c *Client) Get(ctx context.Context, q Query, priority fetch.Priority, timeout time.Duration) (cache.Entry, error) {
	if err := c.usable(); err != nil {
		return cache.Entry{}, err
	}
	key, err := c.Key(q)
	if err != nil {
		return cache.Entry{}, err
	}
	return c.orch.Get(ctx, key, priority, timeout)
}

// Subscribe delivers every commit for q's key until the subscription is
// cancelled. The key is protected from eviction meanwhile.
func (c *Client) Subscribe(q Query) (*subscription.Subscription, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	key, err := c.Key(q)
	if err != nil {
		return nil, err
	}
	return c.hub.SubscribeKey(key), nil
}

// Navigate reports a user navigation step and returns how many prefetches
// it scheduled.
func (c *Client) Navigate(ev prefetch.Event) int {
	if c.usable() != nil {
		return 0
	}
	if ev.Namespace == "" {
		ev.Namespace = c.Namespace()
	}
	return c.policy.Navigate(c.orch, ev)
}

// SwitchNamespace moves the client to ns: the watcher follows, entries of
// the old namespace are marked stale and the new namespace is prefetched.
// If the new watcher cannot start, the old one is kept and an error returned.
func (c *Client) SwitchNamespace(ctx context.Context, ns string) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	old := c.namespace
	runCtx := c.runCtx
	oldWatcher := c.watcher
	started := c.started
	c.mu.Unlock()
	if ns == "" || ns == old {
		return nil
	}

	var next *watch.Watcher
	if c.conn != nil && started && runCtx != nil {
		w, err := c.startWatcher(runCtx, ns)
		if err != nil {
			return fmt.Errorf("switch to namespace %s: %w", ns, err)
		}
		next = w
	}

	c.mu.Lock()
	c.namespace = ns
	if next != nil {
		c.watcher = next
	}
	c.mu.Unlock()
	if next != nil && oldWatcher != nil {
		oldWatcher.Stop()
	}

	stale := 0
	for _, kind := range c.reg.Kinds() {
		n, err := c.store.InvalidatePattern(cache.NamespacePattern(kind, old))
		if err != nil {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Invalidation failed")
			continue
		}
		stale += n
	}

	scheduled := c.policy.Navigate(c.orch, prefetch.Event{Type: prefetch.NamespaceSelected, Namespace: ns})
	c.logger.Info().
		Str("from", old).
		Str("to", ns).
		Int("stale", stale).
		Int("prefetched", scheduled).
		Msg("Switched namespace")
	return nil
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

// Stats is a read-only snapshot of every component's counters.
type Stats struct {
	Namespace      string             `json:"namespace" yaml:"namespace"`
	Store          cache.StoreStats   `json:"store" yaml:"store"`
	Orchestrator   fetch.Stats        `json:"orchestrator" yaml:"orchestrator"`
	Pool           pool.Stats         `json:"pool" yaml:"pool"`
	Subscriptions  subscription.Stats `json:"subscriptions" yaml:"subscriptions"`
	Upstream       ratelimit.State    `json:"upstream" yaml:"upstream"`
	UpstreamSource string             `json:"upstream_source" yaml:"upstream_source"`
	OfflineMode    string             `json:"offline_mode" yaml:"offline_mode"`
	PrefetchIssued uint64             `json:"prefetch_issued" yaml:"prefetch_issued"`
	Snapshots      bool               `json:"snapshots" yaml:"snapshots"`
}

// Stats returns counters without blocking the cache. Upstream health comes
// from Redis when another process published a fresher state.
func (c *Client) Stats() Stats {
	upstream, source := c.upstream()
	return Stats{
		Namespace:      c.Namespace(),
		Store:          c.store.Stats(),
		Orchestrator:   c.orch.Stats(),
		Pool:           c.pool.Stats(),
		Subscriptions:  c.hub.Stats(),
		Upstream:       upstream,
		UpstreamSource: source,
		OfflineMode:    string(c.tracker.Mode()),
		PrefetchIssued: c.policy.Issued(),
		Snapshots:      c.snapshotManager() != nil,
	}
}

// upstream returns the health state to report and where it came from.
func (c *Client) upstream() (ratelimit.State, string) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedHealthTimeout)
	defer cancel()
	return c.tracker.Effective(ctx, ratelimit.DefaultSharedMaxAge)
}

// Health implements metrics.Source.
func (c *Client) Health() (metrics.Health, bool) {
	st, _ := c.upstream()
	h := metrics.Health{
		Status:              st.Level.String(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastClass,
	}
	return h, !st.IsOffline()
}

// DebugStats implements metrics.Source.
func (c *Client) DebugStats() any {
	return c.Stats()
}
