// Package pool runs cache fetches on a bounded set of workers.
//
// Fetches are queued by priority, executed with a per-kind timeout, and
// retried with exponential backoff when the failure is retryable. Every task
// ends in exactly one commit to the store: the payload on success, or a
// classified error once retrying is pointless or exhausted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("fetch pool stopped")

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 8

// Committer receives the outcome of every task.
type Committer interface {
	Commit(t cache.Ticket, payload any) bool
	CommitError(t cache.Ticket, err *cache.FetchError) bool
}

// Resolver looks up the descriptor for a kind.
type Resolver interface {
	Resolve(kind cache.Kind) (registry.Descriptor, error)
}

// Health observes fetch outcomes and gates execution on upstream health.
type Health interface {
	// Admit runs before each attempt and may delay it.
	Admit(ctx context.Context) error

	// Observe records an attempt outcome; class is empty on success.
	Observe(class cache.ErrorClass)

	// SuspendRetries reports whether background retries should stop.
	SuspendRetries() bool
}

// Config holds pool configuration.
type Config struct {
	// Workers is the number of concurrent fetches (default: DefaultWorkers)
	Workers int

	// Retry controls retry count and backoff
	Retry RetryConfig

	// Limiter admits fetches against the upstream API (optional)
	Limiter *rate.Limiter

	// Health tracks upstream health (optional)
	Health Health

	// Pinner identifies keys with waiting subscribers; their fetches survive
	// shutdown until the deadline (optional)
	Pinner cache.Pinner

	// Classifiers map domain errors to classes
	Classifiers []cache.Classifier

	// Clock drives retry timers (default: real clock)
	Clock clock.Clock

	// Logger for pool events (default: component logger)
	Logger *zerolog.Logger
}

type running struct {
	key    cache.Key
	cancel context.CancelFunc
}

type delayed struct {
	it    *item
	timer clock.Timer
}

// Pool executes fetch tasks on a fixed set of workers.
type Pool struct {
	cfg      Config
	store    Committer
	resolver Resolver
	logger   zerolog.Logger
	clock    clock.Clock

	mu       sync.Mutex
	queue    *queue
	seq      uint64
	nextID   uint64
	running  map[uint64]*running
	delayed  map[uint64]*delayed
	started  bool
	stopping bool

	wake    chan struct{}
	done    chan struct{}
	workers sync.WaitGroup
	timers  sync.WaitGroup

	attempts  atomic.Uint64
	retries   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New creates a new pool. Call Start to launch the workers.
func New(cfg Config, store Committer, resolver Resolver) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		def := DefaultRetryConfig()
		if cfg.Retry.InitialBackoff <= 0 {
			cfg.Retry.InitialBackoff = def.InitialBackoff
		}
		if cfg.Retry.MaxBackoff <= 0 {
			cfg.Retry.MaxBackoff = def.MaxBackoff
		}
		cfg.Retry.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	p := &Pool{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		clock:    cfg.Clock,
		queue:    newQueue(),
		running:  make(map[uint64]*running),
		delayed:  make(map[uint64]*delayed),
		wake:     make(chan struct{}, cfg.Workers),
		done:     make(chan struct{}),
	}
	if p.clock == nil {
		p.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		p.logger = *cfg.Logger
	} else {
		p.logger = log.With().Str("component", "fetch-pool").Logger()
	}
	return p
}

// Start launches the workers. It is a no-op if already started.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopping {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(i)
	}
	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Int("max_retries", p.cfg.Retry.MaxRetries).
		Msg("Fetch pool started")
}

// Submit queues a task. The queue is unbounded; Submit never blocks.
// After Stop it commits a canceled error for the task and returns ErrStopped,
// so anyone waiting on the key still gets an answer.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.cancelTask(task, 0)
		return ErrStopped
	}
	if task.RequestedAt.IsZero() {
		task.RequestedAt = p.clock.Now()
	}
	p.enqueueLocked(&item{task: task})
	p.mu.Unlock()

	p.logger.Debug().
		Str("key", task.Ticket.Key.String()).
		Str("priority", task.Priority.String()).
		Str("origin", task.Origin.String()).
		Msg("Fetch queued")
	return nil
}

func (p *Pool) enqueueLocked(it *item) {
	p.seq++
	it.seq = p.seq
	p.queue.push(it)
	queueDepth.Set(float64(p.queue.len()))

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// next blocks until a task is available or the pool stops.
func (p *Pool) next() (*item, bool) {
	for {
		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			return nil, false
		}
		if it, ok := p.queue.pop(); ok {
			queueDepth.Set(float64(p.queue.len()))
			p.mu.Unlock()
			return it, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.done:
			return nil, false
		}
	}
}

// worker processes tasks from the queue
func (p *Pool) worker(id int) {
	defer p.workers.Done()
	processed := 0

	for {
		it, ok := p.next()
		if !ok {
			p.logger.Debug().
				Int("worker_id", id).
				Int("tasks_processed", processed).
				Msg("Worker stopping")
			return
		}
		p.execute(it)
		processed++
	}
}

// execute runs one attempt of a task and decides its outcome.
func (p *Pool) execute(it *item) {
	key := it.task.Ticket.Key
	kind := string(key.Kind)
	it.attempt++
	attempt := it.attempt

	desc, err := p.resolver.Resolve(key.Kind)
	if err != nil {
		// an unregistered kind never becomes fetchable at runtime
		p.fail(it, cache.ClassTerminal, err)
		return
	}
	health := p.cfg.Health
	if desc.External {
		health = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := p.track(key, cancel)
	defer p.untrack(id)
	defer cancel()

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			p.fail(it, cache.ClassCanceled, fmt.Errorf("%w: %v", cache.ErrCanceled, err))
			return
		}
	}
	if health != nil {
		if err := health.Admit(ctx); err != nil {
			p.fail(it, cache.ClassCanceled, fmt.Errorf("%w: %v", cache.ErrCanceled, err))
			return
		}
	}

	p.attempts.Add(1)
	fetchCtx, fetchCancel := context.WithTimeout(ctx, desc.Timeout)
	start := p.clock.Now()
	payload, err := desc.Fetch(fetchCtx, key)
	timedOut := err != nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	fetchCancel()
	fetchDuration.WithLabelValues(kind).Observe(p.clock.Since(start).Seconds())

	if err == nil {
		fetchAttemptsTotal.WithLabelValues(kind, "success").Inc()
		if health != nil {
			health.Observe("")
		}
		if p.store.Commit(it.task.Ticket, payload) {
			p.completed.Add(1)
		}
		if attempt > 1 {
			p.logger.Info().
				Str("key", key.String()).
				Int("attempt", attempt).
				Msg("Fetch succeeded after retry")
		}
		return
	}

	var class cache.ErrorClass
	switch {
	case timedOut:
		class = cache.ClassTimeout
		err = fmt.Errorf("%w: %w", cache.ErrFetchTimeout, err)
	case ctx.Err() != nil:
		class = cache.ClassCanceled
		err = fmt.Errorf("%w: %v", cache.ErrCanceled, err)
	default:
		class = cache.Classify(err, p.cfg.Classifiers...)
	}
	fetchAttemptsTotal.WithLabelValues(kind, string(class)).Inc()
	if health != nil {
		health.Observe(class)
	}

	if !class.Retryable() {
		p.fail(it, class, err)
		return
	}
	if attempt > p.cfg.Retry.MaxRetries {
		retryExhaustedTotal.WithLabelValues(string(class)).Inc()
		p.logger.Warn().
			Str("key", key.String()).
			Str("error_class", string(class)).
			Int("attempts", attempt).
			Msg("Retry attempts exhausted")
		p.fail(it, class, fmt.Errorf("%w after %d attempts: %w", cache.ErrRetryExhausted, attempt, err))
		return
	}
	if health != nil && health.SuspendRetries() {
		p.logger.Warn().
			Str("key", key.String()).
			Msg("Upstream offline, not retrying")
		p.fail(it, class, err)
		return
	}

	p.retry(it, class, err)
}

// retry schedules the next attempt after a backoff delay.
// The entry stays Fetching while the timer runs; no worker is held.
func (p *Pool) retry(it *item, class cache.ErrorClass, cause error) {
	if it.state == nil || it.state.class != class {
		it.state = newRetryState(p.cfg.Retry, class)
	}
	delay := it.state.next()

	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())
	p.retries.Add(1)

	p.logger.Debug().
		Err(cause).
		Str("key", it.task.Ticket.Key.String()).
		Str("error_class", string(class)).
		Int("attempt", it.attempt).
		Dur("backoff", delay).
		Msg("Retrying fetch after backoff")

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.cancelTask(it.task, it.attempt)
		return
	}
	p.nextID++
	id := p.nextID
	timer := p.clock.NewTimer(delay)
	p.delayed[id] = &delayed{it: it, timer: timer}
	p.timers.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.timers.Done()
		select {
		case <-timer.C():
		case <-p.done:
			// Stop owns every delayed task from here on
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.delayed[id]; !ok {
			return
		}
		delete(p.delayed, id)
		p.enqueueLocked(it)
	}()
}

// fail commits the final error for a task.
func (p *Pool) fail(it *item, class cache.ErrorClass, err error) {
	key := it.task.Ticket.Key
	ferr := &cache.FetchError{
		Class:    class,
		Kind:     key.Kind,
		Key:      key.String(),
		Attempts: it.attempt,
		Err:      err,
	}
	p.failed.Add(1)

	event := p.logger.Warn()
	if ferr.Terminal() {
		event = p.logger.Error()
	}
	event.Err(err).
		Str("key", key.String()).
		Str("error_class", string(class)).
		Int("attempts", it.attempt).
		Msg("Fetch failed")

	p.store.CommitError(it.task.Ticket, ferr)
}

func (p *Pool) cancelTask(task Task, attempts int) {
	key := task.Ticket.Key
	p.store.CommitError(task.Ticket, &cache.FetchError{
		Class:    cache.ClassCanceled,
		Kind:     key.Kind,
		Key:      key.String(),
		Attempts: attempts,
		Err:      cache.ErrCanceled,
	})
}

func (p *Pool) track(key cache.Key, cancel context.CancelFunc) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.running[p.nextID] = &running{key: key, cancel: cancel}
	inFlight.Set(float64(len(p.running)))
	return p.nextID
}

func (p *Pool) untrack(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
	inFlight.Set(float64(len(p.running)))
}

// Stop shuts the pool down.
// Queued and backing-off tasks are failed with a canceled error at once.
// In-flight fetches nobody is subscribed to are cancelled; the rest may finish
// until ctx expires, after which they are cancelled too.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	close(p.done)

	queued := p.queue.drain()
	queueDepth.Set(0)
	for id, d := range p.delayed {
		d.timer.Stop()
		queued = append(queued, d.it)
		delete(p.delayed, id)
	}

	var unpinned, pinned []*running
	for _, r := range p.running {
		if p.cfg.Pinner != nil && p.cfg.Pinner.Pinned(r.key) {
			pinned = append(pinned, r)
		} else {
			unpinned = append(unpinned, r)
		}
	}
	p.mu.Unlock()

	for _, it := range queued {
		p.cancelTask(it.task, it.attempt)
	}
	for _, r := range unpinned {
		r.cancel()
	}

	p.logger.Info().
		Int("cancelled_queued", len(queued)).
		Int("cancelled_in_flight", len(unpinned)).
		Int("draining", len(pinned)).
		Msg("Fetch pool stopping")

	finished := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.timers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info().Msg("Fetch pool stopped")
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for _, r := range p.running {
			r.cancel()
		}
		p.mu.Unlock()
		p.logger.Warn().Msg("Shutdown deadline reached, cancelled remaining fetches")
		return ctx.Err()
	}
}

// Stats is a read-only snapshot of pool counters.
type Stats struct {
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	InFlight   int    `json:"in_flight"`
	BackingOff int    `json:"backing_off"`
	Attempts   uint64 `json:"attempts"`
	Retries    uint64 `json:"retries"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:    p.cfg.Workers,
		QueueDepth: p.queue.len(),
		InFlight:   len(p.running),
		BackingOff: len(p.delayed),
		Attempts:   p.attempts.Load(),
		Retries:    p.retries.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}
