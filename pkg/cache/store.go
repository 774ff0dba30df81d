package cache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 32

// DefaultTTL applies to kinds without a configured TTL.
const DefaultTTL = 2 * time.Minute

// Notifier receives entries after a commit moved them to Fresh or Error.
// It is called without any store lock held.
type Notifier interface {
	Notify(key Key, entry Entry)
}

// Pinner reports keys that must survive capacity eviction.
type Pinner interface {
	Pinned(key Key) bool
}

// Ticket authorizes one commit for a key. It is issued by BeginFetch.
type Ticket struct {
	Key Key

	// Version is the version a successful commit writes
	Version uint64

	// Seq identifies the fetch that owns the Fetching state
	Seq uint64
}

// StoreConfig holds store configuration.
type StoreConfig struct {
	// Shards is the number of lock shards, rounded up to a power of two
	Shards int

	// TTL returns the freshness window for a kind (default: DefaultTTL)
	TTL func(Kind) time.Duration

	// Clock supplies the current time (default: real clock)
	Clock clock.PassiveClock

	// Notifier is told about Fresh and Error commits (optional)
	Notifier Notifier

	// Pinner protects subscribed keys from eviction (optional)
	Pinner Pinner

	// Logger for store events (default: component logger)
	Logger *zerolog.Logger
}

type record struct {
	entry      Entry
	seq        uint64
	lastAccess atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Store is a sharded in-memory cache of fetched cluster data.
// All methods are safe for concurrent use and never perform I/O.
type Store struct {
	shards    []*shard
	mask      uint64
	ttl       func(Kind) time.Duration
	clock     clock.PassiveClock
	notifier  Notifier
	pinner    Pinner
	logger    zerolog.Logger
	seq       atomic.Uint64
	evictions atomic.Uint64

	errMu        sync.Mutex
	errorsByKind map[Kind]uint64
}

// NewStore creates a new store.
func NewStore(cfg StoreConfig) *Store {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}

	s := &Store{
		shards:       make([]*shard, size),
		mask:         uint64(size - 1),
		ttl:          cfg.TTL,
		clock:        cfg.Clock,
		notifier:     cfg.Notifier,
		pinner:       cfg.Pinner,
		errorsByKind: make(map[Kind]uint64),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	if s.ttl == nil {
		s.ttl = func(Kind) time.Duration { return DefaultTTL }
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = log.With().Str("component", "cache").Logger()
	}
	return s
}

// SetNotifier replaces the commit notifier. It must be called before the store is shared.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetPinner replaces the eviction pinner. It must be called before the store is shared.
func (s *Store) SetPinner(p Pinner) {
	s.pinner = p
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)&s.mask]
}

// Get returns a snapshot of the entry for key. It never fetches.
// An expired Fresh entry is demoted to Stale before it is returned.
func (s *Store) Get(key Key) (Entry, bool) {
	id := key.String()
	sh := s.shardFor(id)
	now := s.clock.Now()

	sh.mu.RLock()
	rec, ok := sh.records[id]
	if !ok {
		sh.mu.RUnlock()
		return Entry{}, false
	}
	expired := rec.entry.State == StateFresh && rec.entry.Expired(now)
	entry := rec.entry
	sh.mu.RUnlock()

	if expired {
		sh.mu.Lock()
		rec, ok = sh.records[id]
		if !ok {
			sh.mu.Unlock()
			return Entry{}, false
		}
		s.demote(rec, now)
		entry = rec.entry
		sh.mu.Unlock()
	}

	rec.lastAccess.Store(now.UnixNano())
	entry.LastAccess = now
	return entry, true
}

// demote moves an expired Fresh entry to Stale. Caller holds the shard lock.
func (s *Store) demote(rec *record, now time.Time) bool {
	if rec.entry.State == StateFresh && rec.entry.Expired(now) {
		rec.entry.State = StateStale
		return true
	}
	return false
}

// BeginFetch atomically claims the right to fetch key, creating the entry if needed.
// It succeeds only from Empty, Stale or Error; a Fetching or Fresh entry returns false.
func (s *Store) BeginFetch(key Key) (Ticket, bool) {
	id := key.String()
	sh := s.shardFor(id)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[id]
	if !ok {
		rec = &record{entry: Entry{Key: key, State: StateEmpty, TTL: s.ttl(key.Kind)}}
		rec.lastAccess.Store(now.UnixNano())
		sh.records[id] = rec
	}
	s.demote(rec, now)

	switch rec.entry.State {
	case StateFresh, StateFetching:
		return Ticket{}, false
	}

	rec.seq = s.seq.Add(1)
	rec.entry.State = StateFetching
	return Ticket{Key: key, Version: rec.entry.Version + 1, Seq: rec.seq}, true
}

// Commit stores a successful fetch result and marks the entry Fresh.
// It returns false and leaves the entry unchanged when the ticket's version is not
// newer than the entry's, or when a different fetch now owns the entry.
func (s *Store) Commit(t Ticket, payload any) bool {
	id := t.Key.String()
	sh := s.shardFor(id)
	now := s.clock.Now()

	sh.mu.Lock()
	rec, ok := sh.records[id]
	if !ok || !s.acceptsSuccess(rec, t) {
		sh.mu.Unlock()
		s.reject(t, "stale version")
		return false
	}
	rec.entry.Payload = payload
	rec.entry.LastFetched = now
	rec.entry.TTL = s.ttl(t.Key.Kind)
	rec.entry.State = StateFresh
	rec.entry.Err = nil
	rec.entry.Version = t.Version
	rec.seq = 0
	entry := rec.entry
	sh.mu.Unlock()

	Commits.WithLabelValues(string(t.Key.Kind), "fresh").Inc()
	s.logger.Debug().
		Str("key", id).
		Uint64("version", t.Version).
		Msg("Committed fresh entry")

	if s.notifier != nil {
		s.notifier.Notify(t.Key, entry)
	}
	return true
}

func (s *Store) acceptsSuccess(rec *record, t Ticket) bool {
	if t.Version <= rec.entry.Version {
		return false
	}
	// another fetch owns the entry
	if rec.entry.State == StateFetching && rec.seq != t.Seq {
		return false
	}
	return true
}

// CommitError records a failed fetch and marks the entry Error.
// Any previous payload is kept. It returns false and leaves the entry unchanged
// unless the ticket's fetch still owns the entry.
func (s *Store) CommitError(t Ticket, ferr *FetchError) bool {
	if ferr == nil {
		ferr = &FetchError{Class: ClassTransient}
	}
	id := t.Key.String()
	sh := s.shardFor(id)

	sh.mu.Lock()
	rec, ok := sh.records[id]
	if !ok || rec.entry.State != StateFetching || rec.seq != t.Seq || t.Version <= rec.entry.Version {
		sh.mu.Unlock()
		s.reject(t, "fetch no longer owns entry")
		return false
	}
	if ferr.Key == "" {
		ferr.Key = id
	}
	if ferr.Kind == "" {
		ferr.Kind = t.Key.Kind
	}
	rec.entry.State = StateError
	rec.entry.Err = ferr
	rec.seq = 0
	entry := rec.entry
	sh.mu.Unlock()

	s.errMu.Lock()
	s.errorsByKind[t.Key.Kind]++
	s.errMu.Unlock()

	Commits.WithLabelValues(string(t.Key.Kind), "error").Inc()
	s.logger.Debug().
		Str("key", id).
		Str("error_class", string(ferr.Class)).
		Msg("Committed error entry")

	if s.notifier != nil {
		s.notifier.Notify(t.Key, entry)
	}
	return true
}

func (s *Store) reject(t Ticket, reason string) {
	Commits.WithLabelValues(string(t.Key.Kind), "rejected").Inc()
	s.logger.Warn().
		Str("key", t.Key.String()).
		Uint64("version", t.Version).
		Str("reason", reason).
		Msg("Rejected cache commit")
}

// Sweep demotes every expired Fresh entry to Stale and returns how many changed.
// It does not evict.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	demoted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if s.demote(rec, now) {
				demoted++
			}
		}
		sh.mu.Unlock()
	}
	return demoted
}

type evictCandidate struct {
	id         string
	key        Key
	lastAccess int64
}

// EvictLRU removes least recently accessed entries until at most max remain.
// Fetching entries and pinned entries are never evicted, so the store may stay
// above max. It returns the number of entries removed.
func (s *Store) EvictLRU(max int) int {
	if max < 0 {
		max = 0
	}

	var candidates []evictCandidate
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.records)
		for id, rec := range sh.records {
			if rec.entry.State == StateFetching {
				continue
			}
			candidates = append(candidates, evictCandidate{
				id:         id,
				key:        rec.entry.Key,
				lastAccess: rec.lastAccess.Load(),
			})
		}
		sh.mu.RUnlock()
	}
	Entries.Set(float64(total))

	excess := total - max
	if excess <= 0 {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= excess {
			break
		}
		// the pinner takes its own lock, so ask before taking the shard lock
		if s.pinner != nil && s.pinner.Pinned(c.key) {
			continue
		}
		sh := s.shardFor(c.id)
		sh.mu.Lock()
		rec, ok := sh.records[c.id]
		if ok && rec.entry.State != StateFetching && rec.lastAccess.Load() == c.lastAccess {
			delete(sh.records, c.id)
			evicted++
		}
		sh.mu.Unlock()
	}

	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
		Evictions.Add(float64(evicted))
		Entries.Set(float64(total - evicted))
		s.logger.Debug().
			Int("evicted", evicted).
			Int("max", max).
			Msg("Evicted least recently used entries")
	}
	return evicted
}

// Invalidate demotes a Fresh entry to Stale so the next request refetches it.
func (s *Store) Invalidate(key Key) bool {
	id := key.String()
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[id]
	if !ok || rec.entry.State != StateFresh {
		return false
	}
	rec.entry.State = StateStale
	Invalidations.WithLabelValues(string(key.Kind)).Inc()
	return true
}

// InvalidatePattern demotes every Fresh entry whose key matches the glob pattern.
// "*" matches any run of characters, including ":".
func (s *Store) InvalidatePattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	demoted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.records {
			if rec.entry.State != StateFresh || !g.Match(id) {
				continue
			}
			rec.entry.State = StateStale
			Invalidations.WithLabelValues(string(rec.entry.Key.Kind)).Inc()
			demoted++
		}
		sh.mu.Unlock()
	}

	if demoted > 0 {
		s.logger.Debug().
			Str("pattern", pattern).
			Int("invalidated", demoted).
			Msg("Invalidated entries by pattern")
	}
	return demoted, nil
}

// Seed adds a Stale entry carrying last-known-good data for key.
// It does nothing if the key already has an entry.
func (s *Store) Seed(key Key, payload any, lastFetched time.Time) bool {
	if payload == nil {
		return false
	}
	id := key.String()
	sh := s.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.records[id]; ok {
		return false
	}
	rec := &record{entry: Entry{
		Key:         key,
		Payload:     payload,
		LastFetched: lastFetched,
		TTL:         s.ttl(key.Kind),
		State:       StateStale,
	}}
	rec.lastAccess.Store(s.clock.Now().UnixNano())
	sh.records[id] = rec
	return true
}

// Keys returns the keys of entries in any of the given states, sorted.
// With no states it returns every key.
func (s *Store) Keys(states ...State) []Key {
	now := s.clock.Now()
	want := func(st State) bool {
		if len(states) == 0 {
			return true
		}
		for _, w := range states {
			if w == st {
				return true
			}
		}
		return false
	}

	var keys []Key
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			st := rec.entry.State
			if st == StateFresh && rec.entry.Expired(now) {
				st = StateStale
			}
			if want(st) {
				keys = append(keys, rec.entry.Key)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	return keys
}

// Len returns the number of entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// StoreStats is a read-only snapshot of store counters.
type StoreStats struct {
	Entries      int             `json:"entries"`
	ByState      map[string]int  `json:"by_state"`
	Evictions    uint64          `json:"evictions"`
	ErrorsByKind map[Kind]uint64 `json:"errors_by_kind"`
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() StoreStats {
	now := s.clock.Now()
	st := StoreStats{
		ByState:      make(map[string]int),
		Evictions:    s.evictions.Load(),
		ErrorsByKind: make(map[Kind]uint64),
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			state := rec.entry.State
			if state == StateFresh && rec.entry.Expired(now) {
				state = StateStale
			}
			st.ByState[state.String()]++
			st.Entries++
		}
		sh.mu.RUnlock()
	}

	s.errMu.Lock()
	for k, v := range s.errorsByKind {
		st.ErrorsByKind[k] = v
	}
	s.errMu.Unlock()
	return st
}
