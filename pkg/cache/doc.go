// Package cache provides the in-memory store of fetched cluster data.
//
// Every cacheable query is identified by a Key and held in one entry that
// moves through a small state machine:
//
//	Empty -> Fetching -> Fresh | Error
//	Fresh -> Stale (TTL expiry, sweep or invalidation)
//	Stale | Error -> Fetching
//
// Only BeginFetch enters Fetching, and it refuses while a fetch is already in
// flight, which makes it the single-flight gate for the whole process. Commits
// carry the Ticket returned by BeginFetch; a commit whose version is not newer
// than the entry's is rejected, so an older fetch can never overwrite newer data.
//
// # Basic Usage
//
//	store := cache.NewStore(cache.StoreConfig{
//		TTL: func(k cache.Kind) time.Duration { return 2 * time.Minute },
//	})
//
//	key := cache.MustKey(cache.KindPods, "prod", "app=foo", "")
//
//	if t, ok := store.BeginFetch(key); ok {
//		pods, err := fetchPods(ctx, key)
//		if err != nil {
//			store.CommitError(t, &cache.FetchError{Class: cache.Classify(err), Err: err})
//		} else {
//			store.Commit(t, pods)
//		}
//	}
//
//	entry, _ := store.Get(key)
//	pods, ok := cache.Payload[[]Pod](entry)
//
// # Concurrency
//
// The store is split into power-of-two shards selected by an xxhash of the key
// string. Each shard has its own RWMutex, so operations on keys in different
// shards never contend. Notifier and Pinner callbacks run without any shard
// lock held.
//
// # Maintenance
//
// Sweep demotes expired entries and EvictLRU enforces the capacity bound. The
// fetch orchestrator runs both on a timer; neither evicts an entry that is being
// fetched or that has an active subscription.
package cache
