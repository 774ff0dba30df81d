package pool

import (
	"time"

	"github.com/google/btree"

	"github.com/navicore/navipod/pkg/cache"
)

// Priority orders queued fetches. Higher priorities run first.
type Priority int

const (
	// Low is used for prefetch and background refresh.
	Low Priority = iota

	// Medium is the default for foreground requests.
	Medium

	// High is used for data the user is looking at.
	High

	// Critical preempts everything else queued.
	Critical
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a name to a Priority, defaulting to Medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return Low
	case "high":
		return High
	case "critical":
		return Critical
	default:
		return Medium
	}
}

// Origin records why a fetch was requested.
type Origin int

const (
	// Foreground requests come from a consumer waiting on the data.
	Foreground Origin = iota

	// Prefetch requests anticipate navigation or refresh stale data.
	Prefetch
)

// String returns the lowercase origin name.
func (o Origin) String() string {
	if o == Prefetch {
		return "prefetch"
	}
	return "foreground"
}

// Task is one fetch to run. Its ticket was issued by cache.Store.BeginFetch.
type Task struct {
	Ticket      cache.Ticket
	Priority    Priority
	RequestedAt time.Time
	Origin      Origin
}

type item struct {
	task    Task
	seq     uint64
	attempt int
	state   *retryState
}

// less orders by priority descending, then request time, then submission order.
func less(a, b *item) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.RequestedAt.Equal(b.task.RequestedAt) {
		return a.task.RequestedAt.Before(b.task.RequestedAt)
	}
	return a.seq < b.seq
}

// queue is an unbounded priority queue. Callers serialize access.
type queue struct {
	tree *btree.BTreeG[*item]
}

func newQueue() *queue {
	return &queue{tree: btree.NewG(16, less)}
}

func (q *queue) push(it *item) {
	q.tree.ReplaceOrInsert(it)
}

func (q *queue) pop() (*item, bool) {
	return q.tree.DeleteMin()
}

func (q *queue) len() int {
	return q.tree.Len()
}

// drain removes and returns every queued item in priority order.
func (q *queue) drain() []*item {
	items := make([]*item, 0, q.tree.Len())
	for {
		it, ok := q.tree.DeleteMin()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}
