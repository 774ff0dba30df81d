// Package registry maps resource kinds to the functions that fetch them.
// The table is filled once at startup and read concurrently by every fetch.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navicore/navipod/pkg/cache"
)

// Common errors returned by the registry.
var (
	// ErrUnknownKind is returned when no descriptor is registered for a kind.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrDuplicateKind is returned when a kind is registered twice.
	ErrDuplicateKind = errors.New("duplicate kind")

	// ErrInvalidDescriptor is returned for descriptors missing required fields.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// DefaultTimeout bounds a single fetch when the descriptor sets none.
const DefaultTimeout = 10 * time.Second

// FetchFunc performs one fetch for key. It must honor ctx cancellation.
type FetchFunc func(ctx context.Context, key cache.Key) (any, error)

// KeyFunc builds a canonical key of the descriptor's kind.
type KeyFunc func(namespace, selector, name string) (cache.Key, error)

// DecodeFunc rebuilds a typed payload from its JSON form.
type DecodeFunc func(data []byte) (any, error)

// Descriptor describes how to fetch one kind of resource.
type Descriptor struct {
	// Kind is the registry key
	Kind cache.Kind

	// Fetch performs the fetch
	Fetch FetchFunc

	// Key builds keys for this kind (default: cache.NewKey with Kind)
	Key KeyFunc

	// TTL is the freshness window of fetched payloads (default: cache.DefaultTTL)
	TTL time.Duration

	// Timeout bounds one fetch attempt (default: DefaultTimeout)
	Timeout time.Duration

	// Decode restores snapshots of this kind (optional)
	Decode DecodeFunc

	// External fetches do not reach the cluster API, so their outcomes
	// neither count toward nor wait on upstream health
	External bool
}

// Registry is a closed table from kind to descriptor.
// Reads are lock-free; writes copy the table.
type Registry struct {
	mu    sync.Mutex
	table atomic.Pointer[map[cache.Kind]Descriptor]
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := map[cache.Kind]Descriptor{}
	r.table.Store(&empty)
	return r
}

// Register adds a descriptor. It fails if the kind is already registered.
func (r *Registry) Register(d Descriptor) error {
	if d.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidDescriptor)
	}
	if d.Fetch == nil {
		return fmt.Errorf("%w: %s: fetch function is required", ErrInvalidDescriptor, d.Kind)
	}
	if d.TTL <= 0 {
		d.TTL = cache.DefaultTTL
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Key == nil {
		kind := d.Kind
		d.Key = func(namespace, selector, name string) (cache.Key, error) {
			return cache.NewKey(kind, namespace, selector, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.table.Load()
	if _, exists := current[d.Kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, d.Kind)
	}

	next := make(map[cache.Kind]Descriptor, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[d.Kind] = d
	r.table.Store(&next)
	return nil
}

// MustRegister is Register for startup wiring. It panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve returns the descriptor for kind.
func (r *Registry) Resolve(kind cache.Kind) (Descriptor, error) {
	d, ok := (*r.table.Load())[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return d, nil
}

// Kinds returns every registered kind in sorted order.
func (r *Registry) Kinds() []cache.Kind {
	table := *r.table.Load()
	kinds := make([]cache.Kind, 0, len(table))
	for k := range table {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// TTL returns the freshness window for kind, or cache.DefaultTTL if unregistered.
// It has the shape cache.StoreConfig.TTL expects.
func (r *Registry) TTL(kind cache.Kind) time.Duration {
	if d, ok := (*r.table.Load())[kind]; ok {
		return d.TTL
	}
	return cache.DefaultTTL
}

// Key builds a canonical key through the kind's descriptor.
func (r *Registry) Key(kind cache.Kind, namespace, selector, name string) (cache.Key, error) {
	d, err := r.Resolve(kind)
	if err != nil {
		return cache.Key{}, err
	}
	return d.Key(namespace, selector, name)
}

// Typed adapts a fetch function returning []T into a descriptor with a JSON decoder.
func Typed[T any](kind cache.Kind, ttl time.Duration, fetch func(ctx context.Context, key cache.Key) ([]T, error)) Descriptor {
	return Descriptor{
		Kind: kind,
		TTL:  ttl,
		Fetch: func(ctx context.Context, key cache.Key) (any, error) {
			records, err := fetch(ctx, key)
			if err != nil {
				return nil, err
			}
			return records, nil
		},
		Decode: func(data []byte) (any, error) {
			var records []T
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, fmt.Errorf("decode %s snapshot: %w", kind, err)
			}
			return records, nil
		},
	}
}
