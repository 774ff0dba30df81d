// Package testutil provides testing utilities for the navipod cache layer.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
)

// FetchResponse defines the behavior of one scripted fetch.
type FetchResponse struct {
	Payload any
	Err     error
	Delay   time.Duration
}

// FakeFetcher is a configurable fetch function for testing.
// Responses are scripted per key; the last scripted response repeats.
type FakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]FetchResponse
	fallback  func(key cache.Key) FetchResponse
	gate      chan struct{}

	// Tracking
	calls   map[string]int
	total   int
	started chan cache.Key
}

// NewFakeFetcher creates a fetcher that returns the key string as payload.
func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{
		responses: make(map[string][]FetchResponse),
		calls:     make(map[string]int),
		started:   make(chan cache.Key, 256),
		fallback: func(key cache.Key) FetchResponse {
			return FetchResponse{Payload: key.String()}
		},
	}
}

// Fetch implements registry.FetchFunc.
func (f *FakeFetcher) Fetch(ctx context.Context, key cache.Key) (any, error) {
	id := key.String()

	f.mu.Lock()
	f.calls[id]++
	f.total++
	resp := f.fallback(key)
	if script := f.responses[id]; len(script) > 0 {
		resp = script[0]
		if len(script) > 1 {
			f.responses[id] = script[1:]
		}
	}
	gate := f.gate
	f.mu.Unlock()

	select {
	case f.started <- key:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.Payload, resp.Err
}

// SetResponses scripts the responses for a key, in order.
func (f *FakeFetcher) SetResponses(key cache.Key, resps ...FetchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key.String()] = resps
}

// SetFallback sets the response for keys without a script.
func (f *FakeFetcher) SetFallback(fn func(key cache.Key) FetchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = fn
}

// Hold blocks every fetch until the returned release function is called.
func (f *FakeFetcher) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Started receives each key as its fetch begins.
func (f *FakeFetcher) Started() <-chan cache.Key {
	return f.started
}

// Calls returns the number of fetches made for key.
func (f *FakeFetcher) Calls(key cache.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key.String()]
}

// TotalCalls returns the number of fetches made for all keys.
func (f *FakeFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Reset clears all tracking counters and scripts.
func (f *FakeFetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.responses = make(map[string][]FetchResponse)
	f.total = 0
}

// Descriptor returns a registry descriptor backed by the fake.
func (f *FakeFetcher) Descriptor(kind cache.Kind, ttl, timeout time.Duration) registry.Descriptor {
	return registry.Descriptor{
		Kind:    kind,
		Fetch:   f.Fetch,
		TTL:     ttl,
		Timeout: timeout,
	}
}

// NewRegistry registers the fake for every kind with the given TTL.
func (f *FakeFetcher) NewRegistry(ttl time.Duration, kinds ...cache.Kind) *registry.Registry {
	r := registry.New()
	for _, k := range kinds {
		r.MustRegister(f.Descriptor(k, ttl, 5*time.Second))
	}
	return r
}

// NewHealthyResponse creates a successful response.
func NewHealthyResponse(payload any) FetchResponse {
	return FetchResponse{Payload: payload}
}

// NewTransientResponse creates a retryable failure (connection refused).
func NewTransientResponse() FetchResponse {
	return FetchResponse{Err: errors.New("dial tcp 10.0.0.1:6443: connect: connection refused")}
}

// NewForbiddenResponse creates a terminal RBAC failure.
func NewForbiddenResponse() FetchResponse {
	return FetchResponse{Err: cache.WithClass(cache.ClassForbidden,
		errors.New(`pods is forbidden: User "dev" cannot list resource "pods"`))}
}

// NewRateLimitResponse creates a throttled failure.
func NewRateLimitResponse() FetchResponse {
	return FetchResponse{Err: cache.WithClass(cache.ClassRateLimited, errors.New("the server has received too many requests"))}
}

// NewSlowResponse creates a response that arrives after delay.
func NewSlowResponse(payload any, delay time.Duration) FetchResponse {
	return FetchResponse{Payload: payload, Delay: delay}
}
