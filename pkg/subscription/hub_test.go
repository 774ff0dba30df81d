package subscription

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/navicore/navipod/pkg/cache"
)

func fresh(key cache.Key, version uint64) cache.Entry {
	return cache.Entry{Key: key, State: cache.StateFresh, Version: version}
}

func recv(t *testing.T, sub *Subscription) Notification {
	t.Helper()
	select {
	case n, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func TestHub_ExactAndPatternMatching(t *testing.T) {
	h := NewHub(Config{})
	prodFoo := cache.MustKey(cache.KindPods, "prod", "app=foo", "")
	devFoo := cache.MustKey(cache.KindPods, "dev", "app=foo", "")
	events := cache.MustKey(cache.KindEvents, "prod", "", "")

	exact := h.SubscribeKey(prodFoo)
	defer exact.Cancel()
	prodPods, err := h.Subscribe("pods:prod:*")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer prodPods.Cancel()
	all, err := h.Subscribe("*")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer all.Cancel()

	h.Notify(prodFoo, fresh(prodFoo, 1))
	h.Notify(devFoo, fresh(devFoo, 1))
	h.Notify(events, fresh(events, 1))

	tests := []struct {
		name string
		sub  *Subscription
		want int
	}{
		{name: "exact", sub: exact, want: 1},
		{name: "namespace pattern", sub: prodPods, want: 1},
		{name: "wildcard", sub: all, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.sub.C); got != tt.want {
				t.Errorf("queued = %d, want %d", got, tt.want)
			}
		})
	}

	n := recv(t, exact)
	if n.Key != prodFoo || n.Entry.Version != 1 {
		t.Errorf("notification = %v v%d, want %v v1", n.Key, n.Entry.Version, prodFoo)
	}
	if n.Err() != nil {
		t.Errorf("Err() = %v, want nil", n.Err())
	}
}

func TestHub_InvalidPattern(t *testing.T) {
	h := NewHub(Config{})

	if _, err := h.Subscribe(""); err == nil {
		t.Error("Subscribe(\"\") should fail")
	}
	if _, err := h.Subscribe("pods:[prod*"); err == nil {
		t.Error("Subscribe() with bad glob should fail")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestHub_DropOldestOnOverflow(t *testing.T) {
	h := NewHub(Config{Buffer: 2})
	key := cache.MustKey(cache.KindPods, "prod", "", "")
	sub := h.SubscribeKey(key)
	defer sub.Cancel()

	for v := uint64(1); v <= 5; v++ {
		h.Notify(key, fresh(key, v))
	}

	if sub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", sub.Dropped())
	}

	first := recv(t, sub)
	second := recv(t, sub)
	if first.Entry.Version != 4 || second.Entry.Version != 5 {
		t.Errorf("versions = %d,%d; want 4,5 (newest kept)", first.Entry.Version, second.Entry.Version)
	}
	if !errors.Is(second.Err(), ErrSubscriptionOverflow) {
		t.Errorf("Err() = %v, want ErrSubscriptionOverflow", second.Err())
	}
	if h.Stats().Dropped != 3 {
		t.Errorf("Stats().Dropped = %d, want 3", h.Stats().Dropped)
	}
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	h := NewHub(Config{Buffer: 1})
	key := cache.MustKey(cache.KindPods, "prod", "", "")
	sub := h.SubscribeKey(key)
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Notify(key, fresh(key, uint64(i+1)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify() blocked on a full subscriber")
	}
}

func TestSubscription_CancelIdempotent(t *testing.T) {
	h := NewHub(Config{})
	key := cache.MustKey(cache.KindPods, "prod", "", "")
	sub := h.SubscribeKey(key)

	h.Notify(key, fresh(key, 1))
	sub.Cancel()
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		t.Error("channel should be drained and closed after Cancel()")
	}
	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
	if h.Pinned(key) {
		t.Error("cancelled subscription should not pin its key")
	}

	// delivery after cancel is a no-op, not a panic
	h.Notify(key, fresh(key, 2))
}

func TestSubscription_CancelConcurrentWithDelivery(t *testing.T) {
	h := NewHub(Config{Buffer: 4})
	key := cache.MustKey(cache.KindPods, "prod", "", "")

	for round := 0; round < 50; round++ {
		sub := h.SubscribeKey(key)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				h.Notify(key, fresh(key, uint64(i+1)))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
		wg.Wait()

		for range sub.C {
			t.Fatal("no notifications should be readable after Cancel()")
		}
	}

	if h.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.Len())
	}
}

func TestHub_Pinned(t *testing.T) {
	key := cache.MustKey(cache.KindPods, "prod", "app=web", "")

	tests := []struct {
		name    string
		observe bool
		pattern string
		want    bool
	}{
		{"exact subscription", false, key.String(), true},
		{"matching pattern", false, "pods:prod:*", true},
		{"wildcard", false, "*", true},
		{"other namespace pattern", false, "pods:staging:*", false},
		{"other kind pattern", false, "events:*", false},
		{"observed pattern", true, "pods:*", false},
		{"observed exact key", true, key.String(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(Config{})
			subscribe := h.Subscribe
			if tt.observe {
				subscribe = h.Observe
			}
			sub, err := subscribe(tt.pattern)
			if err != nil {
				t.Fatalf("subscribe(%q) error = %v", tt.pattern, err)
			}
			if got := h.Pinned(key); got != tt.want {
				t.Errorf("Pinned() = %v, want %v", got, tt.want)
			}
			sub.Cancel()
			if h.Pinned(key) {
				t.Error("Pinned() = true after Cancel()")
			}
		})
	}
}
