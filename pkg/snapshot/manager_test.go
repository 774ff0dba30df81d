package snapshot

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
	"github.com/navicore/navipod/pkg/subscription"
)

type podRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

// setupTestRedis starts an in-memory Redis for unit tests.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister(registry.Typed(cache.KindPods, 16*time.Second,
		func(ctx context.Context, key cache.Key) ([]podRecord, error) { return nil, nil }))
	reg.MustRegister(registry.Descriptor{
		Kind:  cache.KindEvents,
		Fetch: func(ctx context.Context, key cache.Key) (any, error) { return nil, nil },
	})
	return reg
}

func freshEntry(key cache.Key, fetched time.Time) cache.Entry {
	return cache.Entry{
		Key:         key,
		State:       cache.StateFresh,
		Payload:     []podRecord{{Name: "web-1", Status: "Running"}, {Name: "web-2", Status: "Pending"}},
		LastFetched: fetched,
		Version:     3,
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, Config{})
}

func TestManager_SaveLoad(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := NewManager(client, Config{Retention: time.Hour, Logger: quietLogger()})
	ctx := context.Background()

	key := cache.MustKey(cache.KindPods, "prod", "app=foo", "")
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := m.Save(ctx, freshEntry(key, fetched)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if ttl := mr.TTL(KeyPrefix + key.String()); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	env, err := m.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if env.Version != 3 || !env.FetchedAt.Equal(fetched) {
		t.Errorf("envelope = version %d fetched %v, want 3 at %v", env.Version, env.FetchedAt, fetched)
	}
	got, err := env.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if got != key {
		t.Errorf("Key() = %v, want %v", got, key)
	}
}

func TestManager_SaveSkipsNonFresh(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewManager(client, Config{Logger: quietLogger()})
	ctx := context.Background()

	key := cache.MustKey(cache.KindPods, "prod", "", "")
	tests := []struct {
		name  string
		entry cache.Entry
	}{
		{"stale", cache.Entry{Key: key, State: cache.StateStale, Payload: []podRecord{{Name: "x"}}}},
		{"error", cache.Entry{Key: key, State: cache.StateError, Payload: []podRecord{{Name: "x"}}}},
		{"fresh without payload", cache.Entry{Key: key, State: cache.StateFresh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Save(ctx, tt.entry); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if _, err := m.Load(ctx, key); !errors.Is(err, ErrSnapshotMiss) {
				t.Errorf("Load() error = %v, want ErrSnapshotMiss", err)
			}
		})
	}
}

func TestManager_LoadInvalid(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := NewManager(client, Config{Logger: quietLogger()})
	key := cache.MustKey(cache.KindPods, "prod", "", "")

	mr.Set(KeyPrefix+key.String(), "{not json")
	if _, err := m.Load(context.Background(), key); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("Load() error = %v, want ErrInvalidSnapshot", err)
	}
}

func TestManager_Delete(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewManager(client, Config{Logger: quietLogger()})
	ctx := context.Background()

	key := cache.MustKey(cache.KindPods, "prod", "", "")
	if err := m.Save(ctx, freshEntry(key, time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := m.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := m.Load(ctx, key); !errors.Is(err, ErrSnapshotMiss) {
		t.Errorf("Load() after Delete() error = %v, want ErrSnapshotMiss", err)
	}
}

func TestManager_Warm(t *testing.T) {
	mr, client := setupTestRedis(t)
	m := NewManager(client, Config{Logger: quietLogger()})
	ctx := context.Background()
	reg := testRegistry()

	prod := cache.MustKey(cache.KindPods, "prod", "app=foo", "")
	dev := cache.MustKey(cache.KindPods, "dev", "", "")
	existing := cache.MustKey(cache.KindPods, "staging", "", "")
	noDecoder := cache.MustKey(cache.KindEvents, "prod", "", "")
	unknown := cache.MustKey(cache.KindIngresses, "prod", "", "")

	fetched := time.Now().Add(-time.Hour)
	for _, k := range []cache.Key{prod, dev, existing, noDecoder, unknown} {
		if err := m.Save(ctx, freshEntry(k, fetched)); err != nil {
			t.Fatalf("Save(%s) error = %v", k, err)
		}
	}
	mr.Set(KeyPrefix+"pods:broken", "garbage")

	store := cache.NewStore(cache.StoreConfig{TTL: reg.TTL, Logger: quietLogger()})
	store.Seed(existing, []podRecord{{Name: "newer"}}, time.Now())

	restored, err := m.Warm(ctx, store, reg)
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if restored != 2 {
		t.Errorf("Warm() restored %d entries, want 2", restored)
	}

	e, ok := store.Get(prod)
	if !ok {
		t.Fatal("warmed key missing from store")
	}
	if e.State != cache.StateStale {
		t.Errorf("State = %v, want stale", e.State)
	}
	if !e.LastFetched.Equal(fetched) {
		t.Errorf("LastFetched = %v, want %v", e.LastFetched, fetched)
	}
	pods, ok := cache.Payload[[]podRecord](e)
	if !ok {
		t.Fatalf("Payload type = %T, want []podRecord", e.Payload)
	}
	if len(pods) != 2 || pods[0].Name != "web-1" {
		t.Errorf("Payload = %+v", pods)
	}

	e, _ = store.Get(existing)
	if pods, _ := cache.Payload[[]podRecord](e); len(pods) != 1 || pods[0].Name != "newer" {
		t.Errorf("Warm() overwrote an existing entry: %+v", e.Payload)
	}
	if _, ok := store.Get(noDecoder); ok {
		t.Error("kind without decoder should not be restored")
	}
	if _, ok := store.Get(unknown); ok {
		t.Error("unregistered kind should not be restored")
	}
}

func TestManager_Run(t *testing.T) {
	_, client := setupTestRedis(t)
	m := NewManager(client, Config{Logger: quietLogger()})
	hub := subscription.NewHub(subscription.Config{Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, hub) }()

	deadline := time.Now().Add(time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	key := cache.MustKey(cache.KindPods, "prod", "", "")
	if hub.Pinned(key) {
		t.Error("snapshot writer should not pin keys")
	}
	hub.Notify(key, freshEntry(key, time.Now()))

	var env *Envelope
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var err error
		if env, err = m.Load(context.Background(), key); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if env == nil {
		t.Fatal("Run() did not save the Fresh commit")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
