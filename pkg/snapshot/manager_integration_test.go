//go:build integration

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/navicore/navipod/pkg/cache"
)

// setupRedisContainer starts a Redis container and returns a client
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
	return client, cleanup
}

func TestManager_Integration_SaveWarm(t *testing.T) {
	client, cleanup := setupRedisContainer(t)
	defer cleanup()

	ctx := context.Background()
	m := NewManager(client, Config{Retention: time.Minute, Logger: quietLogger()})
	reg := testRegistry()

	var keys []cache.Key
	for _, ns := range []string{"a", "b", "c", "d", "e"} {
		key := cache.MustKey(cache.KindPods, ns, "app=web", "")
		keys = append(keys, key)
		if err := m.Save(ctx, freshEntry(key, time.Now())); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	ttl, err := client.TTL(ctx, KeyPrefix+keys[0].String()).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want within retention", ttl)
	}

	store := cache.NewStore(cache.StoreConfig{TTL: reg.TTL, Logger: quietLogger()})
	restored, err := m.Warm(ctx, store, reg)
	if err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if restored != len(keys) {
		t.Errorf("Warm() restored %d, want %d", restored, len(keys))
	}
	for _, k := range keys {
		if e, ok := store.Get(k); !ok || e.State != cache.StateStale {
			t.Errorf("store.Get(%s) = %v, %v, want a stale entry", k, e.State, ok)
		}
	}
}
