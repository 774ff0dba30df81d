package watch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/navicore/navipod/pkg/cache"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRefresher) RefreshStale(kind cache.Kind, namespace string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(kind)+"/"+namespace)
	return 1
}

func (f *fakeRefresher) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func quietLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

func freshStore(t *testing.T, keys ...cache.Key) *cache.Store {
	t.Helper()
	store := cache.NewStore(cache.StoreConfig{Shards: 2, Logger: quietLogger()})
	for _, k := range keys {
		ticket, ok := store.BeginFetch(k)
		if !ok {
			t.Fatalf("BeginFetch(%s) lost", k)
		}
		if !store.Commit(ticket, []string{"record"}) {
			t.Fatalf("Commit(%s) rejected", k)
		}
	}
	return store
}

func podObject(name string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "prod"}}
}

func TestWatcher_InvalidatesOnChange(t *testing.T) {
	prodPods := cache.MustKey(cache.KindPods, "prod", "app=web", "")
	prodContainers := cache.MustKey(cache.KindContainers, "prod", "", "web-1")
	prodRS := cache.MustKey(cache.KindReplicaSets, "prod", "", "")
	devPods := cache.MustKey(cache.KindPods, "dev", "", "")
	store := freshStore(t, prodPods, prodContainers, prodRS, devPods)

	client := fake.NewClientset(podObject("existing"))
	refresher := &fakeRefresher{}
	w := New(client, store, refresher, Config{
		Namespace: "prod",
		Debounce:  time.Hour, // flushed by hand
		Logger:    quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// the initial list must not invalidate anything
	if n := w.Flush(); n != 0 {
		t.Errorf("Flush() after start = %d, want 0", n)
	}

	// the fake watch may attach after sync; keep changing until one lands
	invalidated := 0
	deadline := time.Now().Add(3 * time.Second)
	for i := 0; invalidated == 0 && time.Now().Before(deadline); i++ {
		_, err := client.CoreV1().Pods("prod").Create(ctx, podObject(fmt.Sprintf("web-%d", i)), metav1.CreateOptions{})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		invalidated = w.Flush()
	}
	if invalidated != 2 {
		t.Fatalf("Flush() invalidated %d entries, want 2 (pods and containers)", invalidated)
	}

	for _, tt := range []struct {
		key  cache.Key
		want cache.State
	}{
		{prodPods, cache.StateStale},
		{prodContainers, cache.StateStale},
		{prodRS, cache.StateFresh},
		{devPods, cache.StateFresh},
	} {
		if e, _ := store.Get(tt.key); e.State != tt.want {
			t.Errorf("%s State = %v, want %v", tt.key, e.State, tt.want)
		}
	}

	if !refresher.called("pods/prod") || !refresher.called("containers/prod") {
		t.Errorf("refresher calls = %v, want pods/prod and containers/prod", refresher.calls)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	w := New(fake.NewClientset(), freshStore(t), nil, Config{Namespace: "prod", Logger: quietLogger()})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	w.Stop()
	w.Stop()
	w.Wait()

	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestWatcher_ContextCancelStops(t *testing.T) {
	w := New(fake.NewClientset(), freshStore(t), nil, Config{
		Namespace: "prod",
		Debounce:  time.Millisecond,
		Logger:    quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after context cancel")
	}
}
