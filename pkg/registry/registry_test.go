package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/navicore/navipod/pkg/cache"
)

func noopFetch(context.Context, cache.Key) (any, error) { return nil, nil }

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()

	if err := r.Register(Descriptor{Kind: cache.KindPods, Fetch: noopFetch, TTL: 2 * time.Minute}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	d, err := r.Resolve(cache.KindPods)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.TTL != 2*time.Minute {
		t.Errorf("TTL = %v, want 2m", d.TTL)
	}
	if d.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want default %v", d.Timeout, DefaultTimeout)
	}
	if d.Key == nil {
		t.Fatal("Key func should default")
	}

	key, err := r.Key(cache.KindPods, "prod", "b=2,a=1", "")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if key.String() != "pods:prod:a=1,b=2:_" {
		t.Errorf("Key() = %q, want %q", key.String(), "pods:prod:a=1,b=2:_")
	}
}

func TestRegistry_Errors(t *testing.T) {
	r := New()
	r.MustRegister(Descriptor{Kind: cache.KindPods, Fetch: noopFetch})

	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{name: "duplicate", d: Descriptor{Kind: cache.KindPods, Fetch: noopFetch}, want: ErrDuplicateKind},
		{name: "missing kind", d: Descriptor{Fetch: noopFetch}, want: ErrInvalidDescriptor},
		{name: "missing fetch", d: Descriptor{Kind: cache.KindEvents}, want: ErrInvalidDescriptor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.d)
			if !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := r.Resolve(cache.KindIngresses); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownKind", err)
	}
	if _, err := r.Key(cache.KindIngresses, "", "", ""); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Key(unknown) error = %v, want ErrUnknownKind", err)
	}
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := New()
	r.MustRegister(Descriptor{Kind: cache.KindPods, Fetch: noopFetch})

	defer func() {
		if recover() == nil {
			t.Error("MustRegister() of a duplicate kind should panic")
		}
	}()
	r.MustRegister(Descriptor{Kind: cache.KindPods, Fetch: noopFetch})
}

func TestRegistry_KindsSortedAndTTL(t *testing.T) {
	r := New()
	r.MustRegister(Descriptor{Kind: cache.KindReplicaSets, Fetch: noopFetch, TTL: 5 * time.Minute})
	r.MustRegister(Descriptor{Kind: cache.KindEvents, Fetch: noopFetch})

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != cache.KindEvents || kinds[1] != cache.KindReplicaSets {
		t.Errorf("Kinds() = %v, want [events replicasets]", kinds)
	}
	if got := r.TTL(cache.KindReplicaSets); got != 5*time.Minute {
		t.Errorf("TTL(replicasets) = %v, want 5m", got)
	}
	if got := r.TTL(cache.KindEvents); got != cache.DefaultTTL {
		t.Errorf("TTL(events) = %v, want default", got)
	}
	if got := r.TTL("unknown"); got != cache.DefaultTTL {
		t.Errorf("TTL(unknown) = %v, want default", got)
	}
}

func TestRegistry_ConcurrentReads(t *testing.T) {
	r := New()
	r.MustRegister(Descriptor{Kind: cache.KindPods, Fetch: noopFetch})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(cache.KindPods); err != nil {
				t.Errorf("Resolve() error = %v", err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			_ = r.Register(Descriptor{Kind: cache.Kind("extra"), Fetch: noopFetch})
		}(i)
	}
	wg.Wait()

	if len(r.Kinds()) != 2 {
		t.Errorf("Kinds() = %v, want 2 kinds", r.Kinds())
	}
}

type record struct {
	Name string `json:"name"`
}

func TestTyped(t *testing.T) {
	d := Typed(cache.KindPods, time.Minute, func(ctx context.Context, key cache.Key) ([]record, error) {
		return []record{{Name: key.Namespace}}, nil
	})

	payload, err := d.Fetch(context.Background(), cache.MustKey(cache.KindPods, "prod", "", ""))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	records, ok := payload.([]record)
	if !ok || len(records) != 1 || records[0].Name != "prod" {
		t.Errorf("Fetch() = %#v, want [{prod}]", payload)
	}

	decoded, err := d.Decode([]byte(`[{"name":"a"},{"name":"b"}]`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := decoded.([]record); len(got) != 2 || got[1].Name != "b" {
		t.Errorf("Decode() = %#v, want two records", decoded)
	}

	if _, err := d.Decode([]byte(`not json`)); err == nil {
		t.Error("Decode() of invalid JSON should fail")
	}
}

func TestTyped_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	d := Typed(cache.KindPods, time.Minute, func(context.Context, cache.Key) ([]record, error) {
		return nil, boom
	})

	payload, err := d.Fetch(context.Background(), cache.MustKey(cache.KindPods, "", "", ""))
	if !errors.Is(err, boom) {
		t.Errorf("Fetch() error = %v, want boom", err)
	}
	if payload != nil {
		t.Errorf("Fetch() payload = %v, want nil interface", payload)
	}
}
