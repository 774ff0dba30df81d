package kube

import (
	"fmt"
	"strings"
	"time"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
)

// DefaultTTLs are the freshness windows per kind.
var DefaultTTLs = map[cache.Kind]time.Duration{
	cache.KindReplicaSets: 300 * time.Second,
	cache.KindPods:        120 * time.Second,
	cache.KindContainers:  120 * time.Second,
	cache.KindEvents:      180 * time.Second,
	cache.KindIngresses:   180 * time.Second,
	cache.KindNamespaces:  300 * time.Second,

	// certificates rotate rarely and each fetch is a TLS handshake
	cache.KindCertificates: time.Hour,
}

// Descriptors returns a descriptor per kind. ttls overrides DefaultTTLs and
// timeout bounds each fetch (0 = registry default).
func (f *Fetchers) Descriptors(ttls map[cache.Kind]time.Duration, timeout time.Duration) []registry.Descriptor {
	ttl := func(kind cache.Kind) time.Duration {
		if d, ok := ttls[kind]; ok && d > 0 {
			return d
		}
		return DefaultTTLs[kind]
	}

	descs := []registry.Descriptor{
		registry.Typed(cache.KindReplicaSets, ttl(cache.KindReplicaSets), f.ListReplicaSets),
		registry.Typed(cache.KindPods, ttl(cache.KindPods), f.ListPods),
		registry.Typed(cache.KindContainers, ttl(cache.KindContainers), f.ListContainers),
		registry.Typed(cache.KindEvents, ttl(cache.KindEvents), f.ListEvents),
		registry.Typed(cache.KindIngresses, ttl(cache.KindIngresses), f.ListIngresses),
		registry.Typed(cache.KindNamespaces, ttl(cache.KindNamespaces), f.ListNamespaces),
		registry.Typed(cache.KindCertificates, ttl(cache.KindCertificates), f.certs.ListCertificates),
	}

	// namespaces are cluster scoped; every namespace maps to the same key
	descs[5].Key = func(_, selector, name string) (cache.Key, error) {
		return cache.NewKey(cache.KindNamespaces, "", selector, name)
	}
	// certificates are keyed by host alone
	descs[6].Key = func(_, _, host string) (cache.Key, error) {
		return cache.NewKey(cache.KindCertificates, "", "", strings.ToLower(strings.TrimSpace(host)))
	}
	descs[6].External = true
	for i := range descs {
		descs[i].Timeout = timeout
	}
	return descs
}

// Register adds every cluster kind to reg.
func Register(reg *registry.Registry, f *Fetchers, ttls map[cache.Kind]time.Duration, timeout time.Duration) error {
	for _, d := range f.Descriptors(ttls, timeout) {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Kind, err)
		}
	}
	return nil
}
