package cache

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/labels"
)

// Kind identifies a category of cluster resource served by the cache.
type Kind string

// Well-known kinds. The registry is the authority on which kinds can be fetched;
// these constants only give the common ones a stable spelling.
const (
	KindReplicaSets Kind = "replicasets"
	KindPods        Kind = "pods"
	KindContainers  Kind = "containers"
	KindEvents      Kind = "events"
	KindIngresses   Kind = "ingresses"
	KindNamespaces  Kind = "namespaces"

	// KindCertificates is keyed by host rather than by cluster object.
	KindCertificates Kind = "certificates"
)

// emptyPart stands in for an unset key component so positions stay stable.
const emptyPart = "_"

// Key identifies one cacheable query against the cluster.
// Two keys with equal semantic parameters are equal values and share an entry.
type Key struct {
	// Kind is the resource kind (e.g., "pods")
	Kind Kind

	// Namespace scopes the query ("" for cluster-scoped kinds)
	Namespace string

	// Selector is a canonical label selector (e.g., "app=foo,tier=web")
	Selector string

	// Name narrows the query to one object or owner (e.g., a pod name for containers)
	Name string

	// Limit caps the number of records (0 = unlimited)
	Limit int
}

// NewKey builds a key with its selector in canonical form.
// Requirements are sorted, so "b=2,a=1" and "a=1,b=2" produce the same key.
func NewKey(kind Kind, namespace, selector, name string) (Key, error) {
	k := Key{Kind: kind, Namespace: namespace, Selector: selector, Name: name}
	return k.Canonical()
}

// MustKey is NewKey for selectors known to be valid. It panics on a parse error.
func MustKey(kind Kind, namespace, selector, name string) Key {
	k, err := NewKey(kind, namespace, selector, name)
	if err != nil {
		panic(err)
	}
	return k
}

// Canonical returns a copy of k with the selector normalized.
func (k Key) Canonical() (Key, error) {
	if k.Kind == "" {
		return Key{}, fmt.Errorf("cache key: kind is required")
	}
	sel := strings.TrimSpace(k.Selector)
	if sel == "" {
		k.Selector = ""
		return k, nil
	}
	parsed, err := labels.Parse(sel)
	if err != nil {
		return Key{}, fmt.Errorf("cache key: invalid selector %q: %w", k.Selector, err)
	}
	k.Selector = parsed.String()
	return k, nil
}

// WithLimit returns a copy of k with the record limit set.
func (k Key) WithLimit(limit int) Key {
	k.Limit = limit
	return k
}

// String generates the deterministic string form of the key.
// Format: kind:namespace:selector:name[:limit=N]
//
// Example:
//
//	pods:prod:app=foo:_
func (k Key) String() string {
	parts := []string{
		string(k.Kind),
		orEmpty(k.Namespace),
		orEmpty(k.Selector),
		orEmpty(k.Name),
	}
	if k.Limit > 0 {
		parts = append(parts, "limit="+strconv.Itoa(k.Limit))
	}
	return strings.Join(parts, ":")
}

// Compare orders keys by their string form.
func (k Key) Compare(other Key) int {
	return strings.Compare(k.String(), other.String())
}

// NamespacePattern returns the glob matching every key of kind in namespace.
func NamespacePattern(kind Kind, namespace string) string {
	return string(kind) + ":" + orEmpty(namespace) + ":*"
}

// KindPattern returns the glob matching every key of kind.
func KindPattern(kind Kind) string {
	return string(kind) + ":*"
}

func orEmpty(s string) string {
	if s == "" {
		return emptyPart
	}
	return s
}
