// Package kube fetches cluster resources for the cache.
//
// Every fetch function takes a cache key and returns a slice of flat records.
// The records carry timestamps rather than rendered ages so that cached and
// snapshotted payloads stay correct as time passes.
package kube

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultRequestTimeout bounds a single API round trip at the transport level.
// Fetch timeouts from the registry are usually shorter.
const DefaultRequestTimeout = 15 * time.Second

// ErrKubeconfig wraps failures to load or parse client configuration.
var ErrKubeconfig = errors.New("kubeconfig")

// Connection is a ready clientset together with what it was built from.
type Connection struct {
	Clientset kubernetes.Interface

	// Context is the kubeconfig context in effect
	Context string

	// Namespace is the context's namespace, or "default"
	Namespace string
}

// NewClientset builds a clientset from kubeconfig loading rules.
// An empty path uses $KUBECONFIG or ~/.kube/config; an empty context uses the current one.
func NewClientset(kubeconfigPath, contextName string) (*Connection, error) {
	loader := clientcmd.NewDefaultClientConfigLoadingRules()
	if p := strings.TrimSpace(kubeconfigPath); p != "" {
		loader.ExplicitPath = p
	}
	overrides := &clientcmd.ConfigOverrides{}
	if c := strings.TrimSpace(contextName); c != "" {
		overrides.CurrentContext = c
	}

	cfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loader, overrides)
	raw, err := cfg.RawConfig()
	if err != nil {
		return nil, wrapConfigErr(err)
	}
	restCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, wrapConfigErr(err)
	}
	restCfg.Timeout = DefaultRequestTimeout
	restCfg.UserAgent = "navipod"

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize kubernetes clientset: %w", err)
	}

	ns, _, err := cfg.Namespace()
	if err != nil || ns == "" {
		ns = "default"
	}
	effective := strings.TrimSpace(overrides.CurrentContext)
	if effective == "" {
		effective = strings.TrimSpace(raw.CurrentContext)
	}

	return &Connection{
		Clientset: clientset,
		Context:   effective,
		Namespace: ns,
	}, nil
}

func wrapConfigErr(err error) error {
	if clientcmd.IsEmptyConfig(err) {
		return fmt.Errorf("%w: no configuration found (set --kubeconfig or KUBECONFIG): %w", ErrKubeconfig, err)
	}
	return fmt.Errorf("%w: %w", ErrKubeconfig, err)
}
