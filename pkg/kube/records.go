package kube

import (
	"fmt"
	"time"
)

// ReplicaSet is a workload row.
type ReplicaSet struct {
	Name      string    `json:"name" yaml:"name"`
	Namespace string    `json:"namespace" yaml:"namespace"`
	Owner     string    `json:"owner" yaml:"owner"`
	OwnerKind string    `json:"owner_kind" yaml:"owner_kind"`
	Ready     int32     `json:"ready" yaml:"ready"`
	Desired   int32     `json:"desired" yaml:"desired"`
	Created   time.Time `json:"created" yaml:"created"`

	// Selector is the canonical pod selector of the workload
	Selector string `json:"selector" yaml:"selector"`
}

// Pod is a pod row.
type Pod struct {
	Name      string            `json:"name" yaml:"name"`
	Namespace string            `json:"namespace" yaml:"namespace"`
	Status    string            `json:"status" yaml:"status"`
	Ready     int               `json:"ready" yaml:"ready"`
	Total     int               `json:"total" yaml:"total"`
	Restarts  int32             `json:"restarts" yaml:"restarts"`
	Owner     string            `json:"owner" yaml:"owner"`
	Node      string            `json:"node" yaml:"node"`
	Labels    map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Created   time.Time         `json:"created" yaml:"created"`

	// LastEvent is the newest event reason and message for the pod, if any
	LastEvent string `json:"last_event,omitempty" yaml:"last_event,omitempty"`
}

// Probe summarizes a liveness, readiness or startup probe.
type Probe struct {
	Type    string `json:"type" yaml:"type"`
	Handler string `json:"handler" yaml:"handler"`
	Detail  string `json:"detail" yaml:"detail"`
}

// Container is a container row of one pod.
type Container struct {
	Name         string   `json:"name" yaml:"name"`
	Image        string   `json:"image" yaml:"image"`
	Ready        bool     `json:"ready" yaml:"ready"`
	RestartCount int32    `json:"restart_count" yaml:"restart_count"`
	State        string   `json:"state" yaml:"state"`
	Ports        []string `json:"ports,omitempty" yaml:"ports,omitempty"`
	Probes       []Probe  `json:"probes,omitempty" yaml:"probes,omitempty"`
}

// Event is a cluster event row.
type Event struct {
	Object   string    `json:"object" yaml:"object"`
	Reason   string    `json:"reason" yaml:"reason"`
	Type     string    `json:"type" yaml:"type"`
	Message  string    `json:"message" yaml:"message"`
	Count    int32     `json:"count" yaml:"count"`
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`
}

// Ingress is one routed path that reaches a workload.
type Ingress struct {
	Name    string `json:"name" yaml:"name"`
	Host    string `json:"host" yaml:"host"`
	Path    string `json:"path" yaml:"path"`
	Backend string `json:"backend" yaml:"backend"`
	Port    string `json:"port" yaml:"port"`
	TLS     bool   `json:"tls" yaml:"tls"`
}

// Namespace is a namespace row.
type Namespace struct {
	Name    string    `json:"name" yaml:"name"`
	Status  string    `json:"status" yaml:"status"`
	Created time.Time `json:"created" yaml:"created"`
}

// FormatAge renders a duration the way kubectl does: the largest whole unit.
func FormatAge(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}

// Since renders the age of t relative to now, or "unknown" for a zero time.
func Since(now, t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return FormatAge(now.Sub(t))
}
