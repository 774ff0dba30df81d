package kube

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/logging"
	"github.com/navicore/navipod/pkg/pagination"
)

// Fetchers lists cluster resources as records. It holds no state besides the
// clientset, the page size and the certificate inspector, and is safe for
// concurrent use.
type Fetchers struct {
	client kubernetes.Interface
	pages  pagination.Config
	certs  *CertInspector
	logger zerolog.Logger
}

// NewFetchers creates fetchers over a clientset. A nil logger uses the component logger.
func NewFetchers(client kubernetes.Interface, logger *zerolog.Logger) *Fetchers {
	f := &Fetchers{client: client, pages: pagination.DefaultConfig()}
	if logger != nil {
		f.logger = *logger
	} else {
		f.logger = logging.NewLogger("kube")
	}
	certLog := f.logger.With().Str("kind", string(cache.KindCertificates)).Logger()
	f.certs = NewCertInspector(&certLog)
	return f
}

// ListReplicaSets lists owned workloads with at least one desired replica.
// A key name narrows the list to one replica set.
func (f *Fetchers) ListReplicaSets(ctx context.Context, key cache.Key) ([]ReplicaSet, error) {
	list, err := f.client.AppsV1().ReplicaSets(key.Namespace).List(ctx, listOptions(key))
	if err != nil {
		return nil, fmt.Errorf("list replicasets in %q: %w", key.Namespace, err)
	}

	out := make([]ReplicaSet, 0, len(list.Items))
	for i := range list.Items {
		rs := &list.Items[i]
		if key.Name != "" && rs.Name != key.Name {
			continue
		}
		rec, ok := replicaSetRecord(rs)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, key.Limit), nil
}

func replicaSetRecord(rs *appsv1.ReplicaSet) (ReplicaSet, bool) {
	if len(rs.OwnerReferences) == 0 {
		return ReplicaSet{}, false
	}
	var desired int32
	if rs.Spec.Replicas != nil {
		desired = *rs.Spec.Replicas
	}
	if desired <= 0 {
		return ReplicaSet{}, false
	}

	rec := ReplicaSet{
		Name:      rs.Name,
		Namespace: rs.Namespace,
		Owner:     rs.OwnerReferences[0].Name,
		OwnerKind: rs.OwnerReferences[0].Kind,
		Ready:     rs.Status.ReadyReplicas,
		Desired:   desired,
		Created:   rs.CreationTimestamp.Time,
	}
	if rs.Spec.Selector != nil {
		if sel, err := metav1.LabelSelectorAsSelector(rs.Spec.Selector); err == nil && !sel.Empty() {
			rec.Selector = sel.String()
		}
	}
	return rec, true
}

// ListPods lists pods matching the key selector, each with its newest event.
func (f *Fetchers) ListPods(ctx context.Context, key cache.Key) ([]Pod, error) {
	var (
		pods   []corev1.Pod
		events []corev1.Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pods, err = f.listPods(gctx, key.Namespace, listOptions(key))
		if err != nil {
			return fmt.Errorf("list pods in %q: %w", key.Namespace, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		events, err = f.listEvents(gctx, key.Namespace)
		if err != nil {
			// pods are still useful without their events
			f.logger.Debug().Err(err).Str("namespace", key.Namespace).Msg("Pod events unavailable")
			events = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	latest := latestEventByObject(events, "Pod")
	out := make([]Pod, 0, len(pods))
	for i := range pods {
		p := &pods[i]
		if key.Name != "" && p.Name != key.Name {
			continue
		}
		rec := podRecord(p)
		if ev, ok := latest[p.Name]; ok {
			rec.LastEvent = strings.TrimSpace(ev.Reason + " " + ev.Message)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, key.Limit), nil
}

func podRecord(p *corev1.Pod) Pod {
	rec := Pod{
		Name:      p.Name,
		Namespace: p.Namespace,
		Status:    PodStatus(p),
		Total:     len(p.Spec.Containers),
		Node:      p.Spec.NodeName,
		Labels:    p.Labels,
		Created:   p.CreationTimestamp.Time,
	}
	if len(p.OwnerReferences) > 0 {
		rec.Owner = p.OwnerReferences[0].Name
	}
	for _, cs := range p.Status.ContainerStatuses {
		if cs.Ready {
			rec.Ready++
		}
		rec.Restarts += cs.RestartCount
	}
	return rec
}

// PodStatus derives the display status of a pod. A pod being deleted is
// Terminating; a running pod is Running only once it reports Ready.
func PodStatus(p *corev1.Pod) string {
	if p.DeletionTimestamp != nil {
		return "Terminating"
	}
	switch p.Status.Phase {
	case corev1.PodPending:
		return "Pending"
	case corev1.PodRunning:
		for _, c := range p.Status.Conditions {
			if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
				return "Running"
			}
		}
		return "Starting"
	case corev1.PodSucceeded:
		return "Succeeded"
	case corev1.PodFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ListContainers lists the containers of the pod named by the key.
func (f *Fetchers) ListContainers(ctx context.Context, key cache.Key) ([]Container, error) {
	if key.Name == "" {
		return nil, cache.Permanent(fmt.Errorf("containers: pod name is required"))
	}
	pod, err := f.client.CoreV1().Pods(key.Namespace).Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get pod %s/%s: %w", key.Namespace, key.Name, err)
	}

	statuses := make(map[string]corev1.ContainerStatus, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		statuses[cs.Name] = cs
	}

	out := make([]Container, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		rec := Container{
			Name:   c.Name,
			Image:  c.Image,
			State:  "Unknown",
			Ports:  formatPorts(c.Ports),
			Probes: containerProbes(&c),
		}
		if cs, ok := statuses[c.Name]; ok {
			rec.Ready = cs.Ready
			rec.RestartCount = cs.RestartCount
			rec.State = containerState(cs.State)
		}
		out = append(out, rec)
	}
	return limit(out, key.Limit), nil
}

func containerState(s corev1.ContainerState) string {
	switch {
	case s.Running != nil:
		return "Running"
	case s.Waiting != nil:
		if s.Waiting.Reason != "" {
			return "Waiting: " + s.Waiting.Reason
		}
		return "Waiting"
	case s.Terminated != nil:
		if s.Terminated.Reason != "" {
			return "Terminated: " + s.Terminated.Reason
		}
		return "Terminated (exit " + strconv.Itoa(int(s.Terminated.ExitCode)) + ")"
	default:
		return "Unknown"
	}
}

func formatPorts(ports []corev1.ContainerPort) []string {
	if len(ports) == 0 {
		return nil
	}
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		name := p.Name
		if name == "" {
			name = "unnamed"
		}
		out = append(out, fmt.Sprintf("%s:%d", name, p.ContainerPort))
	}
	return out
}

func containerProbes(c *corev1.Container) []Probe {
	var out []Probe
	for _, p := range []struct {
		typ   string
		probe *corev1.Probe
	}{
		{"Liveness", c.LivenessProbe},
		{"Readiness", c.ReadinessProbe},
		{"Startup", c.StartupProbe},
	} {
		if p.probe != nil {
			out = append(out, probeSummary(p.typ, p.probe))
		}
	}
	return out
}

func probeSummary(typ string, p *corev1.Probe) Probe {
	switch {
	case p.HTTPGet != nil:
		h := p.HTTPGet
		scheme := strings.ToLower(string(h.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		host := h.Host
		if host == "" {
			host = "localhost"
		}
		path := h.Path
		if path == "" {
			path = "/"
		}
		return Probe{Type: typ, Handler: "HTTP", Detail: fmt.Sprintf("GET %s://%s:%s%s", scheme, host, h.Port.String(), path)}
	case p.TCPSocket != nil:
		host := p.TCPSocket.Host
		if host == "" {
			host = "localhost"
		}
		return Probe{Type: typ, Handler: "TCP", Detail: fmt.Sprintf("Connect to %s:%s", host, p.TCPSocket.Port.String())}
	case p.Exec != nil:
		cmd := strings.Join(p.Exec.Command, " ")
		if cmd == "" {
			cmd = "no command specified"
		}
		return Probe{Type: typ, Handler: "Exec", Detail: "Run: " + cmd}
	case p.GRPC != nil:
		return Probe{Type: typ, Handler: "gRPC", Detail: fmt.Sprintf("gRPC port %d", p.GRPC.Port)}
	default:
		return Probe{Type: typ, Handler: "Unknown", Detail: "no handler specified"}
	}
}

// ListEvents lists events newest first. A key name keeps only events about
// that object; a key limit keeps only the newest ones.
func (f *Fetchers) ListEvents(ctx context.Context, key cache.Key) ([]Event, error) {
	items, err := f.listEvents(ctx, key.Namespace)
	if err != nil {
		return nil, fmt.Errorf("list events in %q: %w", key.Namespace, err)
	}
	sortEventsNewestFirst(items)

	out := make([]Event, 0, len(items))
	for i := range items {
		e := &items[i]
		if key.Name != "" && !eventAbout(e, key.Name) {
			continue
		}
		out = append(out, Event{
			Object:   strings.ToLower(e.InvolvedObject.Kind) + "/" + e.InvolvedObject.Name,
			Reason:   e.Reason,
			Type:     e.Type,
			Message:  strings.TrimSpace(e.Message),
			Count:    e.Count,
			LastSeen: eventTime(e),
		})
	}
	return limit(out, key.Limit), nil
}

func eventAbout(e *corev1.Event, name string) bool {
	return e.InvolvedObject.Name == name || strings.HasPrefix(e.Name, name+".")
}

func eventTime(e *corev1.Event) time.Time {
	switch {
	case !e.LastTimestamp.IsZero():
		return e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		return e.EventTime.Time
	case !e.FirstTimestamp.IsZero():
		return e.FirstTimestamp.Time
	default:
		return e.CreationTimestamp.Time
	}
}

func sortEventsNewestFirst(items []corev1.Event) {
	sort.SliceStable(items, func(i, j int) bool {
		return eventTime(&items[i]).After(eventTime(&items[j]))
	})
}

func latestEventByObject(items []corev1.Event, kind string) map[string]*corev1.Event {
	latest := make(map[string]*corev1.Event)
	for i := range items {
		e := &items[i]
		if e.InvolvedObject.Kind != kind {
			continue
		}
		if cur, ok := latest[e.InvolvedObject.Name]; !ok || eventTime(e).After(eventTime(cur)) {
			latest[e.InvolvedObject.Name] = e
		}
	}
	return latest
}

// ListIngresses lists ingress paths whose backend service selects the
// workload labels given as the key selector. Without a selector every
// service-backed path in the namespace is listed.
func (f *Fetchers) ListIngresses(ctx context.Context, key cache.Key) ([]Ingress, error) {
	var (
		services  *corev1.ServiceList
		ingresses *networkingv1.IngressList
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		services, err = f.client.CoreV1().Services(key.Namespace).List(gctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list services in %q: %w", key.Namespace, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ingresses, err = f.client.NetworkingV1().Ingresses(key.Namespace).List(gctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list ingresses in %q: %w", key.Namespace, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	backends, err := servicesSelecting(services.Items, key.Selector)
	if err != nil {
		return nil, cache.Permanent(err)
	}

	var out []Ingress
	for i := range ingresses.Items {
		ing := &ingresses.Items[i]
		if key.Name != "" && ing.Name != key.Name {
			continue
		}
		out = append(out, ingressRoutes(ing, backends)...)
	}
	return limit(out, key.Limit), nil
}

// servicesSelecting returns the names of services whose selector matches the
// workload labels. A nil result means every service qualifies.
func servicesSelecting(services []corev1.Service, workload string) (map[string]bool, error) {
	if workload == "" {
		return nil, nil
	}
	set, err := labels.ConvertSelectorToLabelsMap(workload)
	if err != nil {
		return nil, fmt.Errorf("ingresses: workload selector %q: %w", workload, err)
	}
	out := make(map[string]bool)
	for _, svc := range services {
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		if labels.SelectorFromSet(svc.Spec.Selector).Matches(set) {
			out[svc.Name] = true
		}
	}
	return out, nil
}

func ingressRoutes(ing *networkingv1.Ingress, backends map[string]bool) []Ingress {
	tlsHosts := make(map[string]bool)
	for _, t := range ing.Spec.TLS {
		for _, h := range t.Hosts {
			tlsHosts[h] = true
		}
	}

	var out []Ingress
	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			svc := path.Backend.Service
			if svc == nil {
				continue
			}
			if backends != nil && !backends[svc.Name] {
				continue
			}
			port := svc.Port.Name
			if svc.Port.Number > 0 {
				port = strconv.Itoa(int(svc.Port.Number))
			}
			out = append(out, Ingress{
				Name:    ing.Name,
				Host:    rule.Host,
				Path:    path.Path,
				Backend: svc.Name,
				Port:    port,
				TLS:     tlsHosts[rule.Host],
			})
		}
	}
	return out
}

// ListNamespaces lists every namespace. The key namespace is ignored.
func (f *Fetchers) ListNamespaces(ctx context.Context, key cache.Key) ([]Namespace, error) {
	list, err := f.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{LabelSelector: key.Selector})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := make([]Namespace, 0, len(list.Items))
	for _, ns := range list.Items {
		if key.Name != "" && ns.Name != key.Name {
			continue
		}
		out = append(out, Namespace{
			Name:    ns.Name,
			Status:  string(ns.Status.Phase),
			Created: ns.CreationTimestamp.Time,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return limit(out, key.Limit), nil
}

// WorkloadSelectors extracts pod selectors from a replica set payload.
func WorkloadSelectors(payload any) []string {
	rss, ok := payload.([]ReplicaSet)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rss))
	for _, rs := range rss {
		if rs.Selector != "" {
			out = append(out, rs.Selector)
		}
	}
	return out
}

// listPods and listEvents page through the two lists that grow with the
// namespace.
func (f *Fetchers) listPods(ctx context.Context, ns string, opts metav1.ListOptions) ([]corev1.Pod, error) {
	return pagination.ListAll(ctx, f.pages, opts,
		func(ctx context.Context, opts metav1.ListOptions) ([]corev1.Pod, string, error) {
			list, err := f.client.CoreV1().Pods(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			return list.Items, list.Continue, nil
		})
}

func (f *Fetchers) listEvents(ctx context.Context, ns string) ([]corev1.Event, error) {
	return pagination.ListAll(ctx, f.pages, metav1.ListOptions{},
		func(ctx context.Context, opts metav1.ListOptions) ([]corev1.Event, string, error) {
			list, err := f.client.CoreV1().Events(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			return list.Items, list.Continue, nil
		})
}

func listOptions(key cache.Key) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: key.Selector}
}

func limit[T any](records []T, n int) []T {
	if n > 0 && len(records) > n {
		return records[:n]
	}
	return records
}
