package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/registry"
)

var created = metav1.NewTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

func int32Ptr(n int32) *int32 { return &n }

func owner(kind, name string) []metav1.OwnerReference {
	return []metav1.OwnerReference{{Kind: kind, Name: name}}
}

func replicaSet(name string, desired int32, owned bool, podLabels map[string]string) *appsv1.ReplicaSet {
	rs := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "prod", CreationTimestamp: created, Labels: podLabels},
		Spec: appsv1.ReplicaSetSpec{
			Replicas: int32Ptr(desired),
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
		},
		Status: appsv1.ReplicaSetStatus{ReadyReplicas: desired},
	}
	if owned {
		rs.OwnerReferences = owner("Deployment", name+"-deploy")
	}
	return rs
}

func pod(name string, podLabels map[string]string, phase corev1.PodPhase, ready bool) *corev1.Pod {
	cond := corev1.ConditionFalse
	if ready {
		cond = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: name, Namespace: "prod", Labels: podLabels,
			CreationTimestamp: created, OwnerReferences: owner("ReplicaSet", "web-abc"),
		},
		Spec: corev1.PodSpec{
			NodeName: "node-1",
			Containers: []corev1.Container{
				{
					Name:  "web",
					Image: "nginx:1.27",
					Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: 8080}, {ContainerPort: 9090}},
					LivenessProbe: &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
						HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromInt32(8080)},
					}},
					ReadinessProbe: &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
						TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromString("http")},
					}},
				},
				{Name: "sidecar", Image: "envoy:1.30"},
			},
		},
		Status: corev1.PodStatus{
			Phase:      phase,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: cond}},
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "web", Ready: ready, RestartCount: 2, State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
				{Name: "sidecar", RestartCount: 1, State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
				}},
			},
		},
	}
}

func event(name, object, reason string, last time.Time) *corev1.Event {
	return &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Name: name, Namespace: "prod"},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: object},
		Reason:         reason,
		Type:           corev1.EventTypeNormal,
		Message:        reason + " " + object,
		LastTimestamp:  metav1.NewTime(last),
	}
}

func TestListReplicaSets(t *testing.T) {
	client := fake.NewClientset(
		replicaSet("web-abc", 3, true, map[string]string{"app": "web"}),
		replicaSet("web-old", 0, true, map[string]string{"app": "web", "rev": "1"}),
		replicaSet("orphan", 1, false, map[string]string{"app": "orphan"}),
		replicaSet("api-def", 2, true, map[string]string{"app": "api"}),
	)
	f := NewFetchers(client, nil)

	got, err := f.ListReplicaSets(context.Background(), cache.MustKey(cache.KindReplicaSets, "prod", "", ""))
	if err != nil {
		t.Fatalf("ListReplicaSets() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListReplicaSets() returned %d records, want 2: %+v", len(got), got)
	}
	if got[0].Name != "api-def" || got[1].Name != "web-abc" {
		t.Errorf("names = %s, %s, want api-def, web-abc", got[0].Name, got[1].Name)
	}
	if got[1].Selector != "app=web" {
		t.Errorf("Selector = %q, want %q", got[1].Selector, "app=web")
	}
	if got[1].Owner != "web-abc-deploy" || got[1].OwnerKind != "Deployment" {
		t.Errorf("owner = %s/%s, want Deployment/web-abc-deploy", got[1].OwnerKind, got[1].Owner)
	}
	if got[1].Ready != 3 || got[1].Desired != 3 {
		t.Errorf("ready/desired = %d/%d, want 3/3", got[1].Ready, got[1].Desired)
	}
}

func TestListPods(t *testing.T) {
	now := time.Now()
	client := fake.NewClientset(
		pod("web-1", map[string]string{"app": "foo"}, corev1.PodRunning, true),
		pod("web-2", map[string]string{"app": "foo"}, corev1.PodRunning, false),
		pod("web-3", map[string]string{"app": "foo"}, corev1.PodPending, false),
		pod("api-1", map[string]string{"app": "bar"}, corev1.PodRunning, true),
		event("web-1.1", "web-1", "Pulled", now.Add(-time.Minute)),
		event("web-1.2", "web-1", "Started", now),
	)
	f := NewFetchers(client, nil)

	got, err := f.ListPods(context.Background(), cache.MustKey(cache.KindPods, "prod", "app=foo", ""))
	if err != nil {
		t.Fatalf("ListPods() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListPods() returned %d records, want 3", len(got))
	}

	tests := []struct {
		name   string
		status string
		ready  int
	}{
		{"web-1", "Running", 1},
		{"web-2", "Starting", 0},
		{"web-3", "Pending", 0},
	}
	for i, tt := range tests {
		if got[i].Name != tt.name {
			t.Errorf("pod[%d].Name = %q, want %q", i, got[i].Name, tt.name)
		}
		if got[i].Status != tt.status {
			t.Errorf("%s Status = %q, want %q", tt.name, got[i].Status, tt.status)
		}
		if got[i].Ready != tt.ready || got[i].Total != 2 {
			t.Errorf("%s ready = %d/%d, want %d/2", tt.name, got[i].Ready, got[i].Total, tt.ready)
		}
		if got[i].Restarts != 3 {
			t.Errorf("%s Restarts = %d, want 3", tt.name, got[i].Restarts)
		}
	}
	if got[0].LastEvent != "Started Started web-1" {
		t.Errorf("LastEvent = %q, want newest event", got[0].LastEvent)
	}
}

func TestListPods_EventsUnavailable(t *testing.T) {
	client := fake.NewClientset(pod("web-1", map[string]string{"app": "foo"}, corev1.PodRunning, true))
	client.PrependReactor("list", "events", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "events"}, "", errors.New("denied"))
	})
	f := NewFetchers(client, nil)

	got, err := f.ListPods(context.Background(), cache.MustKey(cache.KindPods, "prod", "", ""))
	if err != nil {
		t.Fatalf("ListPods() error = %v", err)
	}
	if len(got) != 1 || got[0].LastEvent != "" {
		t.Errorf("ListPods() = %+v, want one pod without events", got)
	}
}

func TestPodStatus_Terminating(t *testing.T) {
	p := pod("web-1", nil, corev1.PodRunning, true)
	now := metav1.Now()
	p.DeletionTimestamp = &now
	if got := PodStatus(p); got != "Terminating" {
		t.Errorf("PodStatus() = %q, want Terminating", got)
	}
	p.DeletionTimestamp = nil
	p.Status.Phase = corev1.PodFailed
	if got := PodStatus(p); got != "Failed" {
		t.Errorf("PodStatus() = %q, want Failed", got)
	}
}

func TestListContainers(t *testing.T) {
	client := fake.NewClientset(pod("web-1", map[string]string{"app": "foo"}, corev1.PodRunning, true))
	f := NewFetchers(client, nil)

	got, err := f.ListContainers(context.Background(), cache.MustKey(cache.KindContainers, "prod", "", "web-1"))
	if err != nil {
		t.Fatalf("ListContainers() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListContainers() returned %d records, want 2", len(got))
	}

	web := got[0]
	if web.State != "Running" || !web.Ready || web.RestartCount != 2 {
		t.Errorf("web = %+v, want running and ready with 2 restarts", web)
	}
	if len(web.Ports) != 2 || web.Ports[0] != "http:8080" || web.Ports[1] != "unnamed:9090" {
		t.Errorf("Ports = %v", web.Ports)
	}
	wantProbes := []Probe{
		{Type: "Liveness", Handler: "HTTP", Detail: "GET http://localhost:8080/healthz"},
		{Type: "Readiness", Handler: "TCP", Detail: "Connect to localhost:http"},
	}
	if len(web.Probes) != len(wantProbes) {
		t.Fatalf("Probes = %+v, want %+v", web.Probes, wantProbes)
	}
	for i := range wantProbes {
		if web.Probes[i] != wantProbes[i] {
			t.Errorf("Probes[%d] = %+v, want %+v", i, web.Probes[i], wantProbes[i])
		}
	}
	if got[1].State != "Waiting: CrashLoopBackOff" {
		t.Errorf("sidecar State = %q", got[1].State)
	}
}

func TestListContainers_Errors(t *testing.T) {
	f := NewFetchers(fake.NewClientset(), nil)

	_, err := f.ListContainers(context.Background(), cache.MustKey(cache.KindContainers, "prod", "", "missing"))
	if class := cache.Classify(err, ClassifyAPIError); class != cache.ClassNotFound {
		t.Errorf("missing pod class = %v, want %v", class, cache.ClassNotFound)
	}

	_, err = f.ListContainers(context.Background(), cache.MustKey(cache.KindContainers, "prod", "", ""))
	if class := cache.Classify(err, ClassifyAPIError); class != cache.ClassTerminal {
		t.Errorf("no pod name class = %v, want %v", class, cache.ClassTerminal)
	}
}

func TestListEvents(t *testing.T) {
	now := time.Now()
	client := fake.NewClientset(
		event("web-1.a", "web-1", "Scheduled", now.Add(-3*time.Minute)),
		event("web-1.b", "web-1", "Pulled", now.Add(-2*time.Minute)),
		event("web-1.c", "web-1", "Started", now.Add(-time.Minute)),
		event("api-1.a", "api-1", "Killing", now),
	)
	f := NewFetchers(client, nil)

	tests := []struct {
		name    string
		key     cache.Key
		reasons []string
	}{
		{"all newest first", cache.MustKey(cache.KindEvents, "prod", "", ""), []string{"Killing", "Started", "Pulled", "Scheduled"}},
		{"one object", cache.MustKey(cache.KindEvents, "prod", "", "web-1"), []string{"Started", "Pulled", "Scheduled"}},
		{"limit", cache.MustKey(cache.KindEvents, "prod", "", "web-1").WithLimit(2), []string{"Started", "Pulled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ListEvents(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("ListEvents() error = %v", err)
			}
			if len(got) != len(tt.reasons) {
				t.Fatalf("ListEvents() returned %d events, want %d", len(got), len(tt.reasons))
			}
			for i, r := range tt.reasons {
				if got[i].Reason != r {
					t.Errorf("event[%d].Reason = %q, want %q", i, got[i].Reason, r)
				}
			}
		})
	}
}

func TestListIngresses(t *testing.T) {
	pathType := networkingv1.PathTypePrefix
	backend := func(svc string, port int32) networkingv1.IngressBackend {
		return networkingv1.IngressBackend{Service: &networkingv1.IngressServiceBackend{
			Name: svc, Port: networkingv1.ServiceBackendPort{Number: port},
		}}
	}
	client := fake.NewClientset(
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "web-svc", Namespace: "prod"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "web"}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "api-svc", Namespace: "prod"},
			Spec:       corev1.ServiceSpec{Selector: map[string]string{"app": "api"}},
		},
		&networkingv1.Ingress{
			ObjectMeta: metav1.ObjectMeta{Name: "public", Namespace: "prod"},
			Spec: networkingv1.IngressSpec{
				TLS: []networkingv1.IngressTLS{{Hosts: []string{"www.example.com"}}},
				Rules: []networkingv1.IngressRule{{
					Host: "www.example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{
							{Path: "/", PathType: &pathType, Backend: backend("web-svc", 80)},
							{Path: "/api", PathType: &pathType, Backend: backend("api-svc", 8080)},
						},
					}},
				}},
			},
		},
	)
	f := NewFetchers(client, nil)

	got, err := f.ListIngresses(context.Background(), cache.MustKey(cache.KindIngresses, "prod", "app=web,pod-template-hash=abc", ""))
	if err != nil {
		t.Fatalf("ListIngresses() error = %v", err)
	}
	want := Ingress{Name: "public", Host: "www.example.com", Path: "/", Backend: "web-svc", Port: "80", TLS: true}
	if len(got) != 1 || got[0] != want {
		t.Errorf("ListIngresses() = %+v, want [%+v]", got, want)
	}

	all, err := f.ListIngresses(context.Background(), cache.MustKey(cache.KindIngresses, "prod", "", ""))
	if err != nil {
		t.Fatalf("ListIngresses() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListIngresses() without selector returned %d routes, want 2", len(all))
	}
}

func TestListNamespaces(t *testing.T) {
	client := fake.NewClientset(
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "prod"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceActive}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "dev"}, Status: corev1.NamespaceStatus{Phase: corev1.NamespaceTerminating}},
	)
	f := NewFetchers(client, nil)

	got, err := f.ListNamespaces(context.Background(), cache.MustKey(cache.KindNamespaces, "", "", ""))
	if err != nil {
		t.Fatalf("ListNamespaces() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "dev" || got[0].Status != "Terminating" {
		t.Errorf("ListNamespaces() = %+v", got)
	}
}

func TestWorkloadSelectors(t *testing.T) {
	payload := []ReplicaSet{{Selector: "app=a"}, {}, {Selector: "app=b"}}
	got := WorkloadSelectors(payload)
	if len(got) != 2 || got[0] != "app=a" || got[1] != "app=b" {
		t.Errorf("WorkloadSelectors() = %v", got)
	}
	if WorkloadSelectors("not a payload") != nil {
		t.Error("WorkloadSelectors() of a foreign payload should be nil")
	}
}

func TestRegister(t *testing.T) {
	reg := registry.New()
	f := NewFetchers(fake.NewClientset(), nil)
	if err := Register(reg, f, map[cache.Kind]time.Duration{cache.KindPods: 16 * time.Second}, 5*time.Second); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if len(reg.Kinds()) != 7 {
		t.Errorf("Kinds() = %v, want 7 kinds", reg.Kinds())
	}
	if got := reg.TTL(cache.KindCertificates); got != time.Hour {
		t.Errorf("TTL(certificates) = %v, want 1h", got)
	}
	if got := reg.TTL(cache.KindPods); got != 16*time.Second {
		t.Errorf("TTL(pods) = %v, want 16s", got)
	}
	if got := reg.TTL(cache.KindReplicaSets); got != 300*time.Second {
		t.Errorf("TTL(replicasets) = %v, want 300s", got)
	}

	d, err := reg.Resolve(cache.KindEvents)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if d.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", d.Timeout)
	}

	key, err := reg.Key(cache.KindNamespaces, "prod", "", "")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if key.Namespace != "" {
		t.Errorf("namespaces key Namespace = %q, want cluster scoped", key.Namespace)
	}

	key, err = reg.Key(cache.KindCertificates, "prod", "app=web", " Web.Example.com ")
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if want := cache.MustKey(cache.KindCertificates, "", "", "web.example.com"); key != want {
		t.Errorf("certificates key = %v, want %v", key, want)
	}

	if err := Register(reg, f, nil, 0); !errors.Is(err, registry.ErrDuplicateKind) {
		t.Errorf("second Register() error = %v, want ErrDuplicateKind", err)
	}
}
