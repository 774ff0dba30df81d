package view

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/kube"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRows(t *testing.T) {
	tests := []struct {
		name     string
		payload  any
		wantOK   bool
		wantCols int
		wantCell string
	}{
		{"replica sets", []kube.ReplicaSet{{Name: "web-5c4", Ready: 2, Desired: 3, Created: now.Add(-2 * time.Hour)}}, true, 5, "2/3"},
		{"pods", []kube.Pod{{Name: "web-5c4-x1", Status: "Running", Restarts: 4, Created: now.Add(-90 * time.Second)}}, true, 7, "1m"},
		{"containers", []kube.Container{{Name: "nginx", Ports: []string{"80/TCP", "443/TCP"}, Probes: []kube.Probe{{Type: "liveness", Detail: "/healthz"}}}}, true, 7, "80/TCP,443/TCP"},
		{"events", []kube.Event{{Reason: "BackOff", LastSeen: now.Add(-3 * time.Minute)}}, true, 6, "3m"},
		{"ingresses", []kube.Ingress{{Name: "web", Host: "web.example.com", TLS: true}}, true, 6, "true"},
		{"namespaces", []kube.Namespace{{Name: "prod", Status: "Active"}}, true, 3, "unknown"},
		{"certificate expiring", []kube.Certificate{{Host: "web.example.com", Valid: true, NotAfter: now.Add(12 * 24 * time.Hour)}}, true, 6, "expiring in 12d"},
		{"certificate expired", []kube.Certificate{{Host: "old.example.com", NotAfter: now.Add(-48 * time.Hour)}}, true, 6, "expired 2d ago"},
		{"certificate ok", []kube.Certificate{{Host: "ok.example.com", Valid: true, NotAfter: now.Add(200 * 24 * time.Hour)}}, true, 6, "2026-11-17"},
		{"unknown payload", []string{"x"}, false, 0, ""},
		{"nil payload", nil, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Rows(tt.payload, now)
			if ok != tt.wantOK {
				t.Fatalf("Rows() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if len(got.Headers) != tt.wantCols {
				t.Errorf("len(Headers) = %d, want %d", len(got.Headers), tt.wantCols)
			}
			if got.Len() != 1 || len(got.Rows[0]) != tt.wantCols {
				t.Fatalf("Rows = %v, want one row of %d cells", got.Rows, tt.wantCols)
			}
			found := false
			for _, cell := range got.Rows[0] {
				if cell == tt.wantCell {
					found = true
				}
			}
			if !found {
				t.Errorf("row %v has no cell %q", got.Rows[0], tt.wantCell)
			}
		})
	}
}

func TestRender(t *testing.T) {
	out := Render(Table{
		Headers: []string{"NAME", "STATUS"},
		Rows:    [][]string{{"api-1", "Running"}, {"api-2", "Pending"}},
	})

	var header, row string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "NAME"):
			header = line
		case strings.Contains(line, "api-1"):
			row = line
		}
	}
	if header == "" || row == "" || !strings.Contains(out, "api-2") {
		t.Fatalf("Render() = %q, want a header and both rows", out)
	}
	if strings.Index(header, "STATUS") != strings.Index(row, "Running") {
		t.Errorf("columns not aligned:\n%s", out)
	}
}

func TestFreshness(t *testing.T) {
	tests := []struct {
		name  string
		entry cache.Entry
		want  string
	}{
		{"fresh", cache.Entry{State: cache.StateFresh, LastFetched: now.Add(-10 * time.Second), TTL: time.Minute}, ""},
		{"expired fresh", cache.Entry{State: cache.StateFresh, LastFetched: now.Add(-2 * time.Minute), TTL: time.Minute}, "(stale, fetched 2m ago)"},
		{"stale", cache.Entry{State: cache.StateStale, LastFetched: now.Add(-3 * time.Hour), TTL: time.Minute}, "(stale, fetched 3h ago)"},
		{"never fetched", cache.Entry{State: cache.StateFetching}, "(fetching)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Freshness(tt.entry, now); got != tt.want {
				t.Errorf("Freshness() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProblem(t *testing.T) {
	forbidden := &cache.FetchError{Class: cache.ClassForbidden, Err: errors.New("rbac says no")}
	timeout := &cache.FetchError{Class: cache.ClassTimeout, Attempts: 4, Err: errors.New("deadline exceeded")}

	tests := []struct {
		name  string
		entry cache.Entry
		want  string
	}{
		{"fresh", cache.Entry{State: cache.StateFresh}, ""},
		{"error without cause", cache.Entry{State: cache.StateError}, ""},
		{"terminal", cache.Entry{State: cache.StateError, Err: forbidden}, "persistent error: forbidden: "},
		{"retries exhausted", cache.Entry{State: cache.StateError, Err: timeout}, "fetch failed: timeout after 4 attempts: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Problem(tt.entry)
			if tt.want == "" {
				if got != "" {
					t.Errorf("Problem() = %q, want empty", got)
				}
				return
			}
			if want := tt.want + tt.entry.Err.Reason(); got != want {
				t.Errorf("Problem() = %q, want %q", got, want)
			}
		})
	}
}
