// Package view renders cached payloads as rows for the CLI and the TUI.
package view

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/kube"
)

// Table is a rendered payload.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Len returns the row count.
func (t Table) Len() int {
	return len(t.Rows)
}

// Rows converts a payload of cluster records into a table. The second
// result is false for payload types it does not know.
func Rows(payload any, now time.Time) (Table, bool) {
	switch records := payload.(type) {
	case []kube.ReplicaSet:
		t := Table{Headers: []string{"NAME", "OWNER", "READY", "AGE", "SELECTOR"}}
		for _, r := range records {
			t.Rows = append(t.Rows, []string{
				r.Name, r.Owner, fmt.Sprintf("%d/%d", r.Ready, r.Desired), kube.Since(now, r.Created), r.Selector,
			})
		}
		return t, true
	case []kube.Pod:
		t := Table{Headers: []string{"NAME", "STATUS", "READY", "RESTARTS", "NODE", "AGE", "LAST EVENT"}}
		for _, p := range records {
			t.Rows = append(t.Rows, []string{
				p.Name, p.Status, fmt.Sprintf("%d/%d", p.Ready, p.Total), fmt.Sprint(p.Restarts),
				p.Node, kube.Since(now, p.Created), p.LastEvent,
			})
		}
		return t, true
	case []kube.Container:
		t := Table{Headers: []string{"NAME", "IMAGE", "READY", "RESTARTS", "STATE", "PORTS", "PROBES"}}
		for _, c := range records {
			probes := make([]string, 0, len(c.Probes))
			for _, p := range c.Probes {
				probes = append(probes, p.Type+": "+p.Detail)
			}
			t.Rows = append(t.Rows, []string{
				c.Name, c.Image, fmt.Sprint(c.Ready), fmt.Sprint(c.RestartCount), c.State,
				strings.Join(c.Ports, ","), strings.Join(probes, "; "),
			})
		}
		return t, true
	case []kube.Event:
		t := Table{Headers: []string{"LAST SEEN", "TYPE", "REASON", "OBJECT", "COUNT", "MESSAGE"}}
		for _, e := range records {
			t.Rows = append(t.Rows, []string{
				kube.Since(now, e.LastSeen), e.Type, e.Reason, e.Object, fmt.Sprint(e.Count), e.Message,
			})
		}
		return t, true
	case []kube.Ingress:
		t := Table{Headers: []string{"NAME", "HOST", "PATH", "BACKEND", "PORT", "TLS"}}
		for _, i := range records {
			t.Rows = append(t.Rows, []string{i.Name, i.Host, i.Path, i.Backend, i.Port, fmt.Sprint(i.TLS)})
		}
		return t, true
	case []kube.Namespace:
		t := Table{Headers: []string{"NAME", "STATUS", "AGE"}}
		for _, n := range records {
			t.Rows = append(t.Rows, []string{n.Name, n.Status, kube.Since(now, n.Created)})
		}
		return t, true
	case []kube.Certificate:
		t := Table{Headers: []string{"HOST", "SUBJECT", "ISSUER", "EXPIRES", "STATUS", "PROBLEM"}}
		for _, c := range records {
			t.Rows = append(t.Rows, []string{
				c.Host, c.Subject, c.Issuer, c.NotAfter.Format(time.DateOnly), c.CertStatus(now), c.Problem,
			})
		}
		return t, true
	}
	return Table{}, false
}

// Render lays the table out as aligned plain-text columns.
func Render(t Table) string {
	tbl := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			return lipgloss.NewStyle().PaddingRight(3)
		}).
		Headers(t.Headers...).
		Rows(t.Rows...)
	return tbl.Render()
}

// Freshness describes an entry's state for a status line, for example
// "(stale, fetched 2m ago)". It is empty for fresh entries.
func Freshness(e cache.Entry, now time.Time) string {
	switch {
	case e.State == cache.StateFresh && !e.Expired(now):
		return ""
	case e.LastFetched.IsZero():
		return fmt.Sprintf("(%s)", e.State)
	default:
		return fmt.Sprintf("(stale, fetched %s ago)", kube.FormatAge(e.Age(now)))
	}
}

// Problem describes a failed fetch for a status line. It is empty unless
// the entry is in the Error state.
func Problem(e cache.Entry) string {
	if e.State != cache.StateError || e.Err == nil {
		return ""
	}
	if e.Terminal() {
		return fmt.Sprintf("persistent error: %s: %s", e.Err.Class, e.Err.Reason())
	}
	return fmt.Sprintf("fetch failed: %s after %d attempts: %s", e.Err.Class, e.Err.Attempts, e.Err.Reason())
}
