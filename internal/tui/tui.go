// Package tui is the interactive replica set → pod → container browser,
// with side views for events, ingresses and the certificates they serve.
// Every view reads through the cache client: requests never block, commits
// arrive on a subscription, and navigation feeds the prefetch policy.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/navicore/navipod/internal/view"
	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/fetch"
	"github.com/navicore/navipod/pkg/kube"
	"github.com/navicore/navipod/pkg/navipod"
	"github.com/navicore/navipod/pkg/prefetch"
	"github.com/navicore/navipod/pkg/subscription"
)

// refreshInterval re-renders ages and re-requests entries that went stale.
const refreshInterval = time.Second

// Source is the part of the cache client the browser uses.
type Source interface {
	Namespace() string
	Request(q navipod.Query, priority fetch.Priority) (fetch.Outcome, error)
	Subscribe(q navipod.Query) (*subscription.Subscription, error)
	Navigate(ev prefetch.Event) int
	SwitchNamespace(ctx context.Context, ns string) error
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	cellStyle     = lipgloss.NewStyle().PaddingRight(2)
	headerStyle   = cellStyle.Bold(true)
)

// frame is one level of the drill-down.
type frame struct {
	title    string
	query    navipod.Query
	selected int
}

type updateMsg struct {
	sub *subscription.Subscription
	n   subscription.Notification
}

type tickMsg time.Time

type namespaceSwitchedMsg struct {
	ns  string
	err error
}

type model struct {
	ctx context.Context
	src Source
	now func() time.Time

	stack   []frame
	sub     *subscription.Subscription
	entry   cache.Entry
	loading bool
	status  string

	spinner   spinner.Model
	input     textinput.Model
	inputting bool
}

// Run starts the browser and blocks until the user quits or ctx is done.
func Run(ctx context.Context, src Source) error {
	m := newModel(ctx, src)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if fm, ok := final.(model); ok && fm.sub != nil {
		fm.sub.Cancel()
	}
	return err
}

func newModel(ctx context.Context, src Source) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	ti := textinput.New()
	ti.Placeholder = "namespace"
	ti.CharLimit = 63
	ti.Width = 30

	m := model{
		ctx:     ctx,
		src:     src,
		now:     time.Now,
		spinner: sp,
		input:   ti,
	}
	m.stack = []frame{workloadsFrame(src.Namespace())}
	m, _ = m.open()
	return m
}

func workloadsFrame(ns string) frame {
	return frame{
		title: "Replica sets in " + ns,
		query: navipod.Query{Kind: cache.KindReplicaSets, Namespace: ns},
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, tick()}
	if m.sub != nil {
		cmds = append(cmds, waitForUpdate(m.sub))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) current() *frame {
	return &m.stack[len(m.stack)-1]
}

// open subscribes to the top frame's key and requests it.
func (m model) open() (model, tea.Cmd) {
	if m.sub != nil {
		m.sub.Cancel()
		m.sub = nil
	}
	q := m.current().query
	sub, err := m.src.Subscribe(q)
	if err != nil {
		m.status = err.Error()
		return m, nil
	}
	m.sub = sub

	out, err := m.src.Request(q, fetch.High)
	if err != nil {
		m.status = err.Error()
		return m, nil
	}
	release(out)
	m.entry = out.Entry
	m.loading = out.Kind != fetch.Hit
	m.status = ""
	return m, waitForUpdate(sub)
}

// release drops the outcome's own pending handle; the view's subscription
// already receives the commit.
func release(out fetch.Outcome) {
	if out.Pending != nil {
		out.Pending.Cancel()
	}
}

func waitForUpdate(sub *subscription.Subscription) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-sub.C
		if !ok {
			return nil
		}
		return updateMsg{sub: sub, n: n}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.inputting {
			return m.updateInput(msg)
		}
		return m.updateKey(msg)

	case updateMsg:
		if msg.sub != m.sub {
			return m, nil
		}
		if msg.n.Entry.State == cache.StateFresh || msg.n.Entry.State == cache.StateError {
			m.entry = msg.n.Entry
			m.loading = false
			m.clampSelection()
		}
		return m, waitForUpdate(m.sub)

	case tickMsg:
		// expired entries get a refresh; the subscription brings it in
		if !m.loading && m.entry.State == cache.StateFresh && m.entry.Expired(m.now()) {
			if out, err := m.src.Request(m.current().query, fetch.Medium); err == nil {
				release(out)
				m.entry = out.Entry
				m.loading = out.Kind != fetch.Hit
			}
		}
		return m, tick()

	case namespaceSwitchedMsg:
		if msg.err != nil {
			m.status = "namespace switch failed: " + msg.err.Error()
			return m, nil
		}
		m.stack = []frame{workloadsFrame(msg.ns)}
		return m.open()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.inputting = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		m.inputting = false
		m.input.Blur()
		ns := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if ns == "" {
			return m, nil
		}
		return m, m.switchNamespace(ns)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) switchNamespace(ns string) tea.Cmd {
	ctx, src := m.ctx, m.src
	return func() tea.Msg {
		return namespaceSwitchedMsg{ns: ns, err: src.SwitchNamespace(ctx, ns)}
	}
}

func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.sub != nil {
			m.sub.Cancel()
			m.sub = nil
		}
		return m, tea.Quit
	case "up", "k":
		if f := m.current(); f.selected > 0 {
			f.selected--
		}
	case "down", "j":
		if f := m.current(); f.selected < m.rowCount()-1 {
			f.selected++
		}
	case "enter", "right", "l":
		return m.drillDown()
	case "esc", "backspace", "left", "h":
		if len(m.stack) > 1 {
			m.stack = m.stack[:len(m.stack)-1]
			return m.open()
		}
	case "e":
		return m.showEvents()
	case "i":
		return m.showIngresses()
	case "n":
		m.inputting = true
		m.input.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m model) rowCount() int {
	t, _ := view.Rows(m.entry.Payload, m.now())
	return t.Len()
}

func (m *model) clampSelection() {
	f := m.current()
	if n := m.rowCount(); f.selected >= n {
		f.selected = max(0, n-1)
	}
}

// drillDown opens the pods of the selected replica set, the containers of
// the selected pod or the certificate of the selected ingress host, and
// tells the prefetch policy where the user went.
func (m model) drillDown() (tea.Model, tea.Cmd) {
	f := m.current()
	ns := f.query.Namespace
	switch f.query.Kind {
	case cache.KindReplicaSets:
		rs, ok := cache.Payload[[]kube.ReplicaSet](m.entry)
		if !ok || f.selected >= len(rs) {
			return m, nil
		}
		sel := rs[f.selected]
		m.src.Navigate(prefetch.Event{Type: prefetch.WorkloadSelected, Namespace: ns, Name: sel.Name, Selector: sel.Selector})
		m.stack = append(m.stack, frame{
			title: "Pods of " + sel.Name,
			query: navipod.Query{Kind: cache.KindPods, Namespace: ns, Selector: sel.Selector},
		})
	case cache.KindPods:
		pods, ok := cache.Payload[[]kube.Pod](m.entry)
		if !ok || f.selected >= len(pods) {
			return m, nil
		}
		pod := pods[f.selected]
		m.src.Navigate(prefetch.Event{Type: prefetch.PodSelected, Namespace: ns, Name: pod.Name})
		m.stack = append(m.stack, frame{
			title: "Containers of " + pod.Name,
			query: navipod.Query{Kind: cache.KindContainers, Namespace: ns, Name: pod.Name},
		})
	case cache.KindIngresses:
		routes, ok := cache.Payload[[]kube.Ingress](m.entry)
		if !ok || f.selected >= len(routes) || routes[f.selected].Host == "" {
			return m, nil
		}
		host := routes[f.selected].Host
		m.stack = append(m.stack, frame{
			title: "Certificate of " + host,
			query: navipod.Query{Kind: cache.KindCertificates, Name: host},
		})
	default:
		return m, nil
	}
	return m.open()
}

// showEvents opens the events of the selected pod.
func (m model) showEvents() (tea.Model, tea.Cmd) {
	f := m.current()
	if f.query.Kind != cache.KindPods {
		return m, nil
	}
	pods, ok := cache.Payload[[]kube.Pod](m.entry)
	if !ok || f.selected >= len(pods) {
		return m, nil
	}
	pod := pods[f.selected]
	m.stack = append(m.stack, frame{
		title: "Events of " + pod.Name,
		query: navipod.Query{
			Kind: cache.KindEvents, Namespace: f.query.Namespace,
			Name: pod.Name, Limit: prefetch.DefaultEventLimit,
		},
	})
	return m.open()
}

// showIngresses opens the ingress routes that reach the selected replica
// set, or the workload whose pods are listed.
func (m model) showIngresses() (tea.Model, tea.Cmd) {
	f := m.current()
	var name, selector string
	switch f.query.Kind {
	case cache.KindReplicaSets:
		rs, ok := cache.Payload[[]kube.ReplicaSet](m.entry)
		if !ok || f.selected >= len(rs) {
			return m, nil
		}
		name, selector = rs[f.selected].Name, rs[f.selected].Selector
	case cache.KindPods:
		name, selector = strings.TrimPrefix(f.title, "Pods of "), f.query.Selector
	default:
		return m, nil
	}
	if selector == "" {
		return m, nil
	}
	m.stack = append(m.stack, frame{
		title: "Ingresses of " + name,
		query: navipod.Query{Kind: cache.KindIngresses, Namespace: f.query.Namespace, Selector: selector},
	})
	return m.open()
}

func (m model) View() string {
	var b strings.Builder
	now := m.now()
	f := m.current()

	b.WriteString(titleStyle.Render("navipod  "+f.title) + "\n")
	b.WriteString(helpStyle.Render("enter open • esc back • e events • i ingresses • n namespace • q quit") + "\n\n")

	if m.inputting {
		b.WriteString("Namespace: " + m.input.View() + "\n\n")
	}

	t, ok := view.Rows(m.entry.Payload, now)
	switch {
	case m.loading && !m.entry.HasPayload():
		b.WriteString(m.spinner.View() + " loading...\n")
	case !ok:
		b.WriteString("  (no data)\n")
	case t.Len() == 0:
		b.WriteString("  (none)\n")
	default:
		b.WriteString(renderTable(t, f.selected) + "\n")
	}

	b.WriteString("\n" + m.statusLine(now))
	return b.String()
}

func renderTable(t view.Table, selected int) string {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == selected:
				return cellStyle.Inherit(selectedStyle)
			default:
				return cellStyle
			}
		}).
		Headers(t.Headers...).
		Rows(t.Rows...).
		Render()
}

// statusLine shows staleness, fetch failures and in-flight refreshes.
func (m model) statusLine(now time.Time) string {
	var parts []string
	if m.loading && m.entry.HasPayload() {
		parts = append(parts, m.spinner.View()+" refreshing")
	}
	if note := view.Freshness(m.entry, now); note != "" && m.entry.HasPayload() {
		parts = append(parts, staleStyle.Render(note))
	}
	if problem := view.Problem(m.entry); problem != "" {
		parts = append(parts, errorStyle.Render(problem))
	}
	if m.status != "" {
		parts = append(parts, errorStyle.Render(m.status))
	}
	if len(parts) == 0 {
		return helpStyle.Render(fmt.Sprintf("%d rows", m.rowCount()))
	}
	return strings.Join(parts, "  ")
}
