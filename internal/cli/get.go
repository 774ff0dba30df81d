package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/navicore/navipod/internal/view"
	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/fetch"
	"github.com/navicore/navipod/pkg/navipod"
)

// ErrFetchFailed makes get exit non-zero after printing what it could.
var ErrFetchFailed = errors.New("fetch failed")

var kindAliases = map[string]cache.Kind{
	"rs":           cache.KindReplicaSets,
	"replicaset":   cache.KindReplicaSets,
	"replicasets":  cache.KindReplicaSets,
	"po":           cache.KindPods,
	"pod":          cache.KindPods,
	"pods":         cache.KindPods,
	"container":    cache.KindContainers,
	"containers":   cache.KindContainers,
	"ev":           cache.KindEvents,
	"event":        cache.KindEvents,
	"events":       cache.KindEvents,
	"ing":          cache.KindIngresses,
	"ingress":      cache.KindIngresses,
	"ingresses":    cache.KindIngresses,
	"ns":           cache.KindNamespaces,
	"namespace":    cache.KindNamespaces,
	"namespaces":   cache.KindNamespaces,
	"cert":         cache.KindCertificates,
	"certs":        cache.KindCertificates,
	"certificate":  cache.KindCertificates,
	"certificates": cache.KindCertificates,
}

func parseKind(s string) (cache.Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q (try: navipod kinds)", s)
}

type getOptions struct {
	selector string
	output   string
	timeout  time.Duration
	limit    int
	priority string
}

func newGetCmd(a *app) *cobra.Command {
	o := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get <kind> [name]",
		Short: "Fetch one kind through the cache and print it",
		Long: "Fetch one kind through the cache and print it.\n\n" +
			"For containers the name is the pod; for events it is the involved object;\n" +
			"for certificates it is the host, optionally with a port.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			q := navipod.Query{Kind: kind, Selector: o.selector, Limit: o.limit}
			if len(args) == 2 {
				q.Name = args[1]
			}
			if kind == cache.KindCertificates && q.Name == "" {
				return fmt.Errorf("certificates need a host: navipod get cert <host[:port]>")
			}
			switch o.output {
			case "table", "yaml", "json":
			default:
				return fmt.Errorf("unsupported output %q (want table, yaml or json)", o.output)
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, err := a.setupLogging(cfg, false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := a.startClient(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			entry, getErr := client.Get(ctx, q, fetch.ParsePriority(o.priority), o.timeout)
			return a.printEntry(entry, getErr, o.output, time.Now())
		},
	}
	cmd.Flags().StringVarP(&o.selector, "selector", "l", "", "label selector (key=value,...)")
	cmd.Flags().StringVarP(&o.output, "output", "o", "table", "output format: table|yaml|json")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 15*time.Second, "how long to wait for the cluster")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "maximum number of records (0 = all)")
	cmd.Flags().StringVar(&o.priority, "priority", "high", "queue priority: low|medium|high|critical")
	return cmd
}

// printEntry writes whatever data the entry holds, then the staleness and
// error notes on stderr. It returns ErrFetchFailed when nothing current could
// be shown.
func (a *app) printEntry(entry cache.Entry, getErr error, output string, now time.Time) error {
	if getErr != nil && !errors.Is(getErr, fetch.ErrTimeout) && entry.State != cache.StateError {
		return getErr
	}

	if entry.HasPayload() {
		if err := writePayload(a.stdout, entry.Payload, output, now); err != nil {
			return err
		}
		if note := view.Freshness(entry, now); note != "" {
			fmt.Fprintln(a.stderr, note)
		}
	}

	if problem := view.Problem(entry); problem != "" {
		fmt.Fprintln(a.stderr, problem)
		return ErrFetchFailed
	}
	if errors.Is(getErr, fetch.ErrTimeout) {
		fmt.Fprintln(a.stderr, "timed out waiting for the cluster")
		return ErrFetchFailed
	}
	return nil
}

func writePayload(w io.Writer, payload any, output string, now time.Time) error {
	switch output {
	case "json":
		return writeJSON(w, payload)
	case "yaml":
		data, err := yaml.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		t, ok := view.Rows(payload, now)
		if !ok {
			return writeJSON(w, payload)
		}
		if t.Len() == 0 {
			_, err := fmt.Fprintln(w, "No resources found.")
			return err
		}
		_, err := fmt.Fprintln(w, view.Render(t))
		return err
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
