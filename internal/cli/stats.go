package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/navicore/navipod/internal/view"
	"github.com/navicore/navipod/pkg/navipod"
)

func newStatsCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Warm the cache for the current namespace and print its counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, err := a.setupLogging(cfg, false)
			if err != nil {
				return err
			}
			client, err := a.startClient(cmd.Context(), cfg, logger, true)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			st := client.Stats()
			if output == "json" {
				return writeJSON(a.stdout, st)
			}
			data, err := yaml.Marshal(st)
			if err != nil {
				return fmt.Errorf("encode yaml: %w", err)
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}

func newKindsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the kinds the cache can fetch and their freshness windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, err := a.setupLogging(cfg, false)
			if err != nil {
				return err
			}
			opts, err := a.connect(cfg)
			if err != nil {
				return err
			}
			opts.Config = cfg
			opts.Logger = &logger
			// kinds and TTLs come from the registry; nothing needs to run
			client, err := navipod.New(opts)
			if err != nil {
				return err
			}
			defer client.Close(context.Background())

			kinds := client.Kinds()
			slices.Sort(kinds)

			t := view.Table{Headers: []string{"KIND", "TTL"}}
			for _, k := range kinds {
				t.Rows = append(t.Rows, []string{string(k), client.TTL(k).String()})
			}
			_, err = fmt.Fprintln(a.stdout, view.Render(t))
			return err
		},
	}
}
