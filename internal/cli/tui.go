package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/navicore/navipod/internal/tui"
)

// closeTimeout bounds how long the browser waits for in-flight work on exit.
const closeTimeout = 5 * time.Second

func newTUICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse replica sets, pods and containers interactively",
		Long: "Browse replica sets, pods and containers interactively.\n\n" +
			"Logs go to log.file from the config, or navipod/navipod.log under the user cache directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger, err := a.setupLogging(cfg, true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := a.startClient(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				client.Close(closeCtx)
			}()

			logger.Info().Str("namespace", client.Namespace()).Msg("Starting browser")
			return tui.Run(ctx, client)
		},
	}
}
