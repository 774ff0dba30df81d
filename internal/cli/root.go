// Package cli implements the navipod command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/navicore/navipod/pkg/config"
	"github.com/navicore/navipod/pkg/kube"
	"github.com/navicore/navipod/pkg/logging"
	"github.com/navicore/navipod/pkg/navipod"
)

// Version is stamped at build time.
var Version = "dev"

// connectFunc turns the effective config into client options.
type connectFunc func(cfg config.Config) (navipod.Options, error)

type app struct {
	kubeconfig  string
	context     string
	namespace   string
	configPath  string
	logLevel    string
	metricsAddr string

	stdout io.Writer
	stderr io.Writer

	connect  connectFunc
	closeLog io.Closer
}

// NewRootCommand builds the navipod command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr, connectCluster)
}

func newRootCommand(out, errOut io.Writer, connect connectFunc) *cobra.Command {
	a := &app{stdout: out, stderr: errOut, connect: connect}

	cmd := &cobra.Command{
		Use:   "navipod",
		Short: "Browse replica sets, pods and containers through a local cache",
		Long: "Browse replica sets, pods and containers through a local cache.\n\n" +
			"Without a subcommand navipod starts the interactive browser.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog.Close()
			}
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.kubeconfig, "kubeconfig", "", "path to the kubeconfig file")
	cmd.PersistentFlags().StringVar(&a.context, "context", "", "override kubeconfig context")
	cmd.PersistentFlags().StringVarP(&a.namespace, "namespace", "n", "", "override namespace")
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a navipod config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve /metrics, /health and /debug/stats on this address")

	browse := newTUICmd(a)
	cmd.RunE = browse.RunE
	cmd.Args = cobra.NoArgs

	cmd.AddCommand(
		newGetCmd(a),
		newStatsCmd(a),
		newKindsCmd(a),
		newConfigCmd(a),
		browse,
	)
	return cmd
}

// loadConfig reads the config file and applies the global flags on top.
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if a.namespace != "" {
		cfg.Namespace = a.namespace
	}
	if a.kubeconfig != "" {
		cfg.Kubeconfig = a.kubeconfig
	}
	if a.context != "" {
		cfg.Context = a.context
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Addr = a.metricsAddr
	}
	return cfg, cfg.Validate()
}

// setupLogging configures zerolog. Commands that own the terminal force a
// log file.
func (a *app) setupLogging(cfg config.Config, forceFile bool) (zerolog.Logger, error) {
	file := cfg.Log.File
	if forceFile && file == "" {
		file = defaultLogFile()
	}
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(cfg.Log.Level)
	lc.Pretty = cfg.Log.Format == config.FormatConsole
	lc.Output = a.stderr
	lc.File = file
	logger, closer, err := logging.Setup(lc)
	if err != nil {
		return logger, err
	}
	a.closeLog = closer
	return logger, nil
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "navipod", "navipod.log")
}

// startClient builds and starts a cache client for one command.
func (a *app) startClient(ctx context.Context, cfg config.Config, logger zerolog.Logger, waitForWarmup bool) (*navipod.Client, error) {
	opts, err := a.connect(cfg)
	if err != nil {
		return nil, err
	}
	opts.Config = cfg
	opts.Logger = &logger
	opts.WaitForWarmup = waitForWarmup

	client, err := navipod.New(opts)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		client.Close(context.Background())
		return nil, err
	}
	return client, nil
}

func connectCluster(cfg config.Config) (navipod.Options, error) {
	conn, err := kube.NewClientset(cfg.Kubeconfig, cfg.Context)
	if err != nil {
		return navipod.Options{}, err
	}
	return navipod.Options{Connection: conn}, nil
}

func newConfigCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			switch strings.ToLower(strings.TrimSpace(output)) {
			case "", "yaml":
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = a.stdout.Write(data)
				return err
			case "json":
				return writeJSON(a.stdout, cfg)
			default:
				return fmt.Errorf("unsupported output %q (want yaml or json)", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}
