// Command postrelay relays post events from a durable queue into the record
// store and pushes every change to live WebSocket and SSE subscribers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/postrelay/internal/runtime/config"
	"github.com/drblury/postrelay/internal/runtime/logging"
	_ "github.com/drblury/postrelay/transport/transports"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "postrelay",
		Short:         "Post event relay",
		Long:          "postrelay consumes post events from a durable queue, stores them and fans every change out to live subscribers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file (POSTRELAY_* env vars override it)")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newRelayCommand(opts),
		newProduceCommand(opts),
		newMigrateCommand(opts),
	)
	return rootCmd
}

// load reads the configuration and builds the process logger from it.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, logging.ServiceLogger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
