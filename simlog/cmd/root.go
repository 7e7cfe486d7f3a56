// Package cmd provides the command-line interface of simlog.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/simlog/config"
)

// NewRootCmd creates the simlog command with all its subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simlog",
		Short: "simlog runs discrete-event simulations and inspects their event logs.",
		Long: `simlog runs the bundled example simulations with every fired event ` +
			`dispatched to subscribed components and appended to a durable event log. ` +
			`It can also read a log back, check its ordering and summarize it.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "",
		"config file (yaml, json or toml); SIMLOG_* environment variables override it")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("dev", false, "human readable logs")

	rootCmd.AddCommand(newRunCmd(), newInspectCmd(), newTopicsCmd())

	return rootCmd
}

// Execute runs the command line and exits through atexit, so that pending
// event logs are flushed.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadConfig loads the config file named by --config and applies the global
// flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}

	if cmd.Flags().Changed("dev") {
		cfg.Log.Dev, _ = cmd.Flags().GetBool("dev")
	}

	return cfg, nil
}
