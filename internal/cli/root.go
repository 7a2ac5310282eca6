// Package cli implements the loader command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lawgraph/ingest/internal/config"
	"github.com/lawgraph/ingest/internal/util"
)

// RootOptions holds flags shared by every command. Empty values keep what the
// environment configures.
type RootOptions struct {
	LogLevel string
	Backend  string
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Reconcile law-enforcement JSONL feeds into the graph",
		Long: `loader ingests JSON-lines feeds of agencies, units, officers, complaints
and related records into the graph store. Records are matched by natural key,
only changed attributes and relationships are written, and references that
cannot be resolved are listed in a timestamped missing-reference report.

Configuration is read from the environment (and a .env file); flags override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log verbosity (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "graph backend (neo4j|postgres|memory)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

// loadConfig reads the environment, applies the shared flags and any
// command-specific overrides, then validates the result.
func loadConfig(opts *RootOptions, overrides ...func(*config.Config)) (config.Config, error) {
	util.LoadEnv()
	cfg, err := config.Load()
	if err != nil {
		return cfg, WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
