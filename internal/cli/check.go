package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lawgraph/ingest/internal/runner"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Timeout time.Duration
}

func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "check",
		Short:         "Verify the graph store is reachable",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up after this long")

	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	s, err := runner.OpenStore(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitFatal, "graph store unreachable", err)
	}
	defer s.Close(context.WithoutCancel(ctx))

	if err := s.Ping(ctx); err != nil {
		return WrapExitError(ExitFatal, "graph store unreachable", err)
	}
	printf(cmd, "%s backend reachable\n", cfg.Backend)
	return nil
}
