package cli

import (
	"github.com/spf13/cobra"

	"github.com/lawgraph/ingest/internal/migrations"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Down int
}

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		Long: `Apply the postgres schema used by the postgres backend and the run leases.

Example:
  loader migrate
  loader migrate --down 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Down, "down", 0, "roll back this many migrations instead")

	return cmd
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return WrapExitError(ExitConfigError, "DATABASE_URL is required", nil)
	}
	if opts.Down < 0 {
		return WrapExitError(ExitConfigError, "--down must not be negative", nil)
	}

	if opts.Down > 0 {
		if err := migrations.Down(cfg.DatabaseURL, opts.Down); err != nil {
			return WrapExitError(ExitFatal, "migration failed", err)
		}
		printf(cmd, "rolled back %d migration(s)\n", opts.Down)
		return nil
	}

	version, err := migrations.Up(cfg.DatabaseURL)
	if err != nil {
		return WrapExitError(ExitFatal, "migration failed", err)
	}
	printf(cmd, "schema at version %d\n", version)
	return nil
}
