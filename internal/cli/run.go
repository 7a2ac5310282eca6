package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lawgraph/ingest/internal/config"
	"github.com/lawgraph/ingest/internal/runner"
	"github.com/lawgraph/ingest/pkg/logger"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Workers   int
	ReportDir string
	DryRun    bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Ingest a JSONL feed",
		Long: `Ingest a JSONL feed into the graph store.

The input is a local path, "-" for stdin, or s3://bucket/key when object
storage is configured. The run exits 0 when every record was processed, even
if some references stayed unresolved, and 1 when it had to abort.

Example:
  loader run officers.jsonl
  loader run --workers 8 s3://feeds/2024-01/complaints.jsonl
  loader run --dry-run --log-level debug officers.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "number of concurrent workers (default from WORKERS)")
	cmd.Flags().StringVar(&opts.ReportDir, "report-dir", "", "directory for the missing-reference report and summary")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "reconcile against an in-memory store without writing")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *RunOptions, input string) error {
	cfg, err := loadConfig(opts.RootOptions, func(c *config.Config) {
		if opts.Workers != 0 {
			c.Workers = opts.Workers
		}
		if opts.ReportDir != "" {
			c.ReportDir = opts.ReportDir
		}
		if opts.DryRun {
			c.Backend = config.BackendMemory
		}
	})
	if err != nil {
		return err
	}

	fileLogger, err := runner.SetupLogging(cfg, time.Now())
	if err != nil {
		return WrapExitError(ExitFatal, "cannot open run log", err)
	}
	defer logger.Close()
	logger.Info("[Loader] Starting", append(cfg.Redacted(), "input", input, "log", fileLogger.Path(), "dry_run", opts.DryRun)...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, runner.NewRunnerParams{Config: cfg})
	if err != nil {
		logger.Error("[Loader] Startup failed", "err", err)
		return WrapExitError(ExitFatal, "startup failed", err)
	}
	defer func() {
		if err := r.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("[Loader] Shutdown incomplete", "err", err)
		}
	}()

	res, runErr := r.Run(ctx, runner.RunParams{Input: input})

	sum := res.Summary
	printf(cmd, "run %s: %d records, %d created, %d updated, %d unchanged, %d failed, %d invalid, %d missing references\n",
		sum.RunID, sum.Records, sum.Created, sum.Updated, sum.Unchanged, sum.Failed, sum.Invalid, len(sum.Missing))
	if res.Report.MissingPath != "" {
		printf(cmd, "missing-reference report: %s\n", res.Report.MissingPath)
	}
	for _, u := range res.Report.Uploaded {
		printf(cmd, "uploaded: %s\n", u)
	}

	if runErr != nil {
		logger.Error("[Loader] Run aborted", "err", runErr)
		return WrapExitError(ExitFatal, "run aborted", runErr)
	}
	return nil
}
