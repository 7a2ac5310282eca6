// Package runner wires configuration into a ready-to-run ingestion: logging,
// the graph store, key locks, feed loaders and the reporter. The loader CLI and
// the queue worker share it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lawgraph/ingest/internal/config"
	"github.com/lawgraph/ingest/internal/queue"
	"github.com/lawgraph/ingest/internal/storage"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/graph"
	"github.com/lawgraph/ingest/pkg/keylock"
	"github.com/lawgraph/ingest/pkg/loader"
	fileloader "github.com/lawgraph/ingest/pkg/loader/io"
	s3loader "github.com/lawgraph/ingest/pkg/loader/s3"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/logger/console"
	"github.com/lawgraph/ingest/pkg/logger/file"
	"github.com/lawgraph/ingest/pkg/report"
	"github.com/lawgraph/ingest/pkg/store"
	"github.com/lawgraph/ingest/pkg/store/memory"
	neo4jstore "github.com/lawgraph/ingest/pkg/store/neo4j"
	pgxstore "github.com/lawgraph/ingest/pkg/store/pgx"
)

// SetupLogging installs the console logger and the per-run log file.
func SetupLogging(cfg config.Config, now time.Time) (*file.FileLogger, error) {
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{Level: cfg.Level()})
	fileLogger, err := file.NewFileLogger(file.FileLoggerParams{
		Dir:   cfg.LogDir,
		Level: cfg.Level(),
		Now:   now,
	})
	if err != nil {
		logger.Init(consoleLogger)
		return nil, err
	}
	logger.Init(consoleLogger, fileLogger)
	return fileLogger, nil
}

// OpenStore connects to the configured backend. Every call through the
// returned store is bounded by cfg.CallTimeout.
func OpenStore(ctx context.Context, cfg config.Config) (store.GraphStorage, error) {
	var (
		s   store.GraphStorage
		err error
	)
	switch cfg.Backend {
	case config.BackendNeo4j:
		s, err = neo4jstore.NewGraphStorage(ctx, neo4jstore.NewGraphStorageParams{
			URI:         cfg.GraphURI,
			User:        cfg.GraphUser,
			Password:    cfg.GraphPassword,
			Database:    cfg.GraphDatabase,
			MaxPoolSize: cfg.MaxPoolSize,
		})
	case config.BackendPostgres:
		s, err = pgxstore.NewGraphDBStorage(ctx, pgxstore.NewGraphDBStorageParams{
			URL:      cfg.DatabaseURL,
			MaxConns: int32(cfg.MaxPoolSize),
		})
	case config.BackendMemory:
		logger.Warn("[Run] Using the in-memory store, nothing will be persisted")
		s = memory.New()
	default:
		return nil, fmt.Errorf("unknown graph backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return store.WithCallTimeout(s, cfg.CallTimeout), nil
}

type Runner struct {
	cfg      config.Config
	store    store.GraphStorage
	locker   keylock.Locker
	loaders  loader.Mux
	reporter *report.Reporter
	closers  []func(context.Context) error
}

// NewRunnerParams configures a Runner. Store overrides the configured
// backend. Publisher receives missing references; when it is nil and RabbitMQ
// is configured the runner opens its own channel.
type NewRunnerParams struct {
	Config    config.Config
	Store     store.GraphStorage
	Publisher report.Publisher
}

// New connects everything the configuration enables. An optional service
// that is configured but unreachable is an error.
func New(ctx context.Context, params NewRunnerParams) (*Runner, error) {
	cfg := params.Config
	r := &Runner{
		cfg:      cfg,
		store:    params.Store,
		loaders:  loader.Mux{"": fileloader.NewFileFeedLoader(), "file": fileloader.NewFileFeedLoader()},
		reporter: &report.Reporter{Dir: cfg.ReportDir, Publisher: params.Publisher},
	}

	fail := func(err error) (*Runner, error) {
		_ = r.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	if r.store == nil {
		s, err := OpenStore(ctx, cfg)
		if err != nil {
			return fail(&common.FatalError{Reason: "graph store unreachable", Err: err})
		}
		r.store = s
		r.closers = append(r.closers, s.Close)
	}

	local := keylock.NewLocal()
	r.locker = local
	if cfg.RedisURL != "" {
		rl, err := keylock.NewRedis(ctx, cfg.RedisURL, keylock.RedisOptions{})
		if err != nil {
			return fail(err)
		}
		r.locker = keylock.Chain(local, rl)
		r.closers = append(r.closers, func(context.Context) error { return rl.Close() })
		logger.Info("[Run] Using distributed key locks")
	}

	if cfg.S3.Configured() {
		s3l, err := s3loader.NewS3FeedLoader(ctx, cfg.S3)
		if err != nil {
			return fail(err)
		}
		r.loaders["s3"] = s3l
		r.reporter.Uploader = &storage.ReportUploader{
			Client: s3l.Client(),
			Bucket: cfg.S3.Bucket,
			Prefix: cfg.ReportBucketPrefix,
		}
	}

	if r.reporter.Publisher == nil && cfg.RabbitConfigured() {
		conn, err := queue.Dial(cfg.RabbitURL())
		if err != nil {
			return fail(err)
		}
		r.closers = append(r.closers, func(context.Context) error { return conn.Close() })
		ch, err := conn.Channel()
		if err != nil {
			return fail(fmt.Errorf("open channel: %w", err))
		}
		r.closers = append(r.closers, func(context.Context) error { return ch.Close() })
		r.reporter.Publisher = queue.NewMissingPublisher(ch)
	}

	return r, nil
}

// Store returns the store runs write to.
func (r *Runner) Store() store.GraphStorage {
	return r.store
}

// RunParams describes one ingestion. Workers of zero uses the configured
// pool size.
type RunParams struct {
	Input   string
	Workers int
	RunID   string
}

type Result struct {
	Summary graph.Summary
	Report  report.Result
}

// Run ingests params.Input and writes the report. The report is written even
// when the run is aborted. The returned error is a *common.FatalError when the
// run could not complete; report delivery problems are only logged.
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	workers := params.Workers
	if workers <= 0 {
		workers = r.cfg.Workers
	}

	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Store:                r.store,
		Locker:               r.locker,
		Concurrency:          workers,
		Backoff:              r.cfg.Backoff(),
		UnreachableThreshold: r.cfg.UnreachableThreshold,
		ShutdownGrace:        r.cfg.ShutdownGrace,
		DisableResolveCache:  !r.cfg.ResolveCache,
	})
	if err != nil {
		return Result{}, err
	}

	var (
		sum    graph.Summary
		runErr error
	)
	rc, err := r.loaders.Open(ctx, params.Input)
	if err != nil {
		runErr = &common.FatalError{Reason: "input unreadable", Err: err}
		sum = abortedSummary(params, "input unreadable")
		logger.Error("[Run] Cannot open input", "input", params.Input, "err", err)
	} else {
		sum, runErr = client.IngestReader(ctx, rc, graph.IngestParams{Source: params.Input, RunID: params.RunID})
		if err := rc.Close(); err != nil {
			logger.Warn("[Run] Closing input failed", "input", params.Input, "err", err)
		}
	}

	rep, repErr := r.reporter.Report(context.WithoutCancel(ctx), sum)
	switch {
	case repErr == nil:
	case rep.SummaryPath == "":
		if runErr == nil {
			runErr = &common.FatalError{Reason: "report unwritable", Err: repErr}
		} else {
			runErr = errors.Join(runErr, repErr)
		}
	default:
		logger.Warn("[Run] Report delivery incomplete", "err", repErr)
	}

	logger.Info("[Run] Finished",
		"run_id", sum.RunID,
		"records", sum.Records,
		"created", sum.Created,
		"updated", sum.Updated,
		"unchanged", sum.Unchanged,
		"failed", sum.Failed,
		"invalid", sum.Invalid,
		"missing", len(sum.Missing),
		"aborted", sum.Aborted,
	)
	return Result{Summary: sum, Report: rep}, runErr
}

func abortedSummary(params RunParams, reason string) graph.Summary {
	now := time.Now().UTC()
	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return graph.Summary{
		RunID:       runID,
		Source:      params.Input,
		StartedAt:   now,
		FinishedAt:  now,
		Aborted:     true,
		AbortReason: reason,
	}
}

// Close releases every connection the runner opened, newest first.
func (r *Runner) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
