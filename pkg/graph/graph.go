package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/loader"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/record"
	"github.com/lawgraph/ingest/pkg/store"
	"github.com/lawgraph/ingest/pkg/upsert"
)

const progressEvery = 1000

// IngestParams describes one run. Source is stamped into provenance; an empty
// RunID gets a fresh uuid.
type IngestParams struct {
	Source string
	RunID  string
}

// IngestReader runs the pipeline over the lines of r.
func (g *GraphClient) IngestReader(ctx context.Context, r io.Reader, params IngestParams) (Summary, error) {
	return g.Ingest(ctx, loader.Lines(r), params)
}

// Ingest reconciles every line against the graph store and returns the run
// summary. Per-record problems are folded into the summary. The returned error
// is non-nil only when the run was aborted: the store stayed unreachable past
// the threshold, the input could not be read, or ctx was cancelled. It is then
// a *common.FatalError and the summary covers the records processed so far.
func (g *GraphClient) Ingest(ctx context.Context, lines iter.Seq2[loader.Line, error], params IngestParams) (Summary, error) {
	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	sum := Summary{RunID: runID, Source: params.Source, StartedAt: g.now().UTC()}
	base := common.Provenance{SourceFile: params.Source, RunID: runID}

	logger.Info("[Pipeline] Starting run", "run_id", runID, "source", params.Source, "workers", g.concurrency)

	if _, err := util.RetryBackoff(ctx, g.backoff, store.IsRetryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Ping(ctx)
	}); err != nil {
		fe := &common.FatalError{Reason: "graph store unreachable", Err: err}
		if ctx.Err() != nil {
			fe.Reason = "interrupted"
		}
		return g.abort(sum, fe)
	}

	dispatchCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	go g.graceTimer(dispatchCtx, workCtx, cancelWork)

	results := make(chan outcome, g.concurrency)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		b := breaker{threshold: g.unreachableThreshold}
		for o := range results {
			sum.add(o)
			if b.observe(o, g.now()) {
				stop(&common.FatalError{
					Reason: fmt.Sprintf("graph store unreachable for more than %s", g.unreachableThreshold),
					Err:    o.err,
				})
			}
			if sum.Records%progressEvery == 0 {
				logger.Info("[Pipeline] Progress", "run_id", runID, "records", sum.Records,
					"created", sum.Created, "updated", sum.Updated, "failed", sum.Failed)
			}
		}
	}()

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)

	for line, err := range lines {
		if dispatchCtx.Err() != nil {
			break
		}
		if err != nil {
			stop(&common.FatalError{Reason: "input unreadable", Err: err})
			break
		}
		eg.Go(func() error {
			results <- g.process(workCtx, line, base)
			return nil
		})
	}

	_ = eg.Wait()
	cancelWork()
	close(results)
	<-aggregated
	sum.finish(g.now().UTC())

	if cause := context.Cause(dispatchCtx); cause != nil {
		var fe *common.FatalError
		if !errors.As(cause, &fe) {
			fe = &common.FatalError{Reason: "interrupted", Err: cause}
		}
		return g.abort(sum, fe)
	}

	logger.Info("[Pipeline] Run finished", "run_id", runID, "records", sum.Records,
		"created", sum.Created, "updated", sum.Updated, "unchanged", sum.Unchanged,
		"failed", sum.Failed, "invalid", sum.Invalid, "partial", sum.Partial, "missing", len(sum.Missing))
	return sum, nil
}

func (g *GraphClient) abort(sum Summary, fe *common.FatalError) (Summary, error) {
	if sum.FinishedAt.IsZero() {
		sum.finish(g.now().UTC())
	}
	sum.Aborted = true
	sum.AbortReason = fe.Error()
	logger.Error("[Pipeline] Run aborted", "run_id", sum.RunID, "reason", sum.AbortReason, "records", sum.Records)
	return sum, fe
}

// graceTimer cancels the work context once dispatching has stopped and the
// shutdown grace has elapsed.
func (g *GraphClient) graceTimer(dispatchCtx, workCtx context.Context, cancelWork context.CancelFunc) {
	select {
	case <-dispatchCtx.Done():
	case <-workCtx.Done():
		return
	}
	t := time.NewTimer(g.shutdownGrace)
	defer t.Stop()
	select {
	case <-t.C:
		logger.Warn("[Pipeline] Shutdown grace elapsed, cancelling in-flight records", "grace", g.shutdownGrace)
		cancelWork()
	case <-workCtx.Done():
	}
}

// process runs parse, resolve and upsert for one line.
func (g *GraphClient) process(ctx context.Context, line loader.Line, base common.Provenance) outcome {
	rec, err := record.Parse(line.Data, line.Number)
	if err != nil {
		o := outcome{line: line.Number, invalid: true, err: err}
		var ve *common.ValidationError
		if errors.As(err, &ve) {
			o.kind = ve.Kind
		}
		logger.Warn("[Pipeline] Skipping invalid record", "line", line.Number, "err", err)
		return o
	}
	o := outcome{line: rec.Line, kind: rec.Kind, key: rec.Key}

	links, missing, err := g.resolver.ResolveRecord(ctx, rec)
	if err != nil {
		o.result.Outcome = common.Failed
		o.err = &common.RecordFailedError{Line: rec.Line, Kind: rec.Kind, Key: rec.Key, Err: fmt.Errorf("resolve: %w", err)}
		logger.Error("[Pipeline] Record failed", "line", rec.Line, "kind", rec.Kind, "key", rec.Key.Qualified(), "err", err)
		return o
	}
	for _, m := range missing {
		logger.Debug("[Resolve] Unresolved reference", "ref", m.String(), "reason", m.Reason)
	}

	res, err := g.coordinator.Apply(ctx, upsert.RequestFor(rec, links, missing, base))
	o.result = res
	if err != nil {
		if ctx.Err() != nil {
			err = &common.RecordFailedError{Line: rec.Line, Kind: rec.Kind, Key: rec.Key, Err: err}
		}
		o.result.Outcome = common.Failed
		o.result.Unresolved = missing
		o.err = err
		logger.Error("[Pipeline] Record failed", "line", rec.Line, "kind", rec.Kind, "key", rec.Key.Qualified(), "err", err)
		return o
	}

	logger.Debug("[Pipeline] Record applied", "line", rec.Line, "kind", rec.Kind, "key", rec.Key.Qualified(),
		"outcome", res.Outcome, "changes", len(res.Changeset.Attributes), "unresolved", len(res.Unresolved))
	return o
}
