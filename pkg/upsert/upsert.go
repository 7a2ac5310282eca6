// Package upsert applies reconciled records to the graph store.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/diff"
	"github.com/lawgraph/ingest/pkg/keylock"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/record"
	"github.com/lawgraph/ingest/pkg/store"
)

const defaultMaxRaces = 10

// Request is everything the coordinator needs to reconcile one entity. The
// changeset is computed inside the write transaction, against the state the
// transaction observes.
type Request struct {
	Kind       common.Kind
	Key        common.NaturalKey
	Attributes common.AttributeMap
	Types      diff.Types
	// Links are the resolved references; LinkTypes the relationship types the
	// kind manages, used to read the node's current links.
	Links      []common.Link
	LinkTypes  []string
	Unresolved []common.MissingReference
	Provenance common.Provenance
	Line       int
}

// Coordinator linearizes upserts per natural key and applies changesets.
type Coordinator struct {
	store    store.GraphStorage
	locker   keylock.Locker
	backoff  util.Backoff
	maxRaces int
	now      func() time.Time
}

// NewCoordinatorParams configures a Coordinator.
type NewCoordinatorParams struct {
	Store  store.GraphStorage
	Locker keylock.Locker
	// Backoff bounds retries of transient store failures.
	Backoff util.Backoff
	// MaxRaceRetries bounds rereads after constraint violations.
	MaxRaceRetries int
	Now            func() time.Time
}

func NewCoordinator(params NewCoordinatorParams) *Coordinator {
	c := &Coordinator{
		store:    params.Store,
		locker:   params.Locker,
		backoff:  params.Backoff,
		maxRaces: params.MaxRaceRetries,
		now:      params.Now,
	}
	if c.locker == nil {
		c.locker = keylock.NewLocal()
	}
	if c.maxRaces <= 0 {
		c.maxRaces = defaultMaxRaces
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// RequestFor builds the request for a parsed record and its resolved links.
func RequestFor(rec *record.Record, links []common.Link, missing []common.MissingReference, prov common.Provenance) Request {
	s := rec.Schema()
	prov.Line = rec.Line
	prov.Source = rec.Citation.Source
	prov.URL = rec.Citation.URL
	prov.ScrapedAt = rec.Citation.ScrapedAt
	return Request{
		Kind:       rec.Kind,
		Key:        rec.Key,
		Attributes: rec.Attributes,
		Types:      s.Types(),
		Links:      links,
		LinkTypes:  s.LinkTypes(),
		Unresolved: missing,
		Provenance: prov,
		Line:       rec.Line,
	}
}

// Apply finds or creates the node for req.Key and applies the minimal
// changeset. Transient failures are retried with backoff and constraint races
// are retried by rereading. A key lock lost mid-write aborts the transaction
// and the record is reapplied under a fresh lock. Anything else fails the
// record with a *common.RecordFailedError; context cancellation is returned
// as is.
func (c *Coordinator) Apply(ctx context.Context, req Request) (common.UpsertResult, error) {
	key := store.NodeKey(req.Kind, req.Key)
	for relocks := 0; ; relocks++ {
		held, unlock, err := c.locker.Lock(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return common.UpsertResult{}, ctx.Err()
			}
			return c.failed(req, fmt.Errorf("lock: %w", err))
		}
		res, err := c.reconcile(held, req)
		lost := errors.Is(context.Cause(held), keylock.ErrLockLost)
		unlock()

		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return common.UpsertResult{}, ctx.Err()
		case !lost:
			return res, err
		case relocks >= c.maxRaces:
			return c.failed(req, keylock.ErrLockLost)
		}
		logger.Warn("[Upsert] key lock lost, reapplying", "kind", req.Kind, "key", req.Key.Qualified(), "attempt", relocks+1)
	}
}

// reconcile runs the write loop while the key lock is held. ctx is the held
// context, so a lost lock surfaces as its cancellation.
func (c *Coordinator) reconcile(ctx context.Context, req Request) (common.UpsertResult, error) {
	races := 0
	for {
		res, err := util.RetryBackoff(ctx, c.backoff, store.IsRetryable, func(ctx context.Context) (common.UpsertResult, error) {
			return c.attempt(ctx, req)
		})
		switch {
		case err == nil:
			res.Unresolved = req.Unresolved
			return res, nil
		case ctx.Err() != nil:
			return common.UpsertResult{}, ctx.Err()
		case errors.Is(err, store.ErrConstraint) && races < c.maxRaces:
			races++
			logger.Debug("[Upsert] constraint race, rereading", "kind", req.Kind, "key", req.Key.Qualified(), "attempt", races)
			if err := util.Sleep(ctx, c.backoff.Delay(races)); err != nil {
				return common.UpsertResult{}, err
			}
		default:
			return c.failed(req, err)
		}
	}
}

func (c *Coordinator) failed(req Request, err error) (common.UpsertResult, error) {
	return common.UpsertResult{Outcome: common.Failed, Unresolved: req.Unresolved},
		&common.RecordFailedError{Line: req.Line, Kind: req.Kind, Key: req.Key, Err: err}
}

func (c *Coordinator) attempt(ctx context.Context, req Request) (common.UpsertResult, error) {
	var res common.UpsertResult
	err := c.store.Write(ctx, func(ctx context.Context, tx store.Tx) error {
		res = common.UpsertResult{}
		prov := req.Provenance
		prov.IngestedAt = c.now().UTC()

		node, err := store.FindExact(ctx, tx, req.Kind, req.Key)
		if err != nil {
			return err
		}

		if node != nil && stale(node.Provenance, prov) {
			logger.Debug("[Upsert] skipping outdated record", "kind", req.Kind, "key", req.Key.Qualified(),
				"scraped_at", prov.ScrapedAt, "stored", node.Provenance.ScrapedAt)
			res.Outcome = common.Unchanged
			res.Node = node.NodeHandle
			return nil
		}

		var (
			existing      common.AttributeMap
			existingLinks []common.Link
		)
		if node != nil {
			existing = node.Attributes
			if existing == nil {
				existing = common.AttributeMap{}
			}
			if len(req.LinkTypes) > 0 {
				existingLinks, err = tx.Links(ctx, node.NodeHandle, req.LinkTypes)
				if err != nil {
					return err
				}
			}
		}
		cs := diff.Compute(existing, req.Attributes, req.Types, existingLinks, req.Links)
		res.Changeset = cs

		switch {
		case node == nil:
			h, err := tx.CreateNode(ctx, req.Kind, req.Key, cs.Patch(), prov)
			if err != nil {
				return err
			}
			res.Outcome = common.Created
			res.Node = h
		case cs.IsEmpty():
			res.Outcome = common.Unchanged
			res.Node = node.NodeHandle
			return nil
		default:
			if err := tx.UpdateNode(ctx, node.NodeHandle, cs.Patch(), prov); err != nil {
				return err
			}
			res.Outcome = common.Updated
			res.Node = node.NodeHandle
		}

		if len(cs.Attributes) > 0 {
			if err := tx.AppendRevision(ctx, res.Node, common.Revision{Changes: cs.Attributes, Provenance: prov}); err != nil {
				return err
			}
		}
		for _, l := range cs.RemoveLinks {
			if err := tx.EndEdge(ctx, common.EdgeFrom(res.Node.ID, l), prov.IngestedAt); err != nil {
				return err
			}
		}
		for _, l := range cs.AddLinks {
			if _, err := tx.CreateEdge(ctx, common.EdgeFrom(res.Node.ID, l), l.Props); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

// stale reports whether incoming was scraped before what is stored for the
// same citation url.
func stale(stored, incoming common.Provenance) bool {
	if incoming.ScrapedAt.IsZero() || stored.ScrapedAt.IsZero() || incoming.URL == "" {
		return false
	}
	return stored.URL == incoming.URL && incoming.ScrapedAt.Before(stored.ScrapedAt)
}
