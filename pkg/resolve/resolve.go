// Package resolve locates the nodes that record references point at.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/record"
	"github.com/lawgraph/ingest/pkg/store"
)

// Reasons reported for unresolved references.
const (
	ReasonNotFound  = "not found"
	ReasonAmbiguous = "ambiguous"
)

// Result is the outcome of one lookup. When Found is false, Reason says why.
type Result struct {
	Node   common.NodeHandle
	Found  bool
	Reason string
}

// Resolver looks up referenced nodes by natural key, uid or citation url.
// Successful lookups are cached for the resolver's lifetime: nodes are never
// deleted and natural keys never change, so a hit stays valid.
type Resolver struct {
	store   store.GraphStorage
	backoff util.Backoff

	mu    sync.RWMutex
	cache map[cacheKey]common.NodeHandle
}

type cacheKey struct {
	kind  common.Kind
	form  record.RefForm
	scope string
	value string
}

// NewResolverParams configures a Resolver.
type NewResolverParams struct {
	Store   store.GraphStorage
	Backoff util.Backoff
	// DisableCache forces every lookup to hit the store.
	DisableCache bool
}

func NewResolver(params NewResolverParams) *Resolver {
	r := &Resolver{store: params.Store, backoff: params.Backoff}
	if !params.DisableCache {
		r.cache = make(map[cacheKey]common.NodeHandle)
	}
	return r
}

// Resolve looks up kind by natural key. Only store failures that outlive the
// retry budget are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, kind common.Kind, key common.NaturalKey) (Result, error) {
	return r.lookup(ctx, kind, record.ByKey, key)
}

// ResolveReference resolves one record reference according to its form.
func (r *Resolver) ResolveReference(ctx context.Context, ref record.Reference) (Result, error) {
	return r.lookup(ctx, ref.Target, ref.Form, ref.Key)
}

func (r *Resolver) lookup(ctx context.Context, kind common.Kind, form record.RefForm, key common.NaturalKey) (Result, error) {
	ck := cacheKey{kind: kind, form: form, scope: key.Scope, value: key.Value}
	if h, ok := r.cached(ck); ok {
		return Result{Node: h, Found: true}, nil
	}

	res, err := util.RetryBackoff(ctx, r.backoff, store.IsRetryable, func(ctx context.Context) (Result, error) {
		var res Result
		err := r.store.Read(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			switch form {
			case record.ByCitation:
				res, err = byCitation(ctx, tx, kind, key.Value)
			case record.ByUID:
				res, err = byUID(ctx, tx, kind, key)
			default:
				res, err = byKey(ctx, tx, kind, key)
			}
			return err
		})
		return res, err
	})
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s:%s: %w", kind, key.Qualified(), err)
	}

	if res.Found {
		r.remember(ck, res.Node)
	} else {
		logger.Debug("[Resolve] unresolved reference", "kind", kind, "key", key.Qualified(), "reason", res.Reason)
	}
	return res, nil
}

func (r *Resolver) cached(ck cacheKey) (common.NodeHandle, bool) {
	if r.cache == nil {
		return common.NodeHandle{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.cache[ck]
	return h, ok
}

func (r *Resolver) remember(ck cacheKey, h common.NodeHandle) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	r.cache[ck] = h
	r.mu.Unlock()
}

// byKey prefers an exact match within the reference's scope. Without a scope
// a single candidate is accepted and several are ambiguous.
func byKey(ctx context.Context, tx store.Tx, kind common.Kind, key common.NaturalKey) (Result, error) {
	nodes, err := tx.FindNodes(ctx, kind, key.Value)
	if err != nil {
		return Result{}, err
	}
	if key.Scope != "" {
		var exact []common.Node
		for _, n := range nodes {
			if n.Key.Scope == key.Scope {
				exact = append(exact, n)
			}
		}
		nodes = exact
	}
	return pick(nodes), nil
}

func byUID(ctx context.Context, tx store.Tx, kind common.Kind, key common.NaturalKey) (Result, error) {
	n, err := tx.FindNodeByID(ctx, kind, key.Value)
	switch {
	case err == nil:
		return Result{Node: n.NodeHandle, Found: true}, nil
	case errors.Is(err, store.ErrNotFound):
		return byKey(ctx, tx, kind, key)
	default:
		return Result{}, err
	}
}

func byCitation(ctx context.Context, tx store.Tx, kind common.Kind, suffix string) (Result, error) {
	nodes, err := tx.FindNodesByCitation(ctx, kind, suffix)
	if err != nil {
		return Result{}, err
	}
	return pick(nodes), nil
}

func pick(nodes []common.Node) Result {
	switch len(nodes) {
	case 0:
		return Result{Reason: ReasonNotFound}
	case 1:
		return Result{Node: nodes[0].NodeHandle, Found: true}
	default:
		return Result{Reason: ReasonAmbiguous}
	}
}

// ResolveRecord resolves every reference of rec into desired links. References
// that cannot be resolved become missing-reference records; the caller still
// upserts the record without those links.
func (r *Resolver) ResolveRecord(ctx context.Context, rec *record.Record) ([]common.Link, []common.MissingReference, error) {
	var (
		links   []common.Link
		missing []common.MissingReference
	)
	for _, ref := range rec.References {
		res, err := r.ResolveReference(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		if !res.Found {
			missing = append(missing, common.MissingReference{
				FromKind: rec.Kind,
				FromKey:  rec.Key,
				Kind:     ref.Target,
				Key:      ref.Key,
				Line:     rec.Line,
				Reason:   res.Reason,
			})
			continue
		}
		links = append(links, common.Link{
			Type:      ref.EdgeType,
			Direction: ref.Direction,
			Target:    res.Node,
			One:       ref.One,
			Props:     ref.Props,
		})
	}
	return links, missing, nil
}
