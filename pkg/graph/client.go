package graph

import (
	"time"

	"github.com/lawgraph/ingest/internal/util"
	"github.com/lawgraph/ingest/pkg/keylock"
	"github.com/lawgraph/ingest/pkg/resolve"
	"github.com/lawgraph/ingest/pkg/store"
	"github.com/lawgraph/ingest/pkg/upsert"
)

const (
	defaultConcurrency          = 4
	defaultUnreachableThreshold = 2 * time.Minute
	defaultShutdownGrace        = 30 * time.Second
)

// GraphClient is the ingestion pipeline. It reads records, resolves their
// references and reconciles them against the graph store with a bounded pool
// of workers.
//
// A GraphClient should be created using NewGraphClient.
type GraphClient struct {
	store       store.GraphStorage
	resolver    *resolve.Resolver
	coordinator *upsert.Coordinator
	backoff     util.Backoff

	concurrency          int
	unreachableThreshold time.Duration
	shutdownGrace        time.Duration
	now                  func() time.Time
}

// NewGraphClientParams defines the configuration parameters for creating
// a new GraphClient.
//
// Store is the graph store every worker shares.
// Locker linearizes upserts per natural key; defaults to an in-process lock.
// Concurrency is the number of workers.
// Backoff bounds retries of transient store failures per record.
// UnreachableThreshold is how long transient failures may persist without
// a single success before the run is aborted.
// ShutdownGrace is how long in-flight records may keep running after the
// run stops dispatching.
type NewGraphClientParams struct {
	Store                store.GraphStorage
	Locker               keylock.Locker
	Concurrency          int
	Backoff              util.Backoff
	UnreachableThreshold time.Duration
	ShutdownGrace        time.Duration
	DisableResolveCache  bool
	Now                  func() time.Time
}

// NewGraphClient creates and returns a new GraphClient configured with
// the provided parameters.
//
// Example:
//
//	client, err := graph.NewGraphClient(graph.NewGraphClientParams{
//		Store:       neo4jStore,
//		Concurrency: 8,
//		Backoff:     util.Backoff{MaxTries: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	summary, err := client.Ingest(ctx, loader.Lines(f), graph.IngestParams{Source: "officers.jsonl"})
func NewGraphClient(params NewGraphClientParams) (*GraphClient, error) {
	if params.Store == nil {
		return nil, errMissingStore
	}
	g := &GraphClient{
		store:                params.Store,
		backoff:              params.Backoff,
		concurrency:          params.Concurrency,
		unreachableThreshold: params.UnreachableThreshold,
		shutdownGrace:        params.ShutdownGrace,
		now:                  params.Now,
	}
	if g.concurrency <= 0 {
		g.concurrency = defaultConcurrency
	}
	if g.unreachableThreshold <= 0 {
		g.unreachableThreshold = defaultUnreachableThreshold
	}
	if g.shutdownGrace <= 0 {
		g.shutdownGrace = defaultShutdownGrace
	}
	if g.now == nil {
		g.now = time.Now
	}

	g.resolver = resolve.NewResolver(resolve.NewResolverParams{
		Store:        params.Store,
		Backoff:      params.Backoff,
		DisableCache: params.DisableResolveCache,
	})
	g.coordinator = upsert.NewCoordinator(upsert.NewCoordinatorParams{
		Store:   params.Store,
		Locker:  params.Locker,
		Backoff: params.Backoff,
		Now:     params.Now,
	})

	return g, nil
}

// Concurrency returns the configured worker count.
func (g *GraphClient) Concurrency() int {
	return g.concurrency
}
