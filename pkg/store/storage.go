package store

import (
	"context"
	"errors"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
)

// Sentinel errors every GraphStorage implementation wraps its driver errors in.
var (
	// ErrTransient marks timeouts and connection failures. The operation may
	// succeed when retried.
	ErrTransient = errors.New("transient store error")
	// ErrConstraint marks a uniqueness violation, usually a concurrent create of
	// the same natural key.
	ErrConstraint = errors.New("constraint violation")
	// ErrRejected marks a non-retryable rejection such as a type error.
	ErrRejected = errors.New("rejected by store")
	// ErrNotFound is returned when a node handle no longer resolves.
	ErrNotFound = errors.New("node not found")
)

// GraphStorage is the driver boundary of the ingestion engine. Implementations
// run fn inside a transaction: all writes made through tx commit together or
// not at all.
type GraphStorage interface {
	Read(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Write(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx exposes the graph operations available inside a transaction.
type Tx interface {
	// FindNodes returns every node of kind whose natural key value equals value,
	// across all scopes.
	FindNodes(ctx context.Context, kind common.Kind, value string) ([]common.Node, error)
	// FindNodeByID returns the node with the given uid, or ErrNotFound.
	FindNodeByID(ctx context.Context, kind common.Kind, id string) (*common.Node, error)
	// FindNodesByCitation returns nodes of kind whose provenance url ends with suffix.
	FindNodesByCitation(ctx context.Context, kind common.Kind, suffix string) ([]common.Node, error)

	// CreateNode fails with ErrConstraint when (kind, key) already exists.
	CreateNode(ctx context.Context, kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (common.NodeHandle, error)
	// UpdateNode writes only the keys of patch; nil values remove the attribute.
	UpdateNode(ctx context.Context, node common.NodeHandle, patch common.AttributeMap, prov common.Provenance) error
	AppendRevision(ctx context.Context, node common.NodeHandle, rev common.Revision) error

	// Links returns the active (not ended) links of node whose type is in types.
	Links(ctx context.Context, node common.NodeHandle, types []string) ([]common.Link, error)
	// CreateEdge is idempotent: it reports false when an active edge already exists.
	CreateEdge(ctx context.Context, e common.Edge, props map[string]any) (bool, error)
	// EndEdge stamps ended_at on the active edge, keeping it as history.
	EndEdge(ctx context.Context, e common.Edge, at time.Time) error
}

// FindExact returns the node of kind with exactly key, or nil.
func FindExact(ctx context.Context, tx Tx, kind common.Kind, key common.NaturalKey) (*common.Node, error) {
	nodes, err := tx.FindNodes(ctx, kind, key.Value)
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if nodes[i].Key.Scope == key.Scope {
			return &nodes[i], nil
		}
	}
	return nil, nil
}

// IsRetryable reports whether err is worth retrying at record granularity.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
