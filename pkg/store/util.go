package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
)

// DedupeStrings drops empty and repeated values, keeping first occurrences.
func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NodeKey is the unique per-kind identity stored alongside every node.
func NodeKey(kind common.Kind, key common.NaturalKey) string {
	return string(kind) + ":" + key.Qualified()
}

// ValidEdgeType guards relationship types that end up interpolated into queries.
func ValidEdgeType(t string) error {
	if t == "" {
		return fmt.Errorf("%w: empty relationship type", ErrRejected)
	}
	for _, r := range t {
		if (r < 'A' || r > 'Z') && r != '_' && (r < '0' || r > '9') {
			return fmt.Errorf("%w: invalid relationship type %q", ErrRejected, t)
		}
	}
	return nil
}

// ProvenanceProps flattens a provenance stamp into node properties.
func ProvenanceProps(p common.Provenance) map[string]any {
	out := map[string]any{
		"prov_file":        p.SourceFile,
		"prov_line":        int64(p.Line),
		"prov_ingested_at": p.IngestedAt.UTC().Format(time.RFC3339Nano),
		"prov_run_id":      p.RunID,
		"prov_source":      nil,
		"prov_url":         nil,
		"prov_scraped_at":  nil,
	}
	if p.Source != "" {
		out["prov_source"] = p.Source
	}
	if p.URL != "" {
		out["prov_url"] = p.URL
	}
	if !p.ScrapedAt.IsZero() {
		out["prov_scraped_at"] = p.ScrapedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// ParseProvenance is the inverse of ProvenanceProps. Unknown keys are ignored.
func ParseProvenance(props map[string]any) common.Provenance {
	var p common.Provenance
	p.SourceFile, _ = props["prov_file"].(string)
	switch n := props["prov_line"].(type) {
	case int64:
		p.Line = int(n)
	case float64:
		p.Line = int(n)
	case int:
		p.Line = n
	}
	if s, ok := props["prov_ingested_at"].(string); ok {
		p.IngestedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	p.RunID, _ = props["prov_run_id"].(string)
	p.Source, _ = props["prov_source"].(string)
	p.URL, _ = props["prov_url"].(string)
	if s, ok := props["prov_scraped_at"].(string); ok {
		p.ScrapedAt, _ = time.Parse(time.RFC3339, s)
	}
	return p
}

// IsSystemProp reports whether a stored property is bookkeeping rather than
// an entity attribute.
func IsSystemProp(name string) bool {
	switch name {
	case "uid", "kind", "nk", "nk_scope", "nk_value":
		return true
	}
	return strings.HasPrefix(name, "prov_")
}

// SortNodes orders nodes by uid so lookups are deterministic.
func SortNodes(nodes []common.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// WithCallTimeout bounds every Tx call made through s by d. A call that runs
// out of time while the caller's context is still live fails with ErrTransient.
func WithCallTimeout(s GraphStorage, d time.Duration) GraphStorage {
	if d <= 0 {
		return s
	}
	return &timeoutStorage{GraphStorage: s, d: d}
}

type timeoutStorage struct {
	GraphStorage
	d time.Duration
}

func (s *timeoutStorage) Read(ctx context.Context, fn func(context.Context, Tx) error) error {
	return s.GraphStorage.Read(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &timeoutTx{tx: tx, d: s.d})
	})
}

func (s *timeoutStorage) Write(ctx context.Context, fn func(context.Context, Tx) error) error {
	return s.GraphStorage.Write(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &timeoutTx{tx: tx, d: s.d})
	})
}

func (s *timeoutStorage) Ping(ctx context.Context) error {
	return bounded(ctx, s.d, func(ctx context.Context) error { return s.GraphStorage.Ping(ctx) })
}

type timeoutTx struct {
	tx Tx
	d  time.Duration
}

func bounded(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil) {
		if errors.Is(err, ErrTransient) {
			return err
		}
		return fmt.Errorf("%w: call exceeded %s: %v", ErrTransient, d, err)
	}
	return err
}

func (t *timeoutTx) FindNodes(ctx context.Context, kind common.Kind, value string) (out []common.Node, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		out, err = t.tx.FindNodes(ctx, kind, value)
		return err
	})
	return out, err
}

func (t *timeoutTx) FindNodeByID(ctx context.Context, kind common.Kind, id string) (out *common.Node, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		out, err = t.tx.FindNodeByID(ctx, kind, id)
		return err
	})
	return out, err
}

func (t *timeoutTx) FindNodesByCitation(ctx context.Context, kind common.Kind, suffix string) (out []common.Node, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		out, err = t.tx.FindNodesByCitation(ctx, kind, suffix)
		return err
	})
	return out, err
}

func (t *timeoutTx) CreateNode(ctx context.Context, kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (out common.NodeHandle, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		out, err = t.tx.CreateNode(ctx, kind, key, attrs, prov)
		return err
	})
	return out, err
}

func (t *timeoutTx) UpdateNode(ctx context.Context, node common.NodeHandle, patch common.AttributeMap, prov common.Provenance) error {
	return bounded(ctx, t.d, func(ctx context.Context) error {
		return t.tx.UpdateNode(ctx, node, patch, prov)
	})
}

func (t *timeoutTx) AppendRevision(ctx context.Context, node common.NodeHandle, rev common.Revision) error {
	return bounded(ctx, t.d, func(ctx context.Context) error {
		return t.tx.AppendRevision(ctx, node, rev)
	})
}

func (t *timeoutTx) Links(ctx context.Context, node common.NodeHandle, types []string) (out []common.Link, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		out, err = t.tx.Links(ctx, node, types)
		return err
	})
	return out, err
}

func (t *timeoutTx) CreateEdge(ctx context.Context, e common.Edge, props map[string]any) (created bool, err error) {
	err = bounded(ctx, t.d, func(ctx context.Context) error {
		created, err = t.tx.CreateEdge(ctx, e, props)
		return err
	})
	return created, err
}

func (t *timeoutTx) EndEdge(ctx context.Context, e common.Edge, at time.Time) error {
	return bounded(ctx, t.d, func(ctx context.Context) error {
		return t.tx.EndEdge(ctx, e, at)
	})
}
