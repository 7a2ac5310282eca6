// Package pgx stores the graph in PostgreSQL tables: nodes with a JSONB
// attribute column, edges with an ended_at history column and append-only
// node revisions. The schema lives in internal/migrations.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

type pool interface {
	BeginTx(ctx context.Context, opts pgxv5.TxOptions) (pgxv5.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// GraphDBStorage implements store.GraphStorage on PostgreSQL. Every Read and
// Write runs in its own database transaction.
type GraphDBStorage struct {
	pool pool
}

// NewGraphDBStorageParams configures the connection pool.
//
// URL is a postgres connection string.
// MaxConns bounds the pool; acquisitions beyond it wait for a free connection.
type NewGraphDBStorageParams struct {
	URL      string
	MaxConns int32
}

// NewGraphDBStorage opens a pool and verifies connectivity.
//
// Example:
//
//	s, err := pgx.NewGraphDBStorage(ctx, pgx.NewGraphDBStorageParams{
//		URL:      os.Getenv("DATABASE_URL"),
//		MaxConns: 16,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Close(ctx)
func NewGraphDBStorage(ctx context.Context, params NewGraphDBStorageParams) (*GraphDBStorage, error) {
	cfg, err := pgxpool.ParseConfig(params.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if params.MaxConns > 0 {
		cfg.MaxConns = params.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", mapErr(err))
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping database: %w", mapErr(err))
	}
	logger.Info("[Postgres] Connected", "max_conns", cfg.MaxConns)
	return NewGraphDBStorageWithPool(p), nil
}

// NewGraphDBStorageWithPool wraps an existing pool.
func NewGraphDBStorageWithPool(p *pgxpool.Pool) *GraphDBStorage {
	return &GraphDBStorage{pool: p}
}

func (s *GraphDBStorage) Read(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.run(ctx, pgxv5.TxOptions{AccessMode: pgxv5.ReadOnly}, fn)
}

func (s *GraphDBStorage) Write(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.run(ctx, pgxv5.TxOptions{IsoLevel: pgxv5.ReadCommitted}, fn)
}

func (s *GraphDBStorage) run(ctx context.Context, opts pgxv5.TxOptions, fn func(context.Context, store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(ctx, &graphTx{conn: tx}); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}

func (s *GraphDBStorage) Ping(ctx context.Context) error {
	return mapErr(s.pool.Ping(ctx))
}

func (s *GraphDBStorage) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type graphTx struct {
	conn pgxIConn
}

const nodeColumns = `uid, kind, nk_scope, nk_value, attributes, provenance`

func scanNodes(rows pgxv5.Rows) ([]common.Node, error) {
	defer rows.Close()
	var out []common.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, mapErr(rows.Err())
}

func scanNode(row pgxv5.Row) (common.Node, error) {
	var (
		n     common.Node
		kind  string
		attrs map[string]any
		prov  []byte
	)
	if err := row.Scan(&n.ID, &kind, &n.Key.Scope, &n.Key.Value, &attrs, &prov); err != nil {
		return n, err
	}
	n.Kind = common.Kind(kind)
	n.Attributes = common.AttributeMap(attrs)
	if len(prov) > 0 {
		if err := json.Unmarshal(prov, &n.Provenance); err != nil {
			return n, fmt.Errorf("%w: decode provenance of %s: %v", store.ErrRejected, n.ID, err)
		}
	}
	return n, nil
}

func (t *graphTx) FindNodes(ctx context.Context, kind common.Kind, value string) ([]common.Node, error) {
	rows, err := t.conn.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE kind = $1 AND nk_value = $2 ORDER BY uid`,
		string(kind), value)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanNodes(rows)
}

func (t *graphTx) FindNodeByID(ctx context.Context, kind common.Kind, id string) (*common.Node, error) {
	n, err := scanNode(t.conn.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE kind = $1 AND uid = $2`,
		string(kind), id))
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &n, nil
}

func (t *graphTx) FindNodesByCitation(ctx context.Context, kind common.Kind, suffix string) ([]common.Node, error) {
	rows, err := t.conn.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE kind = $1 AND prov_url LIKE '%' || $2 ESCAPE '\' ORDER BY uid`,
		string(kind), escapeLike(suffix))
	if err != nil {
		return nil, mapErr(err)
	}
	return scanNodes(rows)
}

func (t *graphTx) CreateNode(ctx context.Context, kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (common.NodeHandle, error) {
	uid, err := gonanoid.New()
	if err != nil {
		return common.NodeHandle{}, err
	}
	set, _ := splitPatch(attrs)
	attrJSON, err := json.Marshal(set)
	if err != nil {
		return common.NodeHandle{}, fmt.Errorf("%w: encode attributes: %v", store.ErrRejected, err)
	}
	provJSON, err := json.Marshal(prov)
	if err != nil {
		return common.NodeHandle{}, err
	}
	_, err = t.conn.Exec(ctx, `
INSERT INTO nodes (uid, kind, nk_scope, nk_value, attributes, provenance, prov_url)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, NULLIF($7, ''))`,
		uid, string(kind), key.Scope, key.Value, attrJSON, provJSON, prov.URL)
	if err != nil {
		return common.NodeHandle{}, mapErr(err)
	}
	return common.NodeHandle{ID: uid, Kind: kind, Key: key}, nil
}

func (t *graphTx) UpdateNode(ctx context.Context, node common.NodeHandle, patch common.AttributeMap, prov common.Provenance) error {
	set, remove := splitPatch(patch)
	setJSON, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("%w: encode attributes: %v", store.ErrRejected, err)
	}
	provJSON, err := json.Marshal(prov)
	if err != nil {
		return err
	}
	tag, err := t.conn.Exec(ctx, `
UPDATE nodes
SET attributes = (attributes || $2::jsonb) - $3::text[],
    provenance = $4::jsonb,
    prov_url   = NULLIF($5, ''),
    updated_at = now()
WHERE uid = $1`,
		node.ID, setJSON, remove, provJSON, prov.URL)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *graphTx) AppendRevision(ctx context.Context, node common.NodeHandle, rev common.Revision) error {
	changes, err := json.Marshal(rev.Changes)
	if err != nil {
		return fmt.Errorf("%w: encode revision: %v", store.ErrRejected, err)
	}
	prov, err := json.Marshal(rev.Provenance)
	if err != nil {
		return err
	}
	_, err = t.conn.Exec(ctx,
		`INSERT INTO node_revisions (node_uid, changes, provenance) VALUES ($1, $2::jsonb, $3::jsonb)`,
		node.ID, changes, prov)
	return mapErr(err)
}

func (t *graphTx) Links(ctx context.Context, node common.NodeHandle, types []string) ([]common.Link, error) {
	types = store.DedupeStrings(types)
	if len(types) == 0 {
		return nil, nil
	}
	rows, err := t.conn.Query(ctx, `
SELECT e.type, e.from_uid = $1, n.uid, n.kind, n.nk_scope, n.nk_value, e.props
FROM edges e
JOIN nodes n ON n.uid = CASE WHEN e.from_uid = $1 THEN e.to_uid ELSE e.from_uid END
WHERE (e.from_uid = $1 OR e.to_uid = $1)
  AND e.type = ANY($2)
  AND e.ended_at IS NULL
ORDER BY e.id`,
		node.ID, types)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []common.Link
	for rows.Next() {
		var (
			l        common.Link
			outgoing bool
			kind     string
			props    map[string]any
		)
		if err := rows.Scan(&l.Type, &outgoing, &l.Target.ID, &kind, &l.Target.Key.Scope, &l.Target.Key.Value, &props); err != nil {
			return nil, mapErr(err)
		}
		l.Target.Kind = common.Kind(kind)
		if !outgoing {
			l.Direction = common.Incoming
		}
		if len(props) > 0 {
			l.Props = props
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err())
}

func (t *graphTx) CreateEdge(ctx context.Context, e common.Edge, props map[string]any) (bool, error) {
	if err := store.ValidEdgeType(e.Type); err != nil {
		return false, err
	}
	var propsJSON []byte
	if len(props) > 0 {
		b, err := json.Marshal(props)
		if err != nil {
			return false, fmt.Errorf("%w: encode edge props: %v", store.ErrRejected, err)
		}
		propsJSON = b
	}
	tag, err := t.conn.Exec(ctx, `
INSERT INTO edges (from_uid, type, to_uid, props)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (from_uid, type, to_uid) WHERE ended_at IS NULL DO NOTHING`,
		e.From, e.Type, e.To, propsJSON)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *graphTx) EndEdge(ctx context.Context, e common.Edge, at time.Time) error {
	_, err := t.conn.Exec(ctx,
		`UPDATE edges SET ended_at = $4 WHERE from_uid = $1 AND type = $2 AND to_uid = $3 AND ended_at IS NULL`,
		e.From, e.Type, e.To, at.UTC())
	return mapErr(err)
}

// splitPatch separates attribute writes from removals.
func splitPatch(patch common.AttributeMap) (map[string]any, []string) {
	set := make(map[string]any, len(patch))
	var remove []string
	for k, v := range patch {
		if v == nil {
			remove = append(remove, k)
			continue
		}
		set[k] = v
	}
	if remove == nil {
		remove = []string{}
	}
	return set, remove
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// mapErr wraps driver errors in the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTransient) || errors.Is(err, store.ErrConstraint) ||
		errors.Is(err, store.ErrRejected) || errors.Is(err, store.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", store.ErrConstraint, pgErr.Message)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300",
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03",
			strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %s (%s)", store.ErrTransient, pgErr.Message, pgErr.Code)
		default:
			return fmt.Errorf("%w: %s (%s)", store.ErrRejected, pgErr.Message, pgErr.Code)
		}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) ||
		pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}
