// Package neo4j stores the graph in Neo4j. Every entity is an :Entity node
// that also carries its kind label (:Officer, :Complaint, ...), keyed by a
// unique nk property. Revisions hang off their node via REVISION_OF.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/logger"
	"github.com/lawgraph/ingest/pkg/store"
)

const constraintFailed = "Neo.ClientError.Schema.ConstraintValidationFailed"

var schemaStatements = []string{
	`CREATE CONSTRAINT entity_nk_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.nk IS UNIQUE`,
	`CREATE CONSTRAINT entity_uid_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.uid IS UNIQUE`,
	`CREATE INDEX entity_kind_value IF NOT EXISTS FOR (n:Entity) ON (n.kind, n.nk_value)`,
	`CREATE INDEX entity_kind_url IF NOT EXISTS FOR (n:Entity) ON (n.kind, n.prov_url)`,
}

// GraphStorage implements store.GraphStorage on a Neo4j driver.
type GraphStorage struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewGraphStorageParams configures the driver.
//
// MaxPoolSize bounds the connection pool; sessions beyond it wait up to
// AcquireTimeout for a free connection. MaxRetryTime bounds the driver's own
// transaction retries, which come before the caller's backoff.
type NewGraphStorageParams struct {
	URI            string
	User           string
	Password       string
	Database       string
	MaxPoolSize    int
	ConnectTimeout time.Duration
	AcquireTimeout time.Duration
	MaxRetryTime   time.Duration
}

// NewGraphStorage connects, verifies connectivity and makes sure the uniqueness
// constraints exist.
//
// Example:
//
//	s, err := neo4j.NewGraphStorage(ctx, neo4j.NewGraphStorageParams{
//		URI:         "neo4j://localhost:7687",
//		User:        "neo4j",
//		Password:    os.Getenv("GRAPH_PASSWORD"),
//		MaxPoolSize: 16,
//	})
func NewGraphStorage(ctx context.Context, params NewGraphStorageParams) (*GraphStorage, error) {
	if params.ConnectTimeout <= 0 {
		params.ConnectTimeout = 10 * time.Second
	}
	if params.AcquireTimeout <= 0 {
		params.AcquireTimeout = time.Minute
	}
	if params.MaxRetryTime <= 0 {
		params.MaxRetryTime = 5 * time.Second
	}
	auth := neo4j.BasicAuth(params.User, params.Password, "")
	driver, err := neo4j.NewDriverWithContext(params.URI, auth, func(cfg *neo4j.Config) {
		if params.MaxPoolSize > 0 {
			cfg.MaxConnectionPoolSize = params.MaxPoolSize
		}
		cfg.SocketConnectTimeout = params.ConnectTimeout
		cfg.ConnectionAcquisitionTimeout = params.AcquireTimeout
		cfg.MaxTransactionRetryTime = params.MaxRetryTime
	})
	if err != nil {
		return nil, fmt.Errorf("init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, params.ConnectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify connectivity: %w", mapErr(err))
	}

	s := &GraphStorage{driver: driver, database: params.Database}
	s.ensureSchema(ctx)
	logger.Info("[Neo4j] Connected", "uri", params.URI, "database", params.Database, "max_pool_size", params.MaxPoolSize)
	return s, nil
}

// ensureSchema is best effort. Missing privileges must not stop a run; the
// per-key lock still prevents duplicates within one process.
func (s *GraphStorage) ensureSchema(ctx context.Context) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	for _, q := range schemaStatements {
		res, err := session.Run(ctx, q, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			logger.Warn("[Neo4j] Schema init failed (continuing)", "statement", q, "err", err)
		}
	}
}

func (s *GraphStorage) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

func (s *GraphStorage) Read(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(context.WithoutCancel(ctx))
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, &graphTx{tx: tx})
	})
	return mapErr(err)
}

func (s *GraphStorage) Write(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(context.WithoutCancel(ctx))
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, &graphTx{tx: tx})
	})
	return mapErr(err)
}

// Ping runs the trivial query the connectivity check relies on.
func (s *GraphStorage) Ping(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(context.WithoutCancel(ctx))
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "RETURN 1", nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return mapErr(err)
}

func (s *GraphStorage) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

type graphTx struct {
	tx neo4j.ManagedTransaction
}

func (t *graphTx) collect(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := t.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, mapErr(err)
	}
	recs, err := res.Collect(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	return recs, nil
}

func (t *graphTx) nodes(ctx context.Context, cypher string, params map[string]any) ([]common.Node, error) {
	recs, err := t.collect(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	out := make([]common.Node, 0, len(recs))
	for _, rec := range recs {
		raw, _ := rec.Get("n")
		n, ok := raw.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected result %T", store.ErrRejected, raw)
		}
		out = append(out, decodeNode(n))
	}
	return out, nil
}

func (t *graphTx) FindNodes(ctx context.Context, kind common.Kind, value string) ([]common.Node, error) {
	return t.nodes(ctx,
		`MATCH (n:Entity {kind: $kind, nk_value: $value}) RETURN n ORDER BY n.uid`,
		map[string]any{"kind": string(kind), "value": value})
}

func (t *graphTx) FindNodeByID(ctx context.Context, kind common.Kind, id string) (*common.Node, error) {
	nodes, err := t.nodes(ctx,
		`MATCH (n:Entity {uid: $uid, kind: $kind}) RETURN n`,
		map[string]any{"kind": string(kind), "uid": id})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return &nodes[0], nil
}

func (t *graphTx) FindNodesByCitation(ctx context.Context, kind common.Kind, suffix string) ([]common.Node, error) {
	return t.nodes(ctx,
		`MATCH (n:Entity {kind: $kind}) WHERE n.prov_url ENDS WITH $suffix RETURN n ORDER BY n.uid`,
		map[string]any{"kind": string(kind), "suffix": suffix})
}

func (t *graphTx) CreateNode(ctx context.Context, kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (common.NodeHandle, error) {
	label := kind.Label()
	if err := validLabel(label); err != nil {
		return common.NodeHandle{}, err
	}
	uid, err := gonanoid.New()
	if err != nil {
		return common.NodeHandle{}, err
	}
	props := make(map[string]any, len(attrs)+12)
	for k, v := range attrs {
		if v != nil {
			props[k] = v
		}
	}
	for k, v := range store.ProvenanceProps(prov) {
		if v != nil {
			props[k] = v
		}
	}
	props["uid"] = uid
	props["kind"] = string(kind)
	props["nk"] = store.NodeKey(kind, key)
	props["nk_scope"] = key.Scope
	props["nk_value"] = key.Value

	if _, err := t.collect(ctx, `CREATE (n:Entity:`+label+`) SET n = $props`, map[string]any{"props": props}); err != nil {
		return common.NodeHandle{}, err
	}
	return common.NodeHandle{ID: uid, Kind: kind, Key: key}, nil
}

func (t *graphTx) UpdateNode(ctx context.Context, node common.NodeHandle, patch common.AttributeMap, prov common.Provenance) error {
	props := make(map[string]any, len(patch)+7)
	for k, v := range patch {
		props[k] = v
	}
	for k, v := range store.ProvenanceProps(prov) {
		props[k] = v
	}
	recs, err := t.collect(ctx,
		`MATCH (n:Entity {uid: $uid}) SET n += $props RETURN n.uid AS uid`,
		map[string]any{"uid": node.ID, "props": props})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *graphTx) AppendRevision(ctx context.Context, node common.NodeHandle, rev common.Revision) error {
	changes, err := json.Marshal(rev.Changes)
	if err != nil {
		return fmt.Errorf("%w: encode revision: %v", store.ErrRejected, err)
	}
	props := store.ProvenanceProps(rev.Provenance)
	props["changes"] = string(changes)
	recs, err := t.collect(ctx, `
MATCH (n:Entity {uid: $uid})
CREATE (r:Revision)-[:REVISION_OF]->(n)
SET r = $props
RETURN n.uid AS uid`,
		map[string]any{"uid": node.ID, "props": props})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *graphTx) Links(ctx context.Context, node common.NodeHandle, types []string) ([]common.Link, error) {
	types = store.DedupeStrings(types)
	if len(types) == 0 {
		return nil, nil
	}
	recs, err := t.collect(ctx, `
MATCH (n:Entity {uid: $uid})-[r]-(m:Entity)
WHERE type(r) IN $types AND r.ended_at IS NULL
RETURN type(r) AS type, startNode(r) = n AS outgoing, m, properties(r) AS props`,
		map[string]any{"uid": node.ID, "types": types})
	if err != nil {
		return nil, err
	}
	out := make([]common.Link, 0, len(recs))
	for _, rec := range recs {
		typ, _ := rec.Get("type")
		outgoing, _ := rec.Get("outgoing")
		raw, _ := rec.Get("m")
		m, ok := raw.(neo4j.Node)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected result %T", store.ErrRejected, raw)
		}
		l := common.Link{Target: decodeNode(m).NodeHandle}
		l.Type, _ = typ.(string)
		if o, _ := outgoing.(bool); !o {
			l.Direction = common.Incoming
		}
		if props, _ := rec.Get("props"); props != nil {
			l.Props = edgeProps(props.(map[string]any))
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *graphTx) CreateEdge(ctx context.Context, e common.Edge, props map[string]any) (bool, error) {
	if err := store.ValidEdgeType(e.Type); err != nil {
		return false, err
	}
	params := map[string]any{"from": e.From, "to": e.To}
	recs, err := t.collect(ctx,
		`MATCH (:Entity {uid: $from})-[r:`+e.Type+`]->(:Entity {uid: $to}) WHERE r.ended_at IS NULL RETURN count(r) AS c`,
		params)
	if err != nil {
		return false, err
	}
	if len(recs) > 0 {
		if c, _ := recs[0].Get("c"); c.(int64) > 0 {
			return false, nil
		}
	}

	edge := make(map[string]any, len(props)+1)
	for k, v := range props {
		if v != nil {
			edge[k] = v
		}
	}
	edge["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	params["props"] = edge
	recs, err = t.collect(ctx, `
MATCH (a:Entity {uid: $from}), (b:Entity {uid: $to})
CREATE (a)-[r:`+e.Type+`]->(b)
SET r = $props
RETURN count(r) AS c`, params)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, store.ErrNotFound
	}
	if c, _ := recs[0].Get("c"); c.(int64) == 0 {
		return false, store.ErrNotFound
	}
	return true, nil
}

func (t *graphTx) EndEdge(ctx context.Context, e common.Edge, at time.Time) error {
	if err := store.ValidEdgeType(e.Type); err != nil {
		return err
	}
	_, err := t.collect(ctx,
		`MATCH (:Entity {uid: $from})-[r:`+e.Type+`]->(:Entity {uid: $to}) WHERE r.ended_at IS NULL SET r.ended_at = $at`,
		map[string]any{"from": e.From, "to": e.To, "at": at.UTC().Format(time.RFC3339Nano)})
	return err
}

func decodeNode(n neo4j.Node) common.Node {
	var out common.Node
	out.ID, _ = n.Props["uid"].(string)
	kind, _ := n.Props["kind"].(string)
	out.Kind = common.Kind(kind)
	out.Key.Scope, _ = n.Props["nk_scope"].(string)
	out.Key.Value, _ = n.Props["nk_value"].(string)
	out.Attributes = make(common.AttributeMap, len(n.Props))
	for k, v := range n.Props {
		if !store.IsSystemProp(k) {
			out.Attributes[k] = v
		}
	}
	out.Provenance = store.ParseProvenance(n.Props)
	return out
}

func edgeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == "created_at" || k == "ended_at" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// validLabel guards node labels, which are interpolated into queries.
func validLabel(l string) error {
	if l == "" {
		return fmt.Errorf("%w: empty label", store.ErrRejected)
	}
	for _, r := range l {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return fmt.Errorf("%w: invalid label %q", store.ErrRejected, l)
		}
	}
	return nil
}

// mapErr wraps driver errors in the store sentinels, keeping the cause.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTransient) || errors.Is(err, store.ErrConstraint) ||
		errors.Is(err, store.ErrRejected) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, context.Canceled) {
		return err
	}

	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Code == constraintFailed {
		return fmt.Errorf("%w: %w", store.ErrConstraint, err)
	}
	var limit *neo4j.TransactionExecutionLimit
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) || errors.As(err, &limit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", store.ErrTransient, err)
	}
	if neo4j.IsNeo4jError(err) || neo4j.IsUsageError(err) {
		return fmt.Errorf("%w: %w", store.ErrRejected, err)
	}
	return err
}
