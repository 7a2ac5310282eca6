// Package memory is an in-process GraphStorage used for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Fault lets tests inject driver errors. It is called before every Tx
// operation with the operation name; a non-nil return fails that operation.
type Fault func(op string, kind common.Kind) error

type edge struct {
	common.Edge
	props   map[string]any
	created time.Time
	ended   time.Time
}

type node struct {
	common.Node
	revisions []common.Revision
}

// Store keeps the whole graph in memory. Write transactions are serialized
// and rolled back on error.
type Store struct {
	mu     sync.Mutex
	nodes  map[string]*node
	byKey  map[string]string
	edges  []*edge
	fault  Fault
	closed bool
	// unconstrained stores let transactions interleave and accept duplicate
	// natural keys; yield pauses every lookup.
	unconstrained bool
	yield         time.Duration
	// Writes counts committed write transactions that changed something.
	writes int
}

// Option configures a Store.
type Option func(*Store)

// WithoutKeyConstraint models a store that gives no per-key guarantee: write
// transactions run concurrently, each operation taking the store lock on its
// own, CreateNode accepts a second node for an existing natural key, and every
// lookup pauses for yield after reading. Linearizing writers is then entirely
// up to the caller.
func WithoutKeyConstraint(yield time.Duration) Option {
	return func(s *Store) {
		s.unconstrained = true
		s.yield = yield
	}
}

// WithFault installs a fault injector.
func WithFault(f Fault) Option {
	return func(s *Store) {
		s.fault = f
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[string]*node),
		byKey: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// begin opens a transaction. A constrained store holds the store lock until
// the returned end is called; an unconstrained one only checks it is open.
func (s *Store) begin(readOnly bool) (*tx, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: store closed", store.ErrTransient)
	}
	t := &tx{s: s, readOnly: readOnly, interleaved: s.unconstrained}
	if t.interleaved {
		s.mu.Unlock()
		return t, func() {}, nil
	}
	return t, s.mu.Unlock, nil
}

func (s *Store) Read(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	t, end, err := s.begin(true)
	if err != nil {
		return err
	}
	defer end()
	return fn(ctx, t)
}

func (s *Store) Write(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	t, end, err := s.begin(false)
	if err != nil {
		return err
	}
	defer end()
	err = fn(ctx, t)

	unlock := t.enter()
	defer unlock()
	if err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		return err
	}
	if len(t.undo) > 0 {
		s.writes++
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", store.ErrTransient)
	}
	if s.fault != nil {
		return s.fault("ping", "")
	}
	return ctx.Err()
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Seed inserts a node outside any transaction. It is how infrastructure nodes
// such as cities are provided.
func (s *Store) Seed(kind common.Kind, key common.NaturalKey, attrs common.AttributeMap) common.NodeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{s: s}
	h, err := t.create(kind, key, attrs, common.Provenance{IngestedAt: time.Now().UTC()})
	if err != nil {
		panic(err)
	}
	return h
}

// Count returns the number of nodes of kind.
func (s *Store) Count(kind common.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, nd := range s.nodes {
		if nd.Kind == kind {
			n++
		}
	}
	return n
}

// Writes returns the number of committed write transactions that changed state.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Node returns a copy of the node with key.
func (s *Store) Node(kind common.Kind, key common.NaturalKey) (common.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[store.NodeKey(kind, key)]
	if !ok {
		return common.Node{}, false
	}
	return s.nodes[id].copy(), true
}

// Revisions returns the revision history of the node with key.
func (s *Store) Revisions(kind common.Kind, key common.NaturalKey) []common.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[store.NodeKey(kind, key)]
	if !ok {
		return nil
	}
	return slices.Clone(s.nodes[id].revisions)
}

// EdgeRecord is a snapshot of a stored relationship.
type EdgeRecord struct {
	common.Edge
	Props map[string]any
	Ended bool
}

// Edges returns every relationship, including ended ones.
func (s *Store) Edges() []EdgeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EdgeRecord, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, EdgeRecord{Edge: e.Edge, Props: e.props, Ended: !e.ended.IsZero()})
	}
	return out
}

func (n *node) copy() common.Node {
	out := n.Node
	out.Attributes = n.Attributes.Clone()
	return out
}

type tx struct {
	s           *Store
	readOnly    bool
	interleaved bool
	undo        []func()
}

// enter takes the store lock for one operation of an interleaved transaction.
// Constrained transactions already hold it.
func (t *tx) enter() func() {
	if !t.interleaved {
		return func() {}
	}
	t.s.mu.Lock()
	return t.s.mu.Unlock
}

// pause widens the window between a lookup and the writes that depend on it.
func (t *tx) pause() {
	if t.interleaved && t.s.yield > 0 {
		time.Sleep(t.s.yield)
	}
}

func (t *tx) check(ctx context.Context, op string, kind common.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.s.fault != nil {
		return t.s.fault(op, kind)
	}
	return nil
}

func (t *tx) writable() error {
	if t.readOnly {
		return fmt.Errorf("%w: write in read transaction", store.ErrRejected)
	}
	return nil
}

func (t *tx) FindNodes(ctx context.Context, kind common.Kind, value string) ([]common.Node, error) {
	defer t.pause()
	defer t.enter()()
	if err := t.check(ctx, "find", kind); err != nil {
		return nil, err
	}
	var out []common.Node
	for _, n := range t.s.nodes {
		if n.Kind == kind && n.Key.Value == value {
			out = append(out, n.copy())
		}
	}
	store.SortNodes(out)
	return out, nil
}

func (t *tx) FindNodeByID(ctx context.Context, kind common.Kind, id string) (*common.Node, error) {
	defer t.pause()
	defer t.enter()()
	if err := t.check(ctx, "find_id", kind); err != nil {
		return nil, err
	}
	n, ok := t.s.nodes[id]
	if !ok || n.Kind != kind {
		return nil, store.ErrNotFound
	}
	out := n.copy()
	return &out, nil
}

func (t *tx) FindNodesByCitation(ctx context.Context, kind common.Kind, suffix string) ([]common.Node, error) {
	defer t.pause()
	defer t.enter()()
	if err := t.check(ctx, "find_citation", kind); err != nil {
		return nil, err
	}
	var out []common.Node
	for _, n := range t.s.nodes {
		if n.Kind == kind && n.Provenance.URL != "" && strings.HasSuffix(n.Provenance.URL, suffix) {
			out = append(out, n.copy())
		}
	}
	store.SortNodes(out)
	return out, nil
}

func (t *tx) CreateNode(ctx context.Context, kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (common.NodeHandle, error) {
	defer t.enter()()
	if err := t.writable(); err != nil {
		return common.NodeHandle{}, err
	}
	if err := t.check(ctx, "create", kind); err != nil {
		return common.NodeHandle{}, err
	}
	return t.create(kind, key, attrs, prov)
}

func (t *tx) create(kind common.Kind, key common.NaturalKey, attrs common.AttributeMap, prov common.Provenance) (common.NodeHandle, error) {
	nk := store.NodeKey(kind, key)
	prev, exists := t.s.byKey[nk]
	if exists && !t.s.unconstrained {
		return common.NodeHandle{}, fmt.Errorf("%w: %s already exists", store.ErrConstraint, nk)
	}
	id, err := gonanoid.New()
	if err != nil {
		return common.NodeHandle{}, err
	}
	h := common.NodeHandle{ID: id, Kind: kind, Key: key}
	clean := make(common.AttributeMap, len(attrs))
	for k, v := range attrs {
		if v != nil {
			clean[k] = v
		}
	}
	t.s.nodes[id] = &node{Node: common.Node{NodeHandle: h, Attributes: clean, Provenance: prov}}
	t.s.byKey[nk] = id
	t.undo = append(t.undo, func() {
		delete(t.s.nodes, id)
		switch {
		case t.s.byKey[nk] != id:
		case exists:
			t.s.byKey[nk] = prev
		default:
			delete(t.s.byKey, nk)
		}
	})
	return h, nil
}

func (t *tx) UpdateNode(ctx context.Context, h common.NodeHandle, patch common.AttributeMap, prov common.Provenance) error {
	defer t.enter()()
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.check(ctx, "update", h.Kind); err != nil {
		return err
	}
	n, ok := t.s.nodes[h.ID]
	if !ok {
		return store.ErrNotFound
	}
	prevAttrs, prevProv := n.Attributes.Clone(), n.Provenance
	for k, v := range patch {
		if v == nil {
			delete(n.Attributes, k)
			continue
		}
		n.Attributes[k] = v
	}
	n.Provenance = prov
	t.undo = append(t.undo, func() {
		n.Attributes, n.Provenance = prevAttrs, prevProv
	})
	return nil
}

func (t *tx) AppendRevision(ctx context.Context, h common.NodeHandle, rev common.Revision) error {
	defer t.enter()()
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.check(ctx, "revision", h.Kind); err != nil {
		return err
	}
	n, ok := t.s.nodes[h.ID]
	if !ok {
		return store.ErrNotFound
	}
	n.revisions = append(n.revisions, rev)
	at := len(n.revisions) - 1
	t.undo = append(t.undo, func() {
		n.revisions = slices.Delete(n.revisions, at, at+1)
	})
	return nil
}

func (t *tx) Links(ctx context.Context, h common.NodeHandle, types []string) ([]common.Link, error) {
	defer t.enter()()
	if err := t.check(ctx, "links", h.Kind); err != nil {
		return nil, err
	}
	var out []common.Link
	for _, e := range t.s.edges {
		if !e.ended.IsZero() || !slices.Contains(types, e.Type) {
			continue
		}
		var l common.Link
		switch h.ID {
		case e.From:
			l = common.Link{Type: e.Type, Direction: common.Outgoing, Target: t.handle(e.To)}
		case e.To:
			l = common.Link{Type: e.Type, Direction: common.Incoming, Target: t.handle(e.From)}
		default:
			continue
		}
		l.Props = e.props
		out = append(out, l)
	}
	return out, nil
}

func (t *tx) handle(id string) common.NodeHandle {
	if n, ok := t.s.nodes[id]; ok {
		return n.NodeHandle
	}
	return common.NodeHandle{ID: id}
}

func (t *tx) active(e common.Edge) *edge {
	for _, x := range t.s.edges {
		if x.Edge == e && x.ended.IsZero() {
			return x
		}
	}
	return nil
}

func (t *tx) CreateEdge(ctx context.Context, e common.Edge, props map[string]any) (bool, error) {
	defer t.enter()()
	if err := t.writable(); err != nil {
		return false, err
	}
	if err := store.ValidEdgeType(e.Type); err != nil {
		return false, err
	}
	if err := t.check(ctx, "edge", ""); err != nil {
		return false, err
	}
	if _, ok := t.s.nodes[e.From]; !ok {
		return false, store.ErrNotFound
	}
	if _, ok := t.s.nodes[e.To]; !ok {
		return false, store.ErrNotFound
	}
	if t.active(e) != nil {
		return false, nil
	}
	x := &edge{Edge: e, props: props, created: time.Now().UTC()}
	t.s.edges = append(t.s.edges, x)
	t.undo = append(t.undo, func() {
		t.s.edges = slices.DeleteFunc(t.s.edges, func(y *edge) bool { return y == x })
	})
	return true, nil
}

func (t *tx) EndEdge(ctx context.Context, e common.Edge, at time.Time) error {
	defer t.enter()()
	if err := t.writable(); err != nil {
		return err
	}
	if err := t.check(ctx, "end_edge", ""); err != nil {
		return err
	}
	x := t.active(e)
	if x == nil {
		return nil
	}
	x.ended = at
	t.undo = append(t.undo, func() {
		x.ended = time.Time{}
	})
	return nil
}
