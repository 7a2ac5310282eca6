package common

import (
	"fmt"
	"strings"
	"time"
)

// Kind names an entity kind in the graph. Every persisted node carries exactly
// one kind, which doubles as its label in the graph store.
type Kind string

const (
	KindAgency     Kind = "agency"
	KindUnit       Kind = "unit"
	KindOfficer    Kind = "officer"
	KindComplaint  Kind = "complaint"
	KindAllegation Kind = "allegation"
	KindPenalty    Kind = "penalty"
	KindCivilian   Kind = "civilian"
	KindDocument   Kind = "document"
	KindLitigation Kind = "litigation"

	// KindCity is an infrastructure kind. City nodes are seeded separately and
	// are only ever referenced, never ingested.
	KindCity Kind = "city"
)

// Label returns the graph label used for the kind, e.g. "Officer".
func (k Kind) Label() string {
	if k == "" {
		return ""
	}
	b := []byte(k)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// NaturalKey is the business identifier of an entity. Scope is the agency (or,
// for cities, the state) the value is unique within; it is empty for kinds that
// are globally keyed.
type NaturalKey struct {
	Scope string `json:"scope,omitempty"`
	Value string `json:"value"`
}

// String renders the key the way it appears in missing-reference reports.
func (k NaturalKey) String() string {
	return k.Value
}

// Qualified renders the key including its scope. Slashes and backslashes
// inside scope and value are escaped, so distinct keys of one kind never
// render alike.
func (k NaturalKey) Qualified() string {
	if k.Scope == "" {
		return keyEscaper.Replace(k.Value)
	}
	return keyEscaper.Replace(k.Scope) + "/" + keyEscaper.Replace(k.Value)
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, "/", `\/`)

// AttributeMap maps attribute names to normalized values. Values are strings,
// int64, float64, bool or nil. A nil value is an explicit request to clear the
// attribute.
type AttributeMap map[string]any

// Clone returns a shallow copy of the map.
func (m AttributeMap) Clone() AttributeMap {
	if m == nil {
		return nil
	}
	out := make(AttributeMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NodeHandle identifies a persisted node. ID is the store's internal uid.
type NodeHandle struct {
	ID   string     `json:"id"`
	Kind Kind       `json:"kind"`
	Key  NaturalKey `json:"key"`
}

// Provenance records where and when a node was last written.
type Provenance struct {
	SourceFile string    `json:"source_file,omitempty"`
	Line       int       `json:"line,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`
	RunID      string    `json:"run_id,omitempty"`

	// Citation fields, present when the feed supplies them.
	Source    string    `json:"source,omitempty"`
	URL       string    `json:"url,omitempty"`
	ScrapedAt time.Time `json:"scraped_at,omitzero"`
}

// Node is the persisted counterpart of an entity record.
type Node struct {
	NodeHandle
	Attributes AttributeMap `json:"attributes"`
	Provenance Provenance   `json:"provenance"`
}

// Direction tells whether a link points away from or towards the node it is
// read from.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Link is a typed relationship seen from one endpoint.
//
// One marks cardinality-one relationship types: a node has at most one active
// link of that type and direction, so a new target ends the previous one.
type Link struct {
	Type      string         `json:"type"`
	Direction Direction      `json:"direction"`
	Target    NodeHandle     `json:"target"`
	One       bool           `json:"one,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
}

// SameEdge reports whether both links describe the same (type, direction, target) edge.
func (l Link) SameEdge(o Link) bool {
	return l.Type == o.Type && l.Direction == o.Direction && l.Target.ID == o.Target.ID
}

// Edge is a directed relationship between two node uids.
type Edge struct {
	From string
	Type string
	To   string
}

// EdgeFrom converts a link seen from node into a directed edge.
func EdgeFrom(node string, l Link) Edge {
	if l.Direction == Incoming {
		return Edge{From: l.Target.ID, Type: l.Type, To: node}
	}
	return Edge{From: node, Type: l.Type, To: l.Target.ID}
}

// Change is a single attribute difference.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changeset is the minimal set of differences between persisted and incoming
// state. An empty changeset means no store writes are needed.
type Changeset struct {
	Attributes  map[string]Change `json:"attributes,omitempty"`
	AddLinks    []Link            `json:"add_links,omitempty"`
	RemoveLinks []Link            `json:"remove_links,omitempty"`
}

// IsEmpty reports whether applying the changeset would be a no-op.
func (c Changeset) IsEmpty() bool {
	return len(c.Attributes) == 0 && len(c.AddLinks) == 0 && len(c.RemoveLinks) == 0
}

// Patch returns the attribute writes of the changeset.
func (c Changeset) Patch() AttributeMap {
	if len(c.Attributes) == 0 {
		return nil
	}
	out := make(AttributeMap, len(c.Attributes))
	for k, ch := range c.Attributes {
		out[k] = ch.New
	}
	return out
}

// Revision is an immutable record of one attribute changeset applied to a node.
type Revision struct {
	Changes    map[string]Change `json:"changes"`
	Provenance Provenance        `json:"provenance"`
}

// MissingReference is emitted when a referenced node cannot be found.
type MissingReference struct {
	FromKind Kind       `json:"from_kind"`
	FromKey  NaturalKey `json:"from_key"`
	Kind     Kind       `json:"kind"`
	Key      NaturalKey `json:"key"`
	Line     int        `json:"line"`
	Reason   string     `json:"reason,omitempty"`
}

// String renders the record in report format.
func (m MissingReference) String() string {
	return fmt.Sprintf("%s:%s -> %s:%s (line %d)", m.FromKind, m.FromKey, m.Kind, m.Key, m.Line)
}

// Outcome is the node-level result of reconciling one record.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// UpsertResult is what the upsert coordinator reports for one record. Unresolved
// may be non-empty for any outcome, which makes the result partial.
type UpsertResult struct {
	Outcome    Outcome            `json:"outcome"`
	Node       NodeHandle         `json:"node"`
	Changeset  Changeset          `json:"changeset"`
	Unresolved []MissingReference `json:"unresolved,omitempty"`
}

// Partial reports whether some references could not be resolved.
func (r UpsertResult) Partial() bool {
	return len(r.Unresolved) > 0
}
