// Package diff computes minimal changesets between persisted and incoming
// entity state.
package diff

import (
	"sort"

	"github.com/lawgraph/ingest/pkg/common"
)

// Attributes compares persisted attributes against incoming ones.
//
// A nil existing map means the node does not exist yet: every non-nil incoming
// value is an add. Otherwise only semantically different keys are reported.
// Keys absent from incoming are preserved; an incoming nil clears the key if it
// is currently set.
func Attributes(existing, incoming common.AttributeMap, types Types) map[string]common.Change {
	changes := make(map[string]common.Change)
	for key, in := range incoming {
		t := types[key]
		newVal, err := Normalize(t, in)
		if err != nil {
			newVal = in
		}

		if existing == nil {
			if newVal != nil {
				changes[key] = common.Change{Old: nil, New: newVal}
			}
			continue
		}

		old, ok := existing[key]
		if !ok || old == nil {
			if newVal != nil {
				changes[key] = common.Change{Old: nil, New: newVal}
			}
			continue
		}
		if newVal == nil {
			changes[key] = common.Change{Old: old, New: nil}
			continue
		}
		if !Equal(t, old, newVal) {
			changes[key] = common.Change{Old: old, New: newVal}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

// Links compares the active links of a node against the desired ones.
//
// Links are additive: a desired link missing from existing is added, and an
// existing link absent from desired is kept. The exception is cardinality-one
// types: when desired names a target for such a type, every other active link
// of that type and direction is removed.
func Links(existing, desired []common.Link) (add, remove []common.Link) {
	one := make(map[linkSlot]common.Link)
	for _, d := range desired {
		if containsEdge(existing, d) || containsEdge(add, d) {
			continue
		}
		add = append(add, d)
	}
	for _, d := range desired {
		if d.One {
			one[linkSlot{d.Type, d.Direction}] = d
		}
	}
	for _, e := range existing {
		want, ok := one[linkSlot{e.Type, e.Direction}]
		if !ok || want.Target.ID == e.Target.ID {
			continue
		}
		e.One = true
		remove = append(remove, e)
	}
	sortLinks(add)
	sortLinks(remove)
	return add, remove
}

// Compute builds the full changeset for one record.
func Compute(existing common.AttributeMap, incoming common.AttributeMap, types Types, existingLinks, desiredLinks []common.Link) common.Changeset {
	add, remove := Links(existingLinks, desiredLinks)
	return common.Changeset{
		Attributes:  Attributes(existing, incoming, types),
		AddLinks:    add,
		RemoveLinks: remove,
	}
}

type linkSlot struct {
	typ string
	dir common.Direction
}

func containsEdge(links []common.Link, l common.Link) bool {
	for _, x := range links {
		if x.SameEdge(l) {
			return true
		}
	}
	return false
}

func sortLinks(links []common.Link) {
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Type != links[j].Type {
			return links[i].Type < links[j].Type
		}
		return links[i].Target.ID < links[j].Target.ID
	})
}
