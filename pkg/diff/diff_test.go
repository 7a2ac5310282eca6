package diff

import (
	"testing"

	"github.com/lawgraph/ingest/pkg/common"
)

func TestAttributes_AbsentNodeAddsEverything(t *testing.T) {
	incoming := common.AttributeMap{"badge": "123", "agency": "A", "first_name": "Jon", "rank": nil}
	changes := Attributes(nil, incoming, nil)
	if len(changes) != 3 {
		t.Fatalf("expected 3 adds, got %v", changes)
	}
	if c := changes["first_name"]; c.Old != nil || c.New != "Jon" {
		t.Fatalf("unexpected first_name change %+v", c)
	}
	if _, ok := changes["rank"]; ok {
		t.Fatal("nil value must not be added to a new node")
	}
}

func TestAttributes_EmptyIncomingIsNoop(t *testing.T) {
	if changes := Attributes(common.AttributeMap{"a": "x"}, common.AttributeMap{}, nil); changes != nil {
		t.Fatalf("expected no changes, got %v", changes)
	}
	if changes := Attributes(nil, nil, nil); changes != nil {
		t.Fatalf("expected no changes for empty record, got %v", changes)
	}
}

func TestAttributes_Semantics(t *testing.T) {
	types := Types{"date_of_birth": Date, "age": Int, "settlement_amount": Float, "name": String}
	tests := []struct {
		name     string
		existing common.AttributeMap
		incoming common.AttributeMap
		want     map[string]common.Change
	}{
		{
			name:     "identical",
			existing: common.AttributeMap{"name": "Jon"},
			incoming: common.AttributeMap{"name": "Jon"},
		},
		{
			name:     "whitespace noise",
			existing: common.AttributeMap{"name": "Jon"},
			incoming: common.AttributeMap{"name": "  Jon "},
		},
		{
			name:     "date formatting noise",
			existing: common.AttributeMap{"date_of_birth": "1980-03-01"},
			incoming: common.AttributeMap{"date_of_birth": "March 1980"},
		},
		{
			name:     "numeric string",
			existing: common.AttributeMap{"age": int64(42)},
			incoming: common.AttributeMap{"age": "42"},
		},
		{
			name:     "float vs int",
			existing: common.AttributeMap{"settlement_amount": float64(1500)},
			incoming: common.AttributeMap{"settlement_amount": "1,500.00"},
		},
		{
			name:     "omission preserves",
			existing: common.AttributeMap{"name": "Jon", "rank": "Sergeant"},
			incoming: common.AttributeMap{"name": "Jon"},
		},
		{
			name:     "explicit null clears",
			existing: common.AttributeMap{"rank": "Sergeant"},
			incoming: common.AttributeMap{"rank": nil},
			want:     map[string]common.Change{"rank": {Old: "Sergeant", New: nil}},
		},
		{
			name:     "empty string clears",
			existing: common.AttributeMap{"rank": "Sergeant"},
			incoming: common.AttributeMap{"rank": ""},
			want:     map[string]common.Change{"rank": {Old: "Sergeant", New: nil}},
		},
		{
			name:     "clearing an unset key is a noop",
			existing: common.AttributeMap{"name": "Jon"},
			incoming: common.AttributeMap{"rank": nil},
		},
		{
			name:     "single change",
			existing: common.AttributeMap{"name": "Jon", "age": int64(40)},
			incoming: common.AttributeMap{"name": "Jonathan", "age": 40},
			want:     map[string]common.Change{"name": {Old: "Jon", New: "Jonathan"}},
		},
		{
			name:     "untyped numeric and date inference",
			existing: common.AttributeMap{"x": "7", "d": "2020-01-05"},
			incoming: common.AttributeMap{"x": "7.0", "d": "2020-01-05T00:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Attributes(tt.existing, tt.incoming, types)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d changes, got %v", len(tt.want), got)
			}
			for k, w := range tt.want {
				g, ok := got[k]
				if !ok {
					t.Fatalf("missing change for %s", k)
				}
				if g.Old != w.Old || g.New != w.New {
					t.Fatalf("change %s = %+v, want %+v", k, g, w)
				}
			}
		})
	}
}

func link(typ, target string, one bool) common.Link {
	return common.Link{Type: typ, Target: common.NodeHandle{ID: target}, One: one}
}

func TestLinks_AdditiveAndIdempotent(t *testing.T) {
	existing := []common.Link{link("MEMBER_OF_UNIT", "u1", false)}
	desired := []common.Link{link("MEMBER_OF_UNIT", "u1", false), link("MEMBER_OF_UNIT", "u2", false), link("MEMBER_OF_UNIT", "u2", false)}

	add, remove := Links(existing, desired)
	if len(add) != 1 || add[0].Target.ID != "u2" {
		t.Fatalf("expected one add for u2, got %+v", add)
	}
	if len(remove) != 0 {
		t.Fatalf("many-links must never be removed, got %+v", remove)
	}

	add, remove = Links(existing, nil)
	if len(add) != 0 || len(remove) != 0 {
		t.Fatalf("omitted references must be preserved, got add=%v remove=%v", add, remove)
	}
}

func TestLinks_CardinalityOneReplacesTarget(t *testing.T) {
	existing := []common.Link{link("COMMANDED_BY", "o1", true), link("ESTABLISHED_BY", "a1", true)}
	desired := []common.Link{link("COMMANDED_BY", "o2", true)}

	add, remove := Links(existing, desired)
	if len(add) != 1 || add[0].Target.ID != "o2" {
		t.Fatalf("expected add o2, got %+v", add)
	}
	if len(remove) != 1 || remove[0].Target.ID != "o1" {
		t.Fatalf("expected o1 to be ended, got %+v", remove)
	}
}

func TestCompute_ChangesetMinimality(t *testing.T) {
	cs := Compute(
		common.AttributeMap{"a": "1", "b": "2", "c": "3"},
		common.AttributeMap{"a": "1", "b": "two", "c": "3"},
		nil, nil, nil,
	)
	if len(cs.Attributes) != 1 {
		t.Fatalf("expected exactly one changed attribute, got %v", cs.Attributes)
	}
	if cs.IsEmpty() {
		t.Fatal("changeset should not be empty")
	}
}

func TestNormalize_Errors(t *testing.T) {
	if _, err := Normalize(Int, "4.5"); err == nil {
		t.Fatal("expected error for fractional int")
	}
	if _, err := Normalize(Date, "not a date at all"); err == nil {
		t.Fatal("expected error for garbage date")
	}
	v, err := Normalize(Date, "October 7, 1970")
	if err != nil {
		t.Fatalf("dateparse fallback failed: %v", err)
	}
	if v != "1970-10-07" {
		t.Fatalf("expected 1970-10-07, got %v", v)
	}
}
