package record

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lawgraph/ingest/pkg/common"
)

func mustParse(t *testing.T, line string) *Record {
	t.Helper()
	rec, err := Parse([]byte(line), 1)
	if err != nil {
		t.Fatalf("Parse(%s): %v", line, err)
	}
	return rec
}

func TestParse_FlatOfficer(t *testing.T) {
	rec := mustParse(t, `{"kind":"officer","badge":123,"agency":"A","first_name":" Jon ","gender":"m","ethnicity":"black or african american"}`)

	if rec.Kind != common.KindOfficer {
		t.Fatalf("expected officer, got %s", rec.Kind)
	}
	if rec.Key != (common.NaturalKey{Scope: "A", Value: "123"}) {
		t.Fatalf("unexpected key %+v", rec.Key)
	}
	want := map[string]any{
		"badge":      "123",
		"agency":     "A",
		"first_name": "Jon",
		"gender":     "Male",
		"ethnicity":  "Black/African American",
	}
	for k, v := range want {
		if rec.Attributes[k] != v {
			t.Fatalf("attribute %s = %v, want %v", k, rec.Attributes[k], v)
		}
	}
	if len(rec.References) != 0 {
		t.Fatalf("expected no references, got %+v", rec.References)
	}
}

func TestParse_ComplaintReferences(t *testing.T) {
	rec := mustParse(t, `{"kind":"complaint","record_id":"C1","agency":"A","officer_badges":["999","1000",""],"unit":"$ref:/units/7","location":{"city":"Springfield","state":"illinois"}}`)

	if rec.Key.Value != "C1" {
		t.Fatalf("record_id alias not applied, key %+v", rec.Key)
	}
	if rec.Attributes["location_city"] != "Springfield" || rec.Attributes["location_state"] != "IL" {
		t.Fatalf("location not flattened: %v", rec.Attributes)
	}
	if len(rec.References) != 3 {
		t.Fatalf("expected 3 references, got %+v", rec.References)
	}
	off := rec.References[0]
	if off.Target != common.KindOfficer || off.EdgeType != "FILED_AGAINST" || off.Key != (common.NaturalKey{Scope: "A", Value: "999"}) {
		t.Fatalf("unexpected officer reference %+v", off)
	}
	unit := rec.References[2]
	if unit.Form != ByCitation || unit.Key.Value != "/units/7" {
		t.Fatalf("expected citation reference, got %+v", unit)
	}
}

func TestParse_Envelope(t *testing.T) {
	rec := mustParse(t, `{"model":"document","source_uid":"S1","url":"https://feed.example/c/1","scraped_at":"2024-01-02 03:04:05","data":{"url":"https://docs.example/a.pdf","title":"Report","complaint_id":"C1","agency":"A"}}`)

	if rec.Kind != common.KindDocument || rec.Key.Value != "https://docs.example/a.pdf" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Citation.Source != "S1" || rec.Citation.URL != "https://feed.example/c/1" {
		t.Fatalf("unexpected citation %+v", rec.Citation)
	}
	if !rec.Citation.ScrapedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected scraped_at %v", rec.Citation.ScrapedAt)
	}
	if _, ok := rec.Attributes["agency"]; ok {
		t.Fatal("reference scope must not be persisted on documents")
	}
	if len(rec.References) != 1 || rec.References[0].Key != (common.NaturalKey{Scope: "A", Value: "C1"}) {
		t.Fatalf("unexpected references %+v", rec.References)
	}
}

func TestParse_CompositeKeyAndUIDReference(t *testing.T) {
	rec := mustParse(t, `{"kind":"allegation","agency":"A","complaint_id":"C1","id":"2","officer_badge":"V1StGXR8_Z5jdHi6B-myT"}`)
	if rec.Key.Value != "C1"+KeySep+"2" {
		t.Fatalf("unexpected composite key %q", rec.Key.Value)
	}
	var found bool
	for _, r := range rec.References {
		if r.EdgeType == "ACCUSED_OF" {
			found = true
			if r.Form != ByUID || r.Direction != common.Incoming {
				t.Fatalf("unexpected accused reference %+v", r)
			}
		}
	}
	if !found {
		t.Fatal("missing ACCUSED_OF reference")
	}
}

func TestParse_CompositeKeysDoNotCollide(t *testing.T) {
	a := mustParse(t, `{"kind":"allegation","agency":"A","complaint_id":"1#2","id":"3"}`)
	b := mustParse(t, `{"kind":"allegation","agency":"A","complaint_id":"1","id":"2#3"}`)
	if a.Key == b.Key {
		t.Fatalf("distinct allegations share key %+v", a.Key)
	}
	if got := JoinKey("1#2", "3"); got != `1\#2#3` {
		t.Fatalf("unexpected escaped key %q", got)
	}
}

func TestParse_EmploymentProps(t *testing.T) {
	rec := mustParse(t, `{"kind":"officer","agency":"A","badge":"5","employment":[{"unit":"Patrol","earliest_date":"March 2010","highest_rank":"Sergeant"}]}`)
	if len(rec.References) != 1 {
		t.Fatalf("expected one employment reference, got %+v", rec.References)
	}
	props := rec.References[0].Props
	if props["earliest_date"] != "2010-03-01" || props["highest_rank"] != "Sergeant" {
		t.Fatalf("unexpected props %v", props)
	}
}

func TestParse_KindAliases(t *testing.T) {
	for _, kind := range []string{"citizen", "Complainant", "civilian"} {
		rec := mustParse(t, `{"kind":"`+kind+`","id":"7"}`)
		if rec.Kind != common.KindCivilian {
			t.Fatalf("%s: expected civilian, got %s", kind, rec.Kind)
		}
	}
}

func TestParse_ExplicitNullClears(t *testing.T) {
	rec := mustParse(t, `{"kind":"officer","agency":"A","badge":"5","rank":null,"middle_name":""}`)
	for _, k := range []string{"rank", "middle_name"} {
		v, ok := rec.Attributes[k]
		if !ok || v != nil {
			t.Fatalf("expected explicit nil for %s, got %v (present %v)", k, v, ok)
		}
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"malformed", `{"kind":"officer",`, "malformed JSON"},
		{"not an object", `["officer"]`, "malformed JSON"},
		{"missing kind", `{"badge":"1"}`, "missing kind"},
		{"unknown kind", `{"kind":"spaceship"}`, "unknown kind"},
		{"missing key", `{"kind":"officer","agency":"A"}`, `missing natural key field "badge"`},
		{"missing scope", `{"kind":"officer","badge":"1"}`, `missing natural key field "agency"`},
		{"unknown attribute", `{"kind":"officer","agency":"A","badge":"1","shoe_size":11}`, `unknown attribute "shoe_size"`},
		{"bad enum", `{"kind":"agency","name":"X","jurisdiction":"galactic"}`, "not a valid jurisdiction"},
		{"bad date", `{"kind":"officer","agency":"A","badge":"1","date_of_birth":"someday"}`, "date_of_birth"},
		{"bad email", `{"kind":"agency","name":"X","email":"nope"}`, "valid email"},
		{"bad int", `{"kind":"civilian","id":"1","age":"old"}`, "age"},
		{"bad scraped_at", `{"kind":"civilian","id":"1","scraped_at":"whenever"}`, "scraped_at"},
		{"nested reference", `{"kind":"complaint","agency":"A","id":"1","unit":{"name":"x"}}`, "reference must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.line), 7)
			var ve *common.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Line != 7 {
				t.Fatalf("expected line 7, got %d", ve.Line)
			}
			if !strings.Contains(ve.Reason, tt.reason) {
				t.Fatalf("reason %q does not mention %q", ve.Reason, tt.reason)
			}
		})
	}
}

func TestEnum_Normalize(t *testing.T) {
	tests := []struct {
		e    *Enum
		in   string
		want string
		ok   bool
	}{
		{Gender, "FEMALE", "Female", true},
		{Ethnicity, "Hispanic", "Hispanic/Latino", true},
		{Ethnicity, "Native Hawaiian or Other Pacific Islander", "Native Hawaiian/Pacific Islander", true},
		{State, "new york", "NY", true},
		{State, "ny", "NY", true},
		{Jurisdiction, "municipal", "MUNICIPAL", true},
		{LegalCaseType, "civil", "CIVIL", true},
		{Gender, "unknown-value", "", false},
	}
	for _, tt := range tests {
		got, ok := tt.e.Normalize(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("%s.Normalize(%q) = %q, %v; want %q, %v", tt.e.Name, tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
