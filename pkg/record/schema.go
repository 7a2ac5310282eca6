package record

import (
	"strings"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/diff"
)

// FieldType is the declared type of an attribute field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldFloat
	FieldDate
	FieldEnum
	FieldEmail
	FieldURL
)

// Field declares one attribute.
type Field struct {
	Type FieldType
	Enum *Enum
}

// Ref declares a reference field and the relationship it produces.
type Ref struct {
	// Field holds the referenced natural key (or keys, when it is an array).
	Field     string
	Target    common.Kind
	EdgeType  string
	Direction common.Direction
	One       bool
	// ScopeField names the record field scoping the target key. When empty and
	// the target kind is agency-scoped, the referring record's agency is used.
	ScopeField string
	// Object, when set, means Field is an array of objects and the key is read
	// from this member. Props lists members copied onto the relationship.
	Object string
	Props  map[string]FieldType
}

// Schema is the static description of one entity kind.
type Schema struct {
	Kind common.Kind
	// Key lists the fields forming the natural key value, joined by JoinKey.
	Key []string
	// ScopeField scopes the natural key, empty for globally keyed kinds.
	ScopeField string
	Fields     map[string]Field
	Aliases    map[string]string
	// Flatten lists object fields expanded into prefixed attributes.
	Flatten []string
	Refs    []Ref
}

// KeySep joins composite natural key values.
const KeySep = "#"

var keyPartEscaper = strings.NewReplacer(`\`, `\\`, KeySep, `\`+KeySep)

// JoinKey joins composite natural key parts with KeySep. Separators and
// backslashes inside a part are escaped, so distinct tuples never join alike.
func JoinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyPartEscaper.Replace(p)
	}
	return strings.Join(escaped, KeySep)
}

const scopeAgency = "agency"

var (
	str   = Field{Type: FieldString}
	date  = Field{Type: FieldDate}
	email = Field{Type: FieldEmail}
	link  = Field{Type: FieldURL}
)

func enum(e *Enum) Field { return Field{Type: FieldEnum, Enum: e} }

var schemas = map[common.Kind]*Schema{
	common.KindAgency: {
		Kind: common.KindAgency,
		Key:  []string{"name"},
		Fields: map[string]Field{
			"name":         str,
			"website_url":  link,
			"hq_address":   str,
			"hq_city":      str,
			"hq_state":     enum(State),
			"hq_zip":       str,
			"phone":        str,
			"email":        email,
			"description":  str,
			"jurisdiction": enum(Jurisdiction),
		},
		Refs: []Ref{
			{Field: "hq_city", ScopeField: "hq_state", Target: common.KindCity, EdgeType: "WITHIN_CITY", One: true},
		},
	},
	common.KindUnit: {
		Kind:       common.KindUnit,
		Key:        []string{"name"},
		ScopeField: scopeAgency,
		Fields: map[string]Field{
			"name":             str,
			"agency":           str,
			"website_url":      link,
			"phone":            str,
			"email":            email,
			"description":      str,
			"address":          str,
			"city":             str,
			"state":            enum(State),
			"zip":              str,
			"date_established": date,
		},
		Refs: []Ref{
			{Field: "agency", Target: common.KindAgency, EdgeType: "ESTABLISHED_BY", One: true},
			{Field: "commander_badge", Target: common.KindOfficer, EdgeType: "COMMANDED_BY", One: true},
		},
	},
	common.KindOfficer: {
		Kind:       common.KindOfficer,
		Key:        []string{"badge"},
		ScopeField: scopeAgency,
		Fields: map[string]Field{
			"badge":         str,
			"agency":        str,
			"first_name":    str,
			"middle_name":   str,
			"last_name":     str,
			"suffix":        str,
			"ethnicity":     enum(Ethnicity),
			"gender":        enum(Gender),
			"date_of_birth": date,
			"rank":          str,
			"state_id":      str,
		},
		Aliases: map[string]string{"units": "unit", "badge_number": "badge"},
		Refs: []Ref{
			{Field: "unit", Target: common.KindUnit, EdgeType: "MEMBER_OF_UNIT"},
			{
				Field: "employment", Object: "unit", Target: common.KindUnit, EdgeType: "MEMBER_OF_UNIT",
				Props: map[string]FieldType{"earliest_date": FieldDate, "latest_date": FieldDate, "highest_rank": FieldString},
			},
		},
	},
	common.KindComplaint: {
		Kind:       common.KindComplaint,
		Key:        []string{"id"},
		ScopeField: scopeAgency,
		Fields: map[string]Field{
			"id":                          str,
			"agency":                      str,
			"category":                    str,
			"incident_date":               date,
			"received_date":               date,
			"closed_date":                 date,
			"reason_for_contact":          str,
			"outcome_of_contact":          str,
			"location_type":               str,
			"location_description":        str,
			"location_address":            str,
			"location_city":               str,
			"location_state":              enum(State),
			"location_zip":                str,
			"location_responsibility":     str,
			"location_responsibility_type": str,
		},
		Aliases: map[string]string{"record_id": "id", "officer_badges": "officer_badge", "recieved_date": "received_date"},
		Flatten: []string{"location"},
		Refs: []Ref{
			{Field: "officer_badge", Target: common.KindOfficer, EdgeType: "FILED_AGAINST"},
			{Field: "unit", Target: common.KindUnit, EdgeType: "INVOLVED_UNIT"},
		},
	},
	common.KindAllegation: {
		Kind:       common.KindAllegation,
		Key:        []string{"complaint_id", "id"},
		ScopeField: scopeAgency,
		Fields: map[string]Field{
			"id":                  str,
			"complaint_id":        str,
			"agency":              str,
			"allegation":          str,
			"type":                str,
			"subtype":             str,
			"recommended_finding": str,
			"recommended_outcome": str,
			"finding":             str,
			"outcome":             str,
		},
		Aliases: map[string]string{"record_id": "id", "perpetrator_badge": "officer_badge"},
		Refs: []Ref{
			{Field: "complaint_id", Target: common.KindComplaint, EdgeType: "ALLEGED", Direction: common.Incoming, One: true},
			{Field: "officer_badge", Target: common.KindOfficer, EdgeType: "ACCUSED_OF", Direction: common.Incoming},
			{Field: "complainant_id", Target: common.KindCivilian, EdgeType: "REPORTED_BY"},
		},
	},
	common.KindPenalty: {
		Kind:       common.KindPenalty,
		Key:        []string{"complaint_id", "id"},
		ScopeField: scopeAgency,
		Fields: map[string]Field{
			"id":                 str,
			"complaint_id":       str,
			"agency":             str,
			"penalty":            str,
			"date_assessed":      date,
			"crb_plea":           str,
			"crb_case_status":    str,
			"crb_disposition":    str,
			"agency_disposition": str,
		},
		Refs: []Ref{
			{Field: "complaint_id", Target: common.KindComplaint, EdgeType: "RESULTS_IN", Direction: common.Incoming, One: true},
			{Field: "officer_badge", Target: common.KindOfficer, EdgeType: "RECEIVED", Direction: common.Incoming},
		},
	},
	common.KindCivilian: {
		Kind: common.KindCivilian,
		Key:  []string{"id"},
		Fields: map[string]Field{
			"id":        str,
			"age":       {Type: FieldInt},
			"age_group": str,
			"ethnicity": enum(Ethnicity),
			"gender":    enum(Gender),
		},
	},
	common.KindDocument: {
		Kind: common.KindDocument,
		Key:  []string{"url"},
		Fields: map[string]Field{
			"url":         link,
			"title":       str,
			"description": str,
			"hash":        str,
			"filetype":    str,
		},
		Refs: []Ref{
			{Field: "complaint_id", ScopeField: scopeAgency, Target: common.KindComplaint, EdgeType: "ATTACHED_TO", Direction: common.Incoming},
			{Field: "docket_number", Target: common.KindLitigation, EdgeType: "RELATED_TO", Direction: common.Incoming},
		},
	},
	common.KindLitigation: {
		Kind: common.KindLitigation,
		Key:  []string{"docket_number"},
		Fields: map[string]Field{
			"docket_number":     str,
			"agency":            str,
			"case_title":        str,
			"court_name":        str,
			"court_level":       enum(CourtLevel),
			"jurisdiction":      str,
			"state":             enum(State),
			"description":       str,
			"start_date":        date,
			"settlement_date":   date,
			"settlement_amount": {Type: FieldFloat},
			"url":               link,
			"case_type":         enum(LegalCaseType),
		},
		Refs: []Ref{
			{Field: "defendant_badges", ScopeField: scopeAgency, Target: common.KindOfficer, EdgeType: "NAMED_IN"},
		},
	},
}

// scopedKinds lists kinds whose natural key is scoped, and by what.
var scopedKinds = map[common.Kind]bool{
	common.KindCity: true,
}

func init() {
	for k, s := range schemas {
		if s.ScopeField != "" {
			scopedKinds[k] = true
		}
	}
}

// Lookup returns the schema for kind.
func Lookup(kind common.Kind) (*Schema, bool) {
	s, ok := schemas[kind]
	return s, ok
}

// kindAliases maps alternative feed names onto schema kinds.
var kindAliases = map[common.Kind]common.Kind{
	"citizen":     common.KindCivilian,
	"complainant": common.KindCivilian,
}

// Canonical resolves a kind alias. Unknown names are returned unchanged.
func Canonical(kind common.Kind) common.Kind {
	if k, ok := kindAliases[kind]; ok {
		return k
	}
	return kind
}

// Kinds lists every ingestible kind.
func Kinds() []common.Kind {
	out := make([]common.Kind, 0, len(schemas))
	for k := range schemas {
		out = append(out, k)
	}
	return out
}

// Scoped reports whether natural keys of kind carry a scope.
func Scoped(kind common.Kind) bool {
	return scopedKinds[kind]
}

// Types returns the comparison type of every attribute of the schema.
func (s *Schema) Types() diff.Types {
	out := make(diff.Types, len(s.Fields))
	for name, f := range s.Fields {
		out[name] = f.Type.diffType()
	}
	return out
}

// LinkTypes lists the relationship types the schema manages.
func (s *Schema) LinkTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.Refs {
		if !seen[r.EdgeType] {
			seen[r.EdgeType] = true
			out = append(out, r.EdgeType)
		}
	}
	return out
}

func (t FieldType) diffType() diff.Type {
	switch t {
	case FieldInt:
		return diff.Int
	case FieldFloat:
		return diff.Float
	case FieldDate:
		return diff.Date
	default:
		return diff.String
	}
}
