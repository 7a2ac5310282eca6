// Package record parses feed lines into typed entity records.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/diff"
)

// RefForm tells the resolver how to interpret a reference value.
type RefForm int

const (
	// ByKey looks the value up as a natural key.
	ByKey RefForm = iota
	// ByUID tries the value as a node uid first and falls back to ByKey.
	ByUID
	// ByCitation matches the value against the suffix of a node's provenance url.
	ByCitation
)

// CitationPrefix marks a reference value resolved through provenance urls.
const CitationPrefix = "$ref:"

// Citation is the origin of a record as reported by the feed.
type Citation struct {
	Source    string    `validate:"omitempty,max=256"`
	URL       string    `validate:"omitempty,url"`
	ScrapedAt time.Time `validate:"-"`
}

// Reference is one resolved-to-be link from a record to another entity.
type Reference struct {
	Ref
	Key   common.NaturalKey
	Form  RefForm
	Props map[string]any
}

// Record is a validated entity record.
type Record struct {
	Kind       common.Kind
	Key        common.NaturalKey
	Attributes common.AttributeMap
	References []Reference
	Citation   Citation
	Line       int
}

// Schema returns the static schema of the record's kind.
func (r *Record) Schema() *Schema {
	s, _ := Lookup(r.Kind)
	return s
}

var (
	validate  = validator.New()
	uidShape  = regexp.MustCompile(`^[A-Za-z0-9_-]{21}$`)
	envFields = map[string]bool{
		"kind": true, "model": true, "data": true,
		"source": true, "source_uid": true, "source_url": true, "scraped_at": true,
	}
)

const scrapedAtLayout = "2006-01-02 15:04:05"

// Parse decodes and validates one feed line. Failures are returned as
// *common.ValidationError.
func Parse(raw []byte, line int) (*Record, error) {
	invalid := func(kind common.Kind, format string, args ...any) error {
		return &common.ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...), Line: line}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return nil, invalid("", "malformed JSON: %v", err)
	}
	if dec.More() {
		return nil, invalid("", "malformed JSON: trailing data after object")
	}
	if top == nil {
		return nil, invalid("", "malformed JSON: expected an object")
	}

	kindName, _ := top["kind"].(string)
	if kindName == "" {
		kindName, _ = top["model"].(string)
	}
	kind := Canonical(common.Kind(strings.ToLower(strings.TrimSpace(kindName))))
	if kind == "" {
		return nil, invalid("", "missing kind")
	}
	schema, ok := Lookup(kind)
	if !ok {
		return nil, invalid(kind, "unknown kind %q", kindName)
	}

	fields, cit, err := splitEnvelope(top)
	if err != nil {
		return nil, invalid(kind, "%v", err)
	}
	if err := validate.Struct(cit); err != nil {
		return nil, invalid(kind, "citation: %v", err)
	}

	rec := &Record{
		Kind:       kind,
		Attributes: make(common.AttributeMap),
		Citation:   cit,
		Line:       line,
	}
	if err := rec.fill(schema, fields); err != nil {
		return nil, invalid(kind, "%v", err)
	}
	return rec, nil
}

// splitEnvelope separates citation fields from entity fields. In envelope form
// the top-level url is the citation and data holds the entity.
func splitEnvelope(top map[string]any) (map[string]any, Citation, error) {
	var cit Citation
	fields := make(map[string]any, len(top))
	data, enveloped := top["data"].(map[string]any)

	for k, v := range top {
		if envFields[k] || (enveloped && k == "url") {
			continue
		}
		fields[k] = v
	}
	for k, v := range data {
		fields[k] = v
	}

	cit.Source = stringOf(top["source"])
	if cit.Source == "" {
		cit.Source = stringOf(top["source_uid"])
	}
	if enveloped {
		cit.URL = stringOf(top["url"])
	} else {
		cit.URL = stringOf(top["source_url"])
	}
	if s := stringOf(top["scraped_at"]); s != "" {
		t, err := time.Parse(scrapedAtLayout, s)
		if err != nil {
			t, err = diff.ParseDate(s)
			if err != nil {
				return nil, Citation{}, fmt.Errorf("invalid scraped_at %q", s)
			}
		}
		cit.ScrapedAt = t.UTC()
	}
	return fields, cit, nil
}

func (r *Record) fill(s *Schema, fields map[string]any) error {
	for alias, canonical := range s.Aliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		delete(fields, alias)
		if _, exists := fields[canonical]; !exists {
			fields[canonical] = v
		}
	}
	for _, prefix := range s.Flatten {
		obj, ok := fields[prefix].(map[string]any)
		if !ok {
			continue
		}
		delete(fields, prefix)
		for k, v := range obj {
			fields[prefix+"_"+k] = v
		}
	}

	refFields := make(map[string]bool)
	scopeOnly := make(map[string]bool)
	if s.ScopeField != "" {
		scopeOnly[s.ScopeField] = true
	}
	for _, ref := range s.Refs {
		refFields[ref.Field] = true
		if ref.ScopeField != "" {
			scopeOnly[ref.ScopeField] = true
		}
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		f, isAttr := s.Fields[name]
		if !isAttr {
			if !refFields[name] && !scopeOnly[name] {
				return fmt.Errorf("unknown attribute %q", name)
			}
			continue
		}
		v, err := normalizeField(name, f, fields[name])
		if err != nil {
			return err
		}
		r.Attributes[name] = v
	}

	key := make([]string, 0, len(s.Key))
	for _, k := range s.Key {
		v := stringOf(fields[k])
		if v == "" {
			return fmt.Errorf("missing natural key field %q", k)
		}
		key = append(key, v)
	}
	r.Key.Value = JoinKey(key...)
	if s.ScopeField != "" {
		r.Key.Scope = stringOf(fields[s.ScopeField])
		if r.Key.Scope == "" {
			return fmt.Errorf("missing natural key field %q", s.ScopeField)
		}
	}

	for _, ref := range s.Refs {
		refs, err := r.parseRef(ref, fields)
		if err != nil {
			return err
		}
		r.References = append(r.References, refs...)
	}
	return nil
}

func normalizeField(name string, f Field, raw any) (any, error) {
	v, err := diff.Normalize(f.Type.diffType(), raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case FieldEnum:
		canonical, ok := f.Enum.Normalize(v.(string))
		if !ok {
			return nil, fmt.Errorf("%s: %q is not a valid %s", name, v, f.Enum.Name)
		}
		return canonical, nil
	case FieldEmail:
		if err := validate.Var(v, "email"); err != nil {
			return nil, fmt.Errorf("%s: %q is not a valid email address", name, v)
		}
	case FieldURL:
		if err := validate.Var(v, "url"); err != nil {
			return nil, fmt.Errorf("%s: %q is not a valid url", name, v)
		}
	}
	return v, nil
}

func (r *Record) parseRef(ref Ref, fields map[string]any) ([]Reference, error) {
	raw, ok := fields[ref.Field]
	if !ok || raw == nil {
		return nil, nil
	}

	scope := ""
	if ref.ScopeField != "" {
		scope = stringOf(fields[ref.ScopeField])
	} else if Scoped(ref.Target) {
		scope = r.Key.Scope
	}

	var items []any
	switch x := raw.(type) {
	case []any:
		items = x
	default:
		items = []any{x}
	}

	var out []Reference
	for _, item := range items {
		var props map[string]any
		if ref.Object != "" {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: expected objects with a %q member", ref.Field, ref.Object)
			}
			item = obj[ref.Object]
			for name, ft := range ref.Props {
				v, err := normalizeField(ref.Field+"."+name, Field{Type: ft}, obj[name])
				if err != nil {
					return nil, err
				}
				if v != nil {
					if props == nil {
						props = make(map[string]any)
					}
					props[name] = v
				}
			}
		}
		if _, nested := item.(map[string]any); nested {
			return nil, fmt.Errorf("%s: reference must be a string or number", ref.Field)
		}
		value := stringOf(item)
		if value == "" {
			continue
		}
		if ref.Target == common.KindCity && scope != "" {
			if code, ok := State.Normalize(scope); ok {
				scope = code
			}
		}

		rr := Reference{Ref: ref, Key: common.NaturalKey{Scope: scope, Value: value}, Props: props}
		switch {
		case strings.HasPrefix(value, CitationPrefix):
			rr.Form = ByCitation
			rr.Key.Value = strings.TrimPrefix(value, CitationPrefix)
			if rr.Key.Value == "" {
				return nil, fmt.Errorf("%s: empty %s reference", ref.Field, CitationPrefix)
			}
		case uidShape.MatchString(value):
			rr.Form = ByUID
		}
		out = append(out, rr)
	}
	return out, nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	case bool, float64, int64:
		return fmt.Sprint(x)
	}
	return ""
}
