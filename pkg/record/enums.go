package record

import (
	"sort"
	"strings"
)

// Enum is a closed set of canonical values with case-insensitive aliases.
type Enum struct {
	Name    string
	values  map[string]string
	aliases map[string]string
	// substr enables free-text matching: an input containing an alias maps to it.
	substr []string
}

func newEnum(name string, values ...string) *Enum {
	e := &Enum{Name: name, values: make(map[string]string), aliases: make(map[string]string)}
	for _, v := range values {
		e.values[strings.ToLower(v)] = v
	}
	return e
}

func (e *Enum) alias(from, to string) *Enum {
	e.aliases[strings.ToLower(from)] = to
	return e
}

func (e *Enum) contains(fragment, to string) *Enum {
	e.alias(fragment, to)
	e.substr = append(e.substr, strings.ToLower(fragment))
	return e
}

// Normalize maps s onto its canonical value.
func (e *Enum) Normalize(s string) (string, bool) {
	k := strings.ToLower(strings.TrimSpace(s))
	if v, ok := e.values[k]; ok {
		return v, true
	}
	if v, ok := e.aliases[k]; ok {
		return v, true
	}
	for _, frag := range e.substr {
		if strings.Contains(k, frag) {
			return e.aliases[frag], true
		}
	}
	return "", false
}

// Values lists the canonical values in sorted order.
func (e *Enum) Values() []string {
	out := make([]string, 0, len(e.values))
	for _, v := range e.values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

var (
	Gender = newEnum("gender", "Male", "Female", "Other").
		alias("m", "Male").
		alias("f", "Female").
		alias("man", "Male").
		alias("woman", "Female")

	Ethnicity = newEnum("ethnicity",
		"American Indian/Alaska Native",
		"Asian",
		"Black/African American",
		"Hispanic/Latino",
		"Native Hawaiian/Pacific Islander",
		"White",
		"Other",
		"Unknown",
	).
		contains("black", "Black/African American").
		contains("white", "White").
		contains("asian", "Asian").
		contains("hispanic", "Hispanic/Latino").
		contains("latino", "Hispanic/Latino").
		contains("native american", "American Indian/Alaska Native").
		contains("native hawaiian", "Native Hawaiian/Pacific Islander")

	Jurisdiction = newEnum("jurisdiction", "FEDERAL", "STATE", "COUNTY", "MUNICIPAL", "PRIVATE", "OTHER")

	CourtLevel = newEnum("court_level",
		"Municipal Court",
		"County Court",
		"State Trial Court",
		"State Appellate Court",
		"State Supreme Court",
		"Federal District Court",
		"Federal Appellate Court",
		"U.S. Supreme Court",
	)

	LegalCaseType = newEnum("case_type", "CIVIL", "CRIMINAL")

	State = newEnum("state",
		"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "DC", "FL", "GA", "HI", "ID", "IL", "IN",
		"IA", "KS", "KY", "LA", "ME", "MD", "MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH",
		"NJ", "NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC", "SD", "TN", "TX", "UT",
		"VT", "VA", "WA", "WV", "WI", "WY", "PR", "GU", "VI", "AS", "MP",
	)
)

var stateNames = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR", "california": "CA",
	"colorado": "CO", "connecticut": "CT", "delaware": "DE", "district of columbia": "DC",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID", "illinois": "IL",
	"indiana": "IN", "iowa": "IA", "kansas": "KS", "kentucky": "KY", "louisiana": "LA",
	"maine": "ME", "maryland": "MD", "massachusetts": "MA", "michigan": "MI", "minnesota": "MN",
	"mississippi": "MS", "missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK", "oregon": "OR",
	"pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC", "south dakota": "SD",
	"tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT", "virginia": "VA",
	"washington": "WA", "west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
	"puerto rico": "PR", "guam": "GU", "virgin islands": "VI", "american samoa": "AS",
	"northern mariana islands": "MP",
}

func init() {
	for name, code := range stateNames {
		State.alias(name, code)
	}
}
