package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Type is the comparison type of an attribute.
type Type int

const (
	// Untyped values are compared with best-effort inference.
	Untyped Type = iota
	String
	Int
	Float
	Bool
	Date
)

// Types maps attribute names to their comparison type.
type Types map[string]Type

// DateLayout is the canonical persisted form of date attributes.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	"January 2006",
	"Jan 2006",
	"2006-01",
	"01/02/2006",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseDate accepts the feed's explicit layouts first and falls back to
// dateparse for anything else. Month-only inputs resolve to the first day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	t, err := dateparse.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	return t, nil
}

// Normalize converts v to the canonical representation of t. Empty strings
// normalize to nil, which means "clear". Nested values (maps, slices) are
// rendered as canonical JSON so they compare structurally.
func Normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return nil, nil
		}
		v = x
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		v = string(b)
	}

	switch t {
	case String:
		return toString(v), nil
	case Int:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(f), nil
	case Float:
		return toFloat(v)
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", x)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	case Date:
		switch x := v.(type) {
		case time.Time:
			return x.Format(DateLayout), nil
		case string:
			d, err := ParseDate(x)
			if err != nil {
				return nil, err
			}
			return d.Format(DateLayout), nil
		}
		return nil, fmt.Errorf("%v is not a date", v)
	}
	return v, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(x, ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}

// Equal reports whether a and b are semantically the same value of type t.
func Equal(t Type, a, b any) bool {
	na, errA := Normalize(t, a)
	nb, errB := Normalize(t, b)
	if errA != nil || errB != nil {
		return errA != nil && errB != nil && toString(a) == toString(b)
	}
	if t != Untyped {
		return na == nb
	}
	return looseEqual(na, nb)
}

// looseEqual compares values without schema knowledge: numerically when both
// sides are numeric, as calendar days when both sides are dates, otherwise as
// strings.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	if fa, err := toFloat(a); err == nil {
		if fb, err := toFloat(b); err == nil {
			return fa == fb
		}
	}
	sa, sb := toString(a), toString(b)
	if sa == sb {
		return true
	}
	if looksLikeDate(sa) && looksLikeDate(sb) {
		da, errA := ParseDate(sa)
		db, errB := ParseDate(sb)
		if errA == nil && errB == nil {
			return da.Equal(db)
		}
	}
	return false
}

func looksLikeDate(s string) bool {
	return strings.ContainsAny(s, "-/ ") && strings.ContainsAny(s, "0123456789")
}
