package fieldmap

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/ident"
)

// Category controls how a mapped column is coerced and merged.
type Category int

const (
	// Other values pass through and are backfilled only when empty.
	Other Category = iota
	// Count values are integers that accumulate across sightings.
	Count
	// Stat values are floats written once, on first sighting.
	Stat
)

func (c Category) String() string {
	switch c {
	case Count:
		return "count"
	case Stat:
		return "stat"
	default:
		return "other"
	}
}

// ParseCategory accepts "count", "stat" or "other" in any case.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "count":
		return Count, nil
	case "stat":
		return Stat, nil
	case "other", "":
		return Other, nil
	}
	return Other, eris.Errorf("fieldmap: unknown category %q", s)
}

// staticCategories is the fallback table for known numeric fields. It is
// consulted only when the active mapping does not declare the field.
var staticCategories = map[string]Category{
	"cooc_obs":      Count,
	"cooc_persons":  Count,
	"n_a":           Count,
	"n_b":           Count,
	"total_persons": Count,
	"a_before_b":    Count,
	"b_before_a":    Count,
	"same_day":      Count,
	"expected_obs":  Stat,
	"lift":          Stat,
	"lift_lower_95": Stat,
	"lift_upper_95": Stat,
	"ratio":         Stat,
	"z_score":       Stat,
	"p_value":       Stat,
	"median_days":   Stat,
	"relative_risk": Stat,
	"odds_ratio":    Stat,
}

// StaticCategory returns the fallback category for a field name.
func StaticCategory(name string) (Category, bool) {
	c, ok := staticCategories[name]
	return c, ok
}

// Coerce converts v according to c. Count yields an int64 (0 when v is not a
// strict integer). Stat yields a float64 or nil. Other returns v unchanged.
func Coerce(v any, c Category) any {
	switch c {
	case Count:
		return coerceCount(v)
	case Stat:
		return coerceStat(v)
	default:
		return v
	}
}

func coerceCount(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) <= ident.MaxSafeInt {
			return int64(t)
		}
		return 0
	case json.Number:
		n, _ := ident.ParseStrictInt(t.String())
		return n
	case string:
		n, _ := ident.ParseStrictInt(t)
		return n
	}
	return 0
}

func coerceStat(v any) any {
	var f float64
	switch t := v.(type) {
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
