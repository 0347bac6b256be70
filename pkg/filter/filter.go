// Package filter evaluates subscription filters against event attributes.
package filter

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
)

// Filter is the raw per-field matching criteria as decoded from a SUBSCRIBE
// payload. Each key names an event attribute; the value selects the rule:
// a list means membership, an object with min/max means numeric range, an
// object with pattern means regular expression, anything else means equality.
// An empty or nil filter matches every event of the subscribed type.
type Filter map[string]interface{}

// predicate tests a single event attribute value.
type predicate func(value interface{}, present bool) bool

// Compiled is a filter whose per-field rules have been resolved and whose
// regular expressions have been compiled. Compiled filters are immutable and
// safe for concurrent use.
type Compiled struct {
	raw   Filter
	preds map[string]predicate
}

// Compile validates the filter and prepares it for repeated matching.
// Invalid rules (malformed range bounds, unparseable regular expressions)
// are rejected here so a bad subscription never reaches the match path.
func Compile(f Filter) (*Compiled, error) {
	c := &Compiled{
		raw:   f,
		preds: make(map[string]predicate, len(f)),
	}

	for key, rule := range f {
		pred, err := compileRule(rule)
		if err != nil {
			return nil, fmt.Errorf("filter field %q: %w", key, err)
		}
		c.preds[key] = pred
	}

	return c, nil
}

// Raw returns the original filter criteria, for persistence and listing.
func (c *Compiled) Raw() Filter {
	if c == nil {
		return nil
	}
	return c.raw
}

// Matches reports whether every filter field is satisfied by the given event
// attributes. A filter with no fields matches everything.
func (c *Compiled) Matches(attributes map[string]interface{}) bool {
	if c == nil || len(c.preds) == 0 {
		return true
	}

	for key, pred := range c.preds {
		value, present := attributes[key]
		if !pred(value, present) {
			return false
		}
	}
	return true
}

func compileRule(rule interface{}) (predicate, error) {
	switch r := rule.(type) {
	case []interface{}:
		return compileMembership(r), nil
	case map[string]interface{}:
		if pattern, ok := r["pattern"]; ok {
			return compileRegexp(pattern)
		}
		_, hasMin := r["min"]
		_, hasMax := r["max"]
		if hasMin || hasMax {
			return compileRange(r)
		}
		// An object that is neither a range nor a regexp is matched structurally.
		return func(value interface{}, present bool) bool {
			return present && reflect.DeepEqual(value, map[string]interface{}(r))
		}, nil
	default:
		return func(value interface{}, present bool) bool {
			return present && equalValues(value, rule)
		}, nil
	}
}

func compileMembership(members []interface{}) predicate {
	return func(value interface{}, present bool) bool {
		if !present {
			return false
		}
		for _, member := range members {
			if equalValues(value, member) {
				return true
			}
		}
		return false
	}
}

func compileRange(r map[string]interface{}) (predicate, error) {
	var (
		minBound, maxBound float64
		hasMin, hasMax     bool
	)

	if raw, ok := r["min"]; ok {
		f, numeric := toFloat(raw)
		if !numeric {
			return nil, fmt.Errorf("range min is not numeric: %v", raw)
		}
		minBound, hasMin = f, true
	}
	if raw, ok := r["max"]; ok {
		f, numeric := toFloat(raw)
		if !numeric {
			return nil, fmt.Errorf("range max is not numeric: %v", raw)
		}
		maxBound, hasMax = f, true
	}

	return func(value interface{}, present bool) bool {
		if !present {
			return false
		}
		f, numeric := toFloat(value)
		if !numeric {
			return false
		}
		if hasMin && f < minBound {
			return false
		}
		if hasMax && f > maxBound {
			return false
		}
		return true
	}, nil
}

func compileRegexp(pattern interface{}) (predicate, error) {
	s, ok := pattern.(string)
	if !ok {
		return nil, fmt.Errorf("regexp pattern is not a string: %v", pattern)
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return nil, fmt.Errorf("invalid regexp pattern: %w", err)
	}
	return func(value interface{}, present bool) bool {
		if !present {
			return false
		}
		return re.MatchString(fmt.Sprint(value))
	}, nil
}

// equalValues compares attribute and filter values, treating all numeric
// types as comparable. JSON decoding yields float64 for numbers while event
// producers may publish native ints, so plain == is not enough.
func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
