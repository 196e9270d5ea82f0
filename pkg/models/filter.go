package models

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/frontbase/frontbase/pkg/constants"
)

// Filter is an opaque key/value matcher. Keys are top-level field names or
// dotted paths into nested documents; every pair must compare equal.
type Filter map[string]any

// Normalize copies the filter and converts an _id value into an ObjectID.
func (f Filter) Normalize() (Filter, error) {
	out := make(Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	raw, ok := out[IDField]
	if !ok {
		return out, nil
	}
	switch id := raw.(type) {
	case ObjectID:
	case string:
		parsed, err := ParseObjectID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", constants.ErrMalformedInput, err)
		}
		out[IDField] = parsed
	default:
		return nil, fmt.Errorf("%w: _id must be a string, got %T", constants.ErrMalformedInput, raw)
	}
	return out, nil
}

// ID returns the normalized _id constraint, if any.
func (f Filter) ID() (ObjectID, bool) {
	id, ok := f[IDField].(ObjectID)
	return id, ok
}

// Fields returns the constraints that are not the identifier.
func (f Filter) Fields() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		if k != IDField {
			out[k] = v
		}
	}
	return out
}

func (f Filter) MatchEntity(e *Entity) bool {
	if id, ok := f.ID(); ok && id != e.ID {
		return false
	}
	return f.Fields().matchDocument(e.Document())
}

func (f Filter) MatchKind(k *Kind) bool {
	return f.matchDocument(k.Document())
}

func (f Filter) matchDocument(doc JSONMap) bool {
	for path, want := range f {
		got, ok := lookup(doc, path)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func lookup(doc map[string]any, path string) (any, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	nested, ok := asMap(doc[head])
	if !ok {
		return nil, false
	}
	return lookup(nested, rest)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case JSONMap:
		return m, true
	default:
		return nil, false
	}
}

// valuesEqual compares decoded values, treating all numeric types as float64
// since JSON and CBOR decode the same literal into different Go types.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ma, ok := asMap(a); ok {
		mb, ok := asMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	}
	if sa, ok := a.([]any); ok {
		sb, ok := b.([]any)
		if !ok || len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if !valuesEqual(sa[i], sb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
