package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// MergePolicy decides how incoming attributes combine with stored ones.
type MergePolicy string

const (
	// MergePolicyMerge overwrites incoming keys and keeps the rest. A null
	// incoming value removes the key.
	MergePolicyMerge MergePolicy = "merge"
	// MergePolicyReplace makes the incoming map the whole attribute set.
	MergePolicyReplace MergePolicy = "replace"
)

func (p MergePolicy) Valid() bool {
	return p == MergePolicyMerge || p == MergePolicyReplace
}

// Attributes is the schema-less attribute bag of an entity. Values are
// restricted to JSON types: string, float64, bool, nil, []any and map[string]any.
type Attributes map[string]any

// NewAttributes converts raw input into Attributes, normalizing numeric types
// to float64 and rejecting values that have no JSON representation.
func NewAttributes(raw map[string]any) (Attributes, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(Attributes, len(raw))
	for k, v := range raw {
		nv, err := normalizeAttributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeAttributeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case []string:
		list := make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list, nil
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			nv, err := normalizeAttributeValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = nv
		}
		return list, nil
	case map[string]any:
		nested, err := NewAttributes(t)
		if err != nil {
			return nil, err
		}
		return map[string]any(nested), nil
	case Attributes:
		return NewAttributes(t)
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}

// Apply combines incoming attributes into a copy of a according to policy.
// A nil incoming map means "not provided" and leaves a unchanged.
func (a Attributes) Apply(incoming Attributes, policy MergePolicy) Attributes {
	if incoming == nil {
		return a.Clone()
	}

	if policy == MergePolicyReplace {
		return incoming.Clone()
	}

	out := a.Clone()
	if out == nil {
		out = make(Attributes, len(incoming))
	}
	for k, v := range incoming {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the attribute as a string if it is one.
func (a Attributes) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Float returns the attribute as a float64 if it is numeric.
func (a Attributes) Float(key string) (float64, bool) {
	f, ok := a[key].(float64)
	return f, ok
}

// Bool returns the attribute as a bool if it is one.
func (a Attributes) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}

// Value stores attributes as JSONB.
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(a))
}

// Scan reads attributes from a JSONB column.
func (a *Attributes) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*a = Attributes{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("Attributes.Scan: expected []byte, got %T", src)
	}

	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*a = Attributes(m)
	return nil
}
