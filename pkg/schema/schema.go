// Package schema checks entity attributes against the attribute schema
// declared on their entity type.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AttributeSchema is the subset of JSON Schema entity types may declare.
type AttributeSchema struct {
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
	// Strict rejects attributes that are not listed in Properties.
	Strict bool `json:"strict,omitempty"`
}

// Property constrains one attribute.
type Property struct {
	Type       string              `json:"type,omitempty"`
	Format     string              `json:"format,omitempty"`
	Enum       []any               `json:"enum,omitempty"`
	Minimum    *float64            `json:"minimum,omitempty"`
	Maximum    *float64            `json:"maximum,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
	Items      *Property           `json:"items,omitempty"`
}

// Parse decodes raw. An empty document yields a schema that accepts anything.
func Parse(raw json.RawMessage) (*AttributeSchema, error) {
	s := &AttributeSchema{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s, nil
	}
	if err := json.Unmarshal(trimmed, s); err != nil {
		return nil, fmt.Errorf("failed to parse attribute schema: %w", err)
	}
	return s, nil
}

// IsEmpty reports whether the schema places no constraint on attributes.
func (s *AttributeSchema) IsEmpty() bool {
	return s == nil || (len(s.Properties) == 0 && len(s.Required) == 0 && !s.Strict)
}
