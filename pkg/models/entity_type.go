package models

import (
	"encoding/json"
	"time"
)

// EntityType describes a kind of entity (municipality, organization, person).
type EntityType struct {
	ID                string          `json:"id" db:"id"`
	Slug              string          `json:"slug" db:"slug" validate:"required"`
	Name              string          `json:"name" db:"name" validate:"required"`
	SupportsHierarchy bool            `json:"supports_hierarchy" db:"supports_hierarchy"`
	AttributeSchema   json.RawMessage `json:"attribute_schema,omitempty" db:"attribute_schema"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// CreateEntityTypeRequest is the request body for creating an entity type
type CreateEntityTypeRequest struct {
	Slug              string          `json:"slug" validate:"required"`
	Name              string          `json:"name" validate:"required"`
	SupportsHierarchy bool            `json:"supports_hierarchy"`
	AttributeSchema   json.RawMessage `json:"attribute_schema,omitempty"`
}

// FacetType describes a kind of derived fact (contact, pain point, event).
type FacetType struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RelationType describes a kind of directed edge between entities ("located_in").
type RelationType struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
