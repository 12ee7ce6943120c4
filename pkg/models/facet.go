package models

import "time"

// FacetValue is a timestamped, confidence-scored fact attached to one entity.
type FacetValue struct {
	ID             string    `json:"id" db:"id"`
	EntityID       string    `json:"entity_id" db:"entity_id"`
	FacetTypeID    string    `json:"facet_type_id" db:"facet_type_id"`
	Text           string    `json:"text" db:"text"`
	TextNormalized string    `json:"text_normalized" db:"text_normalized"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	ObservedAt     time.Time `json:"observed_at" db:"observed_at"`
	SourceURL      *string   `json:"source_url,omitempty" db:"source_url"`
	Embedding      []float32 `json:"embedding,omitempty" db:"-"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// EntityRelation is a typed, directed edge between two entities.
// (RelationTypeID, SourceEntityID, TargetEntityID) is unique.
type EntityRelation struct {
	ID             string    `json:"id" db:"id"`
	RelationTypeID string    `json:"relation_type_id" db:"relation_type_id"`
	SourceEntityID string    `json:"source_entity_id" db:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id" db:"target_entity_id"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	SourceURL      *string   `json:"source_url,omitempty" db:"source_url"`
	SourceDocument *string   `json:"source_document,omitempty" db:"source_document"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
