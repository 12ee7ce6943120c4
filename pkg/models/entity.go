package models

import (
	"time"
)

// Entity is the canonical record of one real-world object of a given type.
type Entity struct {
	ID             string     `json:"id" db:"id"`
	EntityTypeID   string     `json:"entity_type_id" db:"entity_type_id"`
	Name           string     `json:"name" db:"name"`
	NameNormalized string     `json:"name_normalized" db:"name_normalized"`
	Slug           string     `json:"slug" db:"slug"`
	ExternalID     *string    `json:"external_id,omitempty" db:"external_id"`
	ParentID       *string    `json:"parent_id,omitempty" db:"parent_id"`
	HierarchyPath  string     `json:"hierarchy_path" db:"hierarchy_path"`
	HierarchyLevel int        `json:"hierarchy_level" db:"hierarchy_level"`
	Attributes     Attributes `json:"attributes" db:"attributes"`
	Latitude       *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64   `json:"longitude,omitempty" db:"longitude"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	SourceID       *string    `json:"source_id,omitempty" db:"source_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HasExternalID reports whether the entity carries a business key.
func (e *Entity) HasExternalID() bool {
	return e.ExternalID != nil && *e.ExternalID != ""
}

// Conflict describes a lost uniqueness race on insert.
type Conflict struct {
	EntityTypeID   string
	NameNormalized string
	ExternalID     *string
}

// InsertResult is returned by entity inserts: exactly one of Entity or
// Conflict is set.
type InsertResult struct {
	Entity   *Entity
	Conflict *Conflict
}

func (r InsertResult) IsConflict() bool {
	return r.Conflict != nil
}

// DataSource is a provenance record (crawled page, API endpoint) attached to an entity.
type DataSource struct {
	ID        string    `json:"id" db:"id"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	Name      string    `json:"name" db:"name"`
	URL       string    `json:"url" db:"url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DependentCounts are the records attached to an entity, used to pick
// a canonical entity among duplicates.
type DependentCounts struct {
	DataSources int `json:"data_sources" db:"data_sources"`
	FacetValues int `json:"facet_values" db:"facet_values"`
	SyncRecords int `json:"sync_records" db:"sync_records"`
	Relations   int `json:"relations" db:"relations"`
	Children    int `json:"children" db:"children"`
}

func (d DependentCounts) Total() int {
	return d.DataSources + d.FacetValues + d.SyncRecords + d.Relations + d.Children
}
