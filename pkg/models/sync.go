package models

import (
	"time"

	"github.com/lib/pq"
)

// SyncStatus is the lifecycle state of one external record.
type SyncStatus string

const (
	SyncStatusActive   SyncStatus = "active"
	SyncStatusUpdated  SyncStatus = "updated"
	SyncStatusMissing  SyncStatus = "missing"
	SyncStatusArchived SyncStatus = "archived"
)

// Absent reports whether the record is in a miss streak.
func (s SyncStatus) Absent() bool {
	return s == SyncStatusMissing || s == SyncStatusArchived
}

// SyncRecord tracks one external record and the entities it resolved to.
// It is unique per (SourceID, ExternalID).
type SyncRecord struct {
	ID             string         `json:"id" db:"id"`
	SourceID       string         `json:"source_id" db:"source_id"`
	ExternalID     string         `json:"external_id" db:"external_id"`
	EntityIDs      pq.StringArray `json:"entity_ids" db:"entity_ids"`
	FirstSeenAt    time.Time      `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt     time.Time      `json:"last_seen_at" db:"last_seen_at"`
	LastModifiedAt *time.Time     `json:"last_modified_at,omitempty" db:"last_modified_at"`
	ContentHash    string         `json:"content_hash" db:"content_hash"`
	SyncStatus     SyncStatus     `json:"sync_status" db:"sync_status"`
	MissingSince   *time.Time     `json:"missing_since,omitempty" db:"missing_since"`
	RawPayload     Attributes     `json:"raw_payload" db:"raw_payload"`
	ErrorCount     int            `json:"error_count" db:"error_count"`
	LastError      *string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// LinksEntity reports whether entityID is among the record's linked entities.
func (r *SyncRecord) LinksEntity(entityID string) bool {
	for _, id := range r.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// ExternalSource configures one periodically polled external API.
type ExternalSource struct {
	ID                  string         `json:"id" db:"id" yaml:"-"`
	Slug                string         `json:"slug" db:"slug" yaml:"slug" validate:"required"`
	Name                string         `json:"name" db:"name" yaml:"name"`
	EntityTypeSlug      string         `json:"entity_type" db:"entity_type_slug" yaml:"entity_type" validate:"required"`
	InactiveAfterDays   int            `json:"inactive_after_days" db:"inactive_after_days" yaml:"inactive_after_days" validate:"gte=0"`
	MarkMissingInactive bool           `json:"mark_missing_inactive" db:"mark_missing_inactive" yaml:"mark_missing_inactive"`
	AttributePolicy     MergePolicy    `json:"attribute_policy" db:"attribute_policy" yaml:"attribute_policy"`
	NameField           string         `json:"name_field" db:"name_field" yaml:"name_field" validate:"required"`
	ExternalIDField     string         `json:"external_id_field" db:"external_id_field" yaml:"external_id_field" validate:"required"`
	ParentField         string         `json:"parent_field,omitempty" db:"parent_field" yaml:"parent_field"`
	NameNormalizers     pq.StringArray `json:"name_normalizers,omitempty" db:"name_normalizers" yaml:"name_normalizers"`
	HashExclusions      pq.StringArray `json:"hash_exclusions,omitempty" db:"hash_exclusions" yaml:"hash_exclusions"`
	Schedule            string         `json:"schedule,omitempty" db:"schedule" yaml:"schedule"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Policy returns the configured attribute policy, defaulting to merge.
func (s *ExternalSource) Policy() MergePolicy {
	if s.AttributePolicy.Valid() {
		return s.AttributePolicy
	}
	return MergePolicyMerge
}
