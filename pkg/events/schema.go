package events

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeEntityCreated     EventType = "entity.created"
	EventTypeEntityUpdated     EventType = "entity.updated"
	EventTypeEntityArchived    EventType = "entity.archived"
	EventTypeEntityReactivated EventType = "entity.reactivated"
	EventTypeEntityMerged      EventType = "entity.merged"
)

// EntityEvent is published on every lifecycle change of an entity.
type EntityEvent struct {
	EventType     EventType       `json:"event_type"`
	SchemaVersion string          `json:"schema_version"`
	EntityID      string          `json:"entity_id"`
	EntityTypeID  string          `json:"entity_type_id"`
	Name          string          `json:"name"`
	ExternalID    *string         `json:"external_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	MergedIDs     []string        `json:"merged_ids,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Headers are the Kafka headers written alongside the event.
func (e *EntityEvent) Headers() map[string]string {
	h := map[string]string{
		"event_type":     string(e.EventType),
		"schema_version": e.SchemaVersion,
		"entity_type_id": e.EntityTypeID,
	}
	if e.Source != "" {
		h["source"] = e.Source
	}
	return h
}
