package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Statement is one Cypher query with its parameters.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Writer runs statements in a single write transaction. *Client satisfies it.
type Writer interface {
	Write(ctx context.Context, statements ...Statement) error
}

// Projector keeps a graph copy of entities and relations. Nodes are
// labeled :Entity; every edge is :RELATED with the relation type slug as a
// property, so edges can be moved between nodes without knowing their type.
type Projector struct {
	writer Writer
	logger ectologger.Logger
}

func NewProjector(writer Writer, logger ectologger.Logger) *Projector {
	return &Projector{writer: writer, logger: logger}
}

const upsertEntityCypher = `
	MERGE (e:Entity {id: $id})
	SET e.name = $name,
		e.entity_type_id = $entity_type_id,
		e.external_id = $external_id,
		e.is_active = $is_active,
		e.updated_at = $updated_at
	SET e += $attributes`

const upsertRelationCypher = `
	MERGE (s:Entity {id: $source_id})
	MERGE (t:Entity {id: $target_id})
	MERGE (s)-[r:RELATED {relation_type: $relation_type}]->(t)
	SET r.id = $id,
		r.confidence = CASE WHEN r.confidence IS NULL OR r.confidence < $confidence THEN $confidence ELSE r.confidence END,
		r.source_url = $source_url`

const moveOutgoingCypher = `
	MATCH (c:Entity {id: $canonical_id})
	MATCH (d:Entity)-[r:RELATED]->(t:Entity)
	WHERE d.id IN $merged_ids AND t.id <> $canonical_id
	MERGE (c)-[n:RELATED {relation_type: r.relation_type}]->(t)
	SET n.confidence = CASE WHEN n.confidence IS NULL OR n.confidence < r.confidence THEN r.confidence ELSE n.confidence END
	DELETE r`

const moveIncomingCypher = `
	MATCH (c:Entity {id: $canonical_id})
	MATCH (s:Entity)-[r:RELATED]->(d:Entity)
	WHERE d.id IN $merged_ids AND s.id <> $canonical_id
	MERGE (s)-[n:RELATED {relation_type: r.relation_type}]->(c)
	SET n.confidence = CASE WHEN n.confidence IS NULL OR n.confidence < r.confidence THEN r.confidence ELSE n.confidence END
	DELETE r`

const retireMergedCypher = `
	MATCH (d:Entity)
	WHERE d.id IN $merged_ids
	OPTIONAL MATCH (d)-[r:RELATED]-()
	DELETE r
	SET d.is_active = false, d.merged_into = $canonical_id`

// PublishJSON projects entity events, which lets the projector sit next to
// the Kafka producer in an events.Fanout.
func (p *Projector) PublishJSON(ctx context.Context, _ string, _ map[string]string, payload any) error {
	event, ok := payload.(*events.EntityEvent)
	if !ok {
		return nil
	}
	return p.ProjectEvent(ctx, event)
}

// ProjectEvent applies one entity lifecycle event to the graph.
func (p *Projector) ProjectEvent(ctx context.Context, event *events.EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectEvent")
	defer span.End()

	var statements []Statement
	switch event.EventType {
	case events.EventTypeEntityCreated, events.EventTypeEntityUpdated, events.EventTypeEntityReactivated:
		statements = append(statements, entityStatement(event, true))
	case events.EventTypeEntityArchived:
		statements = append(statements, entityStatement(event, false))
	case events.EventTypeEntityMerged:
		statements = append(statements, entityStatement(event, true))
		if len(event.MergedIDs) > 0 {
			params := map[string]any{
				"canonical_id": event.EntityID,
				"merged_ids":   event.MergedIDs,
			}
			statements = append(statements,
				Statement{Cypher: moveOutgoingCypher, Params: params},
				Statement{Cypher: moveIncomingCypher, Params: params},
				Statement{Cypher: retireMergedCypher, Params: params},
			)
		}
	default:
		return nil
	}

	if err := p.writer.Write(ctx, statements...); err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
			"entity_id":  event.EntityID,
		}).Error("Failed to project entity event")
		return err
	}
	return nil
}

// ProjectRelation mirrors one relation edge, keeping the highest confidence.
func (p *Projector) ProjectRelation(ctx context.Context, rel *models.EntityRelation, relationTypeSlug string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.ProjectRelation")
	defer span.End()

	var sourceURL any
	if rel.SourceURL != nil {
		sourceURL = *rel.SourceURL
	}
	err := p.writer.Write(ctx, Statement{Cypher: upsertRelationCypher, Params: map[string]any{
		"id":            rel.ID,
		"source_id":     rel.SourceEntityID,
		"target_id":     rel.TargetEntityID,
		"relation_type": relationTypeSlug,
		"confidence":    rel.Confidence,
		"source_url":    sourceURL,
	}})
	if err != nil {
		tracing.RecordError(span, err)
		p.logger.WithContext(ctx).WithError(err).WithField("relation_id", rel.ID).Error("Failed to project relation")
		return fmt.Errorf("failed to project relation: %w", err)
	}
	return nil
}

func entityStatement(event *events.EntityEvent, active bool) Statement {
	var externalID any
	if event.ExternalID != nil {
		externalID = *event.ExternalID
	}
	return Statement{Cypher: upsertEntityCypher, Params: map[string]any{
		"id":             event.EntityID,
		"name":           event.Name,
		"entity_type_id": event.EntityTypeID,
		"external_id":    externalID,
		"is_active":      active,
		"updated_at":     event.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		"attributes":     scalarProps(event.Data),
	}}
}

// scalarProps keeps the attribute values a graph property can hold. Nested
// objects are dropped; keys get an attr_ prefix so they cannot shadow the
// fixed properties.
func scalarProps(data json.RawMessage) map[string]any {
	props := map[string]any{}
	if len(data) == 0 {
		return props
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return props
	}
	for k, v := range attrs {
		switch v.(type) {
		case string, bool, float64:
			props["attr_"+k] = v
		case []any:
			if list, ok := scalarList(v.([]any)); ok {
				props["attr_"+k] = list
			}
		}
	}
	return props
}

func scalarList(values []any) ([]any, bool) {
	for _, v := range values {
		switch v.(type) {
		case string, bool, float64:
		default:
			return nil, false
		}
	}
	return values, true
}
