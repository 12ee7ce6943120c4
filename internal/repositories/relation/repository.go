package relation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "entity_relations"

var columns = []string{
	"id", "relation_type_id", "source_entity_id", "target_entity_id", "confidence",
	"source_url", "source_document", "created_at", "updated_at",
}

// Repository implements relations.Store and the merge reassigner for edges.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Upsert inserts rel or, when the (type, source, target) edge exists, keeps
// the higher confidence and the newer provenance.
func (r *Repository) Upsert(ctx context.Context, rel *models.EntityRelation) (*models.EntityRelation, error) {
	ctx, span := tracing.StartSpan(ctx, "RelationRepository.Upsert")
	defer span.End()

	now := time.Now()
	id := rel.ID
	if id == "" {
		id = uuid.New().String()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(id, rel.RelationTypeID, rel.SourceEntityID, rel.TargetEntityID, rel.Confidence,
		rel.SourceURL, rel.SourceDocument, now, now)
	ub := ib.OnConflict("relation_type_id", "source_entity_id", "target_entity_id")
	ub.Set(
		fmt.Sprintf("confidence = GREATEST(%s.confidence, EXCLUDED.confidence)", tableName),
		fmt.Sprintf("source_url = COALESCE(EXCLUDED.source_url, %s.source_url)", tableName),
		fmt.Sprintf("source_document = COALESCE(EXCLUDED.source_document, %s.source_document)", tableName),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)
	ib.Returning(columns...)

	query, args := ib.Build()

	var stored models.EntityRelation
	if err := r.db.Conn(ctx).GetContext(ctx, &stored, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id": rel.SourceEntityID,
			"target_id": rel.TargetEntityID,
		}).Error("failed to upsert relation")
		return nil, fmt.Errorf("failed to upsert relation: %w", err)
	}
	return &stored, nil
}

func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]*models.EntityRelation, error) {
	ctx, span := tracing.StartSpan(ctx, "RelationRepository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Or(sb.Equal("source_entity_id", entityID), sb.Equal("target_entity_id", entityID)))
	sb.OrderBy("id")

	query, args := sb.Build()

	var out []*models.EntityRelation
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", entityID).Error("failed to list relations")
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	return out, nil
}

// ReassignEntity points edges touching fromIDs at toID. Edges that would
// become self-loops or duplicate an existing edge are deleted. Run it inside
// a transaction; the edges are moved one at a time.
func (r *Repository) ReassignEntity(ctx context.Context, fromIDs []string, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "RelationRepository.ReassignEntity")
	defer span.End()

	log := r.logger.WithContext(ctx).WithField("to_id", toID)
	conn := r.db.Conn(ctx)

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	ids := sb.Var(pq.Array(fromIDs))
	sb.Where(sb.Or(
		fmt.Sprintf("source_entity_id = ANY(%s::uuid[])", ids),
		fmt.Sprintf("target_entity_id = ANY(%s::uuid[])", ids),
	))
	sb.OrderBy("id")
	sb.SQL("FOR UPDATE")

	query, args := sb.Build()

	var edges []models.EntityRelation
	if err := conn.SelectContext(ctx, &edges, query, args...); err != nil {
		tracing.RecordError(span, err)
		log.WithError(err).Error("failed to load relations to reassign")
		return 0, fmt.Errorf("failed to load relations to reassign: %w", err)
	}

	moved := 0
	for _, edge := range edges {
		if slices.Contains(fromIDs, edge.SourceEntityID) {
			edge.SourceEntityID = toID
		}
		if slices.Contains(fromIDs, edge.TargetEntityID) {
			edge.TargetEntityID = toID
		}
		moved++

		if edge.SourceEntityID == edge.TargetEntityID {
			if err := r.delete(ctx, conn, edge.ID); err != nil {
				tracing.RecordError(span, err)
				return 0, err
			}
			continue
		}

		var exists bool
		err := conn.GetContext(ctx, &exists, `SELECT EXISTS (
			SELECT 1 FROM entity_relations
			WHERE relation_type_id = $1 AND source_entity_id = $2 AND target_entity_id = $3 AND id <> $4)`,
			edge.RelationTypeID, edge.SourceEntityID, edge.TargetEntityID, edge.ID)
		if err != nil {
			tracing.RecordError(span, err)
			log.WithError(err).Error("failed to check for duplicate relation")
			return 0, fmt.Errorf("failed to check for duplicate relation: %w", err)
		}
		if exists {
			if err := r.delete(ctx, conn, edge.ID); err != nil {
				tracing.RecordError(span, err)
				return 0, err
			}
			continue
		}

		ub := database.NewUpdateBuilder()
		ub.Update(tableName)
		ub.Set(
			ub.Assign("source_entity_id", edge.SourceEntityID),
			ub.Assign("target_entity_id", edge.TargetEntityID),
			ub.Assign("updated_at", time.Now()),
		)
		ub.Where(ub.Equal("id", edge.ID))
		query, args := ub.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			tracing.RecordError(span, err)
			log.WithError(err).WithField("relation_id", edge.ID).Error("failed to move relation")
			return 0, fmt.Errorf("failed to move relation %s: %w", edge.ID, err)
		}
	}
	return moved, nil
}

func (r *Repository) delete(ctx context.Context, conn database.Querier, id string) error {
	db := database.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(db.Equal("id", id))
	query, args := db.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("relation_id", id).Error("failed to delete relation")
		return fmt.Errorf("failed to delete relation %s: %w", id, err)
	}
	return nil
}
