// Package relations records typed, directed edges between entities.
package relations

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store persists relations. Upsert honors the unique
// (relation type, source, target) triple and keeps the higher confidence.
type Store interface {
	Upsert(ctx context.Context, rel *models.EntityRelation) (*models.EntityRelation, error)
	ListByEntity(ctx context.Context, entityID string) ([]*models.EntityRelation, error)
}

type EntityGetter interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
}

// TypeResolver looks relation types up by slug. cache.TypeCache satisfies it.
type TypeResolver interface {
	RelationType(ctx context.Context, slug string) (*models.RelationType, error)
}

// Projector mirrors stored edges elsewhere. graph.Projector satisfies it.
type Projector interface {
	ProjectRelation(ctx context.Context, rel *models.EntityRelation, relationTypeSlug string) error
}

type LinkRequest struct {
	RelationTypeSlug string  `json:"relation_type" validate:"required"`
	SourceEntityID   string  `json:"source_entity_id" validate:"required"`
	TargetEntityID   string  `json:"target_entity_id" validate:"required"`
	Confidence       float64 `json:"confidence" validate:"gte=0,lte=1"`
	SourceURL        *string `json:"source_url,omitempty"`
	SourceDocument   *string `json:"source_document,omitempty"`
}

type Service struct {
	store     Store
	entities  EntityGetter
	types     TypeResolver
	projector Projector
	logger    ectologger.Logger
}

// NewService creates a relation service. projector may be nil.
func NewService(store Store, entities EntityGetter, types TypeResolver, projector Projector, logger ectologger.Logger) *Service {
	return &Service{
		store:     store,
		entities:  entities,
		types:     types,
		projector: projector,
		logger:    logger,
	}
}

// Link records the edge, or strengthens it when it already exists. A
// projection failure is logged; the stored edge stands.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*models.EntityRelation, error) {
	ctx, span := tracing.StartSpan(ctx, "relations.Service.Link")
	defer span.End()

	if req.SourceEntityID == "" || req.TargetEntityID == "" {
		return nil, ferrors.Validation("source and target entity ids are required")
	}
	if req.SourceEntityID == req.TargetEntityID {
		return nil, ferrors.Validation("entity %s cannot be related to itself", req.SourceEntityID)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, ferrors.Validation("confidence %v is outside [0, 1]", req.Confidence)
	}

	rt, err := s.types.RelationType(ctx, req.RelationTypeSlug)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if rt == nil {
		return nil, ferrors.UnknownType("relation type", req.RelationTypeSlug)
	}

	for _, id := range []string{req.SourceEntityID, req.TargetEntityID} {
		e, err := s.entities.GetByID(ctx, id)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		if e == nil || !e.IsActive {
			return nil, ferrors.NotFound("entity", id)
		}
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"relation_type": rt.Slug,
		"source_id":     req.SourceEntityID,
		"target_id":     req.TargetEntityID,
	})

	rel, err := s.store.Upsert(ctx, &models.EntityRelation{
		RelationTypeID: rt.ID,
		SourceEntityID: req.SourceEntityID,
		TargetEntityID: req.TargetEntityID,
		Confidence:     req.Confidence,
		SourceURL:      req.SourceURL,
		SourceDocument: req.SourceDocument,
	})
	if err != nil {
		log.WithError(err).Error("Failed to upsert relation")
		return nil, err
	}

	if s.projector != nil {
		database.AfterCommit(ctx, func() {
			if err := s.projector.ProjectRelation(ctx, rel, rt.Slug); err != nil {
				log.WithError(err).Warn("Relation stored but not projected")
			}
		})
	}

	log.WithField("relation_id", rel.ID).Debug("Linked entities")
	return rel, nil
}

// List returns the edges touching entityID in either direction.
func (s *Service) List(ctx context.Context, entityID string) ([]*models.EntityRelation, error) {
	ctx, span := tracing.StartSpan(ctx, "relations.Service.List")
	defer span.End()

	rels, err := s.store.ListByEntity(ctx, entityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return rels, nil
}
