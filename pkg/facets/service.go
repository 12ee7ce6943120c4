package facets

import (
	"context"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store persists facet values.
type Store interface {
	Searcher
	Insert(ctx context.Context, facet *models.FacetValue) error
	// Deactivate reports whether an active facet was deactivated.
	Deactivate(ctx context.Context, id string) (bool, error)
}

// EntityGetter loads an entity by id, returning (nil, nil) when absent.
type EntityGetter interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
}

// TypeResolver looks facet types up by slug. cache.TypeCache satisfies it.
type TypeResolver interface {
	FacetType(ctx context.Context, slug string) (*models.FacetType, error)
}

// AddFacetRequest is one observed fact about an entity.
type AddFacetRequest struct {
	EntityID      string     `json:"entity_id" validate:"required"`
	FacetTypeSlug string     `json:"facet_type" validate:"required"`
	Text          string     `json:"text" validate:"required"`
	Confidence    float64    `json:"confidence" validate:"gte=0,lte=1"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
	SourceURL     *string    `json:"source_url,omitempty"`
	Embedding     []float32  `json:"embedding,omitempty"`
}

type Service struct {
	store    Store
	entities EntityGetter
	types    TypeResolver
	checker  *Checker
	logger   ectologger.Logger
	now      func() time.Time
}

func NewService(store Store, entities EntityGetter, types TypeResolver, logger ectologger.Logger) *Service {
	return &Service{
		store:    store,
		entities: entities,
		types:    types,
		checker:  NewChecker(store),
		logger:   logger,
		now:      time.Now,
	}
}

// Checker returns the duplicate checker the service uses.
func (s *Service) Checker() *Checker {
	return s.checker
}

// AddFacetIfNew stores the fact unless it repeats an active facet of the
// same type on the entity, in which case it returns (nil, nil).
func (s *Service) AddFacetIfNew(ctx context.Context, req AddFacetRequest) (*models.FacetValue, error) {
	ctx, span := tracing.StartSpan(ctx, "facets.Service.AddFacetIfNew")
	defer span.End()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ferrors.Validation("facet text is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, ferrors.Validation("confidence %v is outside [0, 1]", req.Confidence)
	}

	ft, err := s.types.FacetType(ctx, req.FacetTypeSlug)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if ft == nil {
		return nil, ferrors.UnknownType("facet type", req.FacetTypeSlug)
	}

	entity, err := s.entities.GetByID(ctx, req.EntityID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if entity == nil || !entity.IsActive {
		return nil, ferrors.NotFound("entity", req.EntityID)
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":  entity.ID,
		"facet_type": ft.Slug,
	})

	duplicate, err := s.checker.IsDuplicate(ctx, entity.ID, ft.ID, text, req.Embedding)
	if err != nil {
		log.WithError(err).Error("Failed to check facet for duplicates")
		return nil, err
	}
	if duplicate {
		metrics.RecordFacet(ft.Slug, "duplicate")
		log.Debug("Skipping duplicate facet")
		return nil, nil
	}

	now := s.now()
	observedAt := now
	if req.ObservedAt != nil {
		observedAt = *req.ObservedAt
	}
	facet := &models.FacetValue{
		ID:             uuid.New().String(),
		EntityID:       entity.ID,
		FacetTypeID:    ft.ID,
		Text:           text,
		TextNormalized: normalizers.Normalize(text),
		Confidence:     req.Confidence,
		ObservedAt:     observedAt,
		SourceURL:      req.SourceURL,
		Embedding:      req.Embedding,
		IsActive:       true,
		CreatedAt:      now,
	}
	if err := s.store.Insert(ctx, facet); err != nil {
		log.WithError(err).Error("Failed to insert facet")
		return nil, err
	}

	metrics.RecordFacet(ft.Slug, "added")
	log.WithField("facet_id", facet.ID).Debug("Added facet")
	return facet, nil
}

// Deactivate soft-deletes a facet that was contradicted by newer data.
func (s *Service) Deactivate(ctx context.Context, facetID string) error {
	ctx, span := tracing.StartSpan(ctx, "facets.Service.Deactivate")
	defer span.End()

	ok, err := s.store.Deactivate(ctx, facetID)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if !ok {
		return ferrors.NotFound("facet", facetID)
	}
	s.logger.WithContext(ctx).WithField("facet_id", facetID).Info("Deactivated facet")
	return nil
}

// List returns the active facets of one type on an entity.
func (s *Service) List(ctx context.Context, entityID, facetTypeSlug string) ([]*models.FacetValue, error) {
	ctx, span := tracing.StartSpan(ctx, "facets.Service.List")
	defer span.End()

	ft, err := s.types.FacetType(ctx, facetTypeSlug)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if ft == nil {
		return nil, ferrors.UnknownType("facet type", facetTypeSlug)
	}
	return s.store.ListActive(ctx, entityID, ft.ID)
}
