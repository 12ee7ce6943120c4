// Package entitytype stores the entity, facet and relation type registries.
package entitytype

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	entityTypesTable   = "entity_types"
	facetTypesTable    = "facet_types"
	relationTypesTable = "relation_types"
)

// Repository implements cache.TypeStore.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new type repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateEntityType registers t. An existing type with the same slug is
// returned unchanged.
func (r *Repository) CreateEntityType(ctx context.Context, t models.EntityType) (*models.EntityType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.CreateEntityType")
	defer span.End()

	now := time.Now()
	schema := "{}"
	if len(t.AttributeSchema) > 0 {
		schema = string(t.AttributeSchema)
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(entityTypesTable)
	ib.Cols("id", "slug", "name", "supports_hierarchy", "attribute_schema", "created_at", "updated_at")
	ib.Values(uuid.New().String(), t.Slug, t.Name, t.SupportsHierarchy, schema, now, now)
	ib.OnConflictDoNothing()

	if err := r.exec(ctx, ib, "create entity type"); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	r.logger.WithContext(ctx).WithField("slug", t.Slug).Info("registered entity type")
	return r.GetEntityTypeBySlug(ctx, t.Slug)
}

func (r *Repository) GetEntityTypeBySlug(ctx context.Context, slug string) (*models.EntityType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.GetEntityTypeBySlug")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "slug", "name", "supports_hierarchy", "attribute_schema", "created_at", "updated_at")
	sb.From(entityTypesTable)
	sb.Where(sb.Equal("slug", slug))

	var et models.EntityType
	found, err := r.get(ctx, sb, &et, "get entity type")
	if err != nil || !found {
		return nil, err
	}
	return &et, nil
}

func (r *Repository) ListEntityTypes(ctx context.Context) ([]models.EntityType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.ListEntityTypes")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "slug", "name", "supports_hierarchy", "attribute_schema", "created_at", "updated_at")
	sb.From(entityTypesTable)
	sb.OrderBy("slug")

	query, args := sb.Build()

	var out []models.EntityType
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list entity types")
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}
	return out, nil
}

func (r *Repository) CreateFacetType(ctx context.Context, t models.FacetType) (*models.FacetType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.CreateFacetType")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(facetTypesTable)
	ib.Cols("id", "slug", "name", "created_at")
	ib.Values(uuid.New().String(), t.Slug, t.Name, time.Now())
	ib.OnConflictDoNothing()

	if err := r.exec(ctx, ib, "create facet type"); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return r.GetFacetTypeBySlug(ctx, t.Slug)
}

func (r *Repository) GetFacetTypeBySlug(ctx context.Context, slug string) (*models.FacetType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.GetFacetTypeBySlug")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "slug", "name", "created_at")
	sb.From(facetTypesTable)
	sb.Where(sb.Equal("slug", slug))

	var ft models.FacetType
	found, err := r.get(ctx, sb, &ft, "get facet type")
	if err != nil || !found {
		return nil, err
	}
	return &ft, nil
}

func (r *Repository) CreateRelationType(ctx context.Context, t models.RelationType) (*models.RelationType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.CreateRelationType")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(relationTypesTable)
	ib.Cols("id", "slug", "name", "created_at")
	ib.Values(uuid.New().String(), t.Slug, t.Name, time.Now())
	ib.OnConflictDoNothing()

	if err := r.exec(ctx, ib, "create relation type"); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return r.GetRelationTypeBySlug(ctx, t.Slug)
}

func (r *Repository) GetRelationTypeBySlug(ctx context.Context, slug string) (*models.RelationType, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityTypeRepository.GetRelationTypeBySlug")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "slug", "name", "created_at")
	sb.From(relationTypesTable)
	sb.Where(sb.Equal("slug", slug))

	var rt models.RelationType
	found, err := r.get(ctx, sb, &rt, "get relation type")
	if err != nil || !found {
		return nil, err
	}
	return &rt, nil
}

func (r *Repository) exec(ctx context.Context, ib *database.InsertBuilder, op string) error {
	query, args := ib.Build()
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to %s", op)
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (r *Repository) get(ctx context.Context, sb *database.SelectBuilder, dest any, op string) (bool, error) {
	query, args := sb.Build()
	err := r.db.Conn(ctx).GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to %s", op)
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	return true, nil
}
