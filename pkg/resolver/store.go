package resolver

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// EntityStore is the persistence the engine needs. Finders return (nil, nil)
// when nothing matches and only consider active entities.
type EntityStore interface {
	// Insert attempts to create entity. A lost uniqueness race on
	// (entity_type_id, name_normalized) or (entity_type_id, external_id) is
	// reported through InsertResult.Conflict, never as an error.
	Insert(ctx context.Context, entity *models.Entity) (models.InsertResult, error)
	Update(ctx context.Context, entity *models.Entity) error
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	FindByExternalID(ctx context.Context, entityTypeID, externalID string) (*models.Entity, error)
	FindByNormalizedName(ctx context.Context, entityTypeID, nameNormalized string) (*models.Entity, error)
	// FindCandidates returns up to limit active entities of the type that are
	// plausible fuzzy matches for nameNormalized.
	FindCandidates(ctx context.Context, entityTypeID, nameNormalized string, limit int) ([]*models.Entity, error)
	FindByNormalizedNames(ctx context.Context, entityTypeID string, names []string) ([]*models.Entity, error)
	FindByExternalIDs(ctx context.Context, entityTypeID string, externalIDs []string) ([]*models.Entity, error)
	ListChildren(ctx context.Context, parentID string) ([]*models.Entity, error)
}

// TypeResolver looks entity types up by slug, returning (nil, nil) when absent.
// cache.TypeCache satisfies it.
type TypeResolver interface {
	EntityType(ctx context.Context, slug string) (*models.EntityType, error)
}
