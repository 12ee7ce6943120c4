// Package entity is the Postgres store for entities.
package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "entities"

var columns = []string{
	"id", "entity_type_id", "name", "name_normalized", "slug", "external_id",
	"parent_id", "hierarchy_path", "hierarchy_level", "attributes", "latitude",
	"longitude", "is_active", "last_seen_at", "source_id", "created_at", "updated_at",
}

// Repository implements resolver.EntityStore, merging.EntityStore and
// sourcesync.EntityStore on Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Insert relies on the partial unique indexes over active entities. ON
// CONFLICT DO NOTHING returns no row when another writer got there first,
// which is reported as a conflict rather than an error.
func (r *Repository) Insert(ctx context.Context, e *models.Entity) (models.InsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.Insert")
	defer span.End()

	stored := *e
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	if stored.Attributes == nil {
		stored.Attributes = models.Attributes{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(
		stored.ID, stored.EntityTypeID, stored.Name, stored.NameNormalized, stored.Slug, stored.ExternalID,
		stored.ParentID, stored.HierarchyPath, stored.HierarchyLevel, stored.Attributes, stored.Latitude,
		stored.Longitude, stored.IsActive, stored.LastSeenAt, stored.SourceID, stored.CreatedAt, stored.UpdatedAt,
	)
	ib.OnConflictDoNothing()
	ib.Returning(columns...)

	query, args := ib.Build()

	var created models.Entity
	err := r.db.Conn(ctx).GetContext(ctx, &created, query, args...)
	if errors.Is(err, sql.ErrNoRows) || database.IsUniqueViolation(err) {
		return models.InsertResult{Conflict: &models.Conflict{
			EntityTypeID:   stored.EntityTypeID,
			NameNormalized: stored.NameNormalized,
			ExternalID:     stored.ExternalID,
		}}, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type_id":  stored.EntityTypeID,
			"name_normalized": stored.NameNormalized,
		}).Error("failed to insert entity")
		return models.InsertResult{}, fmt.Errorf("failed to insert entity: %w", err)
	}

	return models.InsertResult{Entity: &created}, nil
}

// Update writes every mutable column. A missing row is not an error.
func (r *Repository) Update(ctx context.Context, e *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.Update")
	defer span.End()

	attrs := e.Attributes
	if attrs == nil {
		attrs = models.Attributes{}
	}

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("name", e.Name),
		ub.Assign("name_normalized", e.NameNormalized),
		ub.Assign("slug", e.Slug),
		ub.Assign("external_id", e.ExternalID),
		ub.Assign("parent_id", e.ParentID),
		ub.Assign("hierarchy_path", e.HierarchyPath),
		ub.Assign("hierarchy_level", e.HierarchyLevel),
		ub.Assign("attributes", attrs),
		ub.Assign("latitude", e.Latitude),
		ub.Assign("longitude", e.Longitude),
		ub.Assign("is_active", e.IsActive),
		ub.Assign("last_seen_at", e.LastSeenAt),
		ub.Assign("source_id", e.SourceID),
		ub.Assign("updated_at", r.now()),
	)
	ub.Where(ub.Equal("id", e.ID))

	query, args := ub.Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", e.ID).Error("failed to update entity")
		return fmt.Errorf("failed to update entity %s: %w", e.ID, err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.GetByID")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("id", id))

	return r.getOne(ctx, sb, "get entity by id")
}

func (r *Repository) FindByExternalID(ctx context.Context, entityTypeID, externalID string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.FindByExternalID")
	defer span.End()

	sb := r.activeOfType(entityTypeID)
	sb.Where(sb.Equal("external_id", externalID))
	sb.OrderBy("created_at", "id")
	sb.Limit(1)

	return r.getOne(ctx, sb, "find entity by external id")
}

func (r *Repository) FindByNormalizedName(ctx context.Context, entityTypeID, nameNormalized string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.FindByNormalizedName")
	defer span.End()

	sb := r.activeOfType(entityTypeID)
	sb.Where(sb.Equal("name_normalized", nameNormalized))
	sb.OrderBy("created_at", "id")
	sb.Limit(1)

	return r.getOne(ctx, sb, "find entity by normalized name")
}

// FindCandidates prefilters on a shared two character prefix, substring
// containment or pg_trgm similarity, closest names first, so the limit cuts
// off the weakest candidates. Scoring happens in the caller.
func (r *Repository) FindCandidates(ctx context.Context, entityTypeID, nameNormalized string, limit int) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.FindCandidates")
	defer span.End()

	sb := r.activeOfType(entityTypeID)
	name := sb.Var(nameNormalized)
	sb.Where(sb.Or(
		fmt.Sprintf("LEFT(name_normalized, 2) = LEFT(%s, 2)", name),
		fmt.Sprintf("STRPOS(name_normalized, %s) > 0", name),
		fmt.Sprintf("STRPOS(%s, name_normalized) > 0", name),
		fmt.Sprintf("name_normalized %% %s", name),
	))
	sb.OrderBy(fmt.Sprintf("similarity(name_normalized, %s) DESC", name), "id")
	if limit > 0 {
		sb.Limit(limit)
	}

	return r.list(ctx, sb, "find entity candidates")
}

func (r *Repository) FindByNormalizedNames(ctx context.Context, entityTypeID string, names []string) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.FindByNormalizedNames")
	defer span.End()

	if len(names) == 0 {
		return nil, nil
	}
	sb := r.activeOfType(entityTypeID)
	sb.Where(fmt.Sprintf("name_normalized = ANY(%s)", sb.Var(pq.Array(names))))
	sb.OrderBy("created_at", "id")

	return r.list(ctx, sb, "find entities by normalized names")
}

func (r *Repository) FindByExternalIDs(ctx context.Context, entityTypeID string, externalIDs []string) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.FindByExternalIDs")
	defer span.End()

	if len(externalIDs) == 0 {
		return nil, nil
	}
	sb := r.activeOfType(entityTypeID)
	sb.Where(fmt.Sprintf("external_id = ANY(%s)", sb.Var(pq.Array(externalIDs))))
	sb.OrderBy("created_at", "id")

	return r.list(ctx, sb, "find entities by external ids")
}

func (r *Repository) ListChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.ListChildren")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("parent_id", parentID), "is_active")
	sb.OrderBy("created_at", "id")

	return r.list(ctx, sb, "list child entities")
}

func (r *Repository) ListActiveByType(ctx context.Context, entityTypeID string) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.ListActiveByType")
	defer span.End()

	sb := r.activeOfType(entityTypeID)
	sb.OrderBy("created_at", "id")

	return r.list(ctx, sb, "list active entities")
}

const countDependentsQuery = `
SELECT e.id,
	(SELECT COUNT(*) FROM data_sources d WHERE d.entity_id = e.id) AS data_sources,
	(SELECT COUNT(*) FROM facet_values f WHERE f.entity_id = e.id AND f.is_active) AS facet_values,
	(SELECT COUNT(*) FROM sync_records s WHERE e.id = ANY(s.entity_ids)) AS sync_records,
	(SELECT COUNT(*) FROM entity_relations r WHERE r.source_entity_id = e.id OR r.target_entity_id = e.id) AS relations,
	(SELECT COUNT(*) FROM entities c WHERE c.parent_id = e.id AND c.is_active) AS children
FROM entities e
WHERE e.id = ANY($1::uuid[])`

type dependentRow struct {
	ID string `db:"id"`
	models.DependentCounts
}

// CountDependents counts the records attached to each of ids. Unknown ids
// get zero counts.
func (r *Repository) CountDependents(ctx context.Context, ids []string) (map[string]models.DependentCounts, error) {
	ctx, span := tracing.StartSpan(ctx, "EntityRepository.CountDependents")
	defer span.End()

	counts := make(map[string]models.DependentCounts, len(ids))
	for _, id := range ids {
		counts[id] = models.DependentCounts{}
	}
	if len(ids) == 0 {
		return counts, nil
	}

	var rows []dependentRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, countDependentsQuery, pq.Array(ids)); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_count", len(ids)).Error("failed to count dependents")
		return nil, fmt.Errorf("failed to count dependents: %w", err)
	}
	for _, row := range rows {
		counts[row.ID] = row.DependentCounts
	}
	return counts, nil
}

func (r *Repository) activeOfType(entityTypeID string) *database.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("entity_type_id", entityTypeID), "is_active")
	return sb
}

func (r *Repository) getOne(ctx context.Context, sb *database.SelectBuilder, op string) (*models.Entity, error) {
	query, args := sb.Build()

	var e models.Entity
	err := r.db.Conn(ctx).GetContext(ctx, &e, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to %s", op)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return &e, nil
}

func (r *Repository) list(ctx context.Context, sb *database.SelectBuilder, op string) ([]*models.Entity, error) {
	query, args := sb.Build()

	var out []*models.Entity
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to %s", op)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return out, nil
}
