// Package source persists external source configurations.
package source

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

const tableName = "external_sources"

var columns = []string{
	"id", "slug", "name", "entity_type_slug", "inactive_after_days", "mark_missing_inactive",
	"attribute_policy", "name_field", "external_id_field", "parent_field", "name_normalizers",
	"hash_exclusions", "schedule", "created_at", "updated_at",
}

// Repository implements sourcesync.SourceStore.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Upsert stores src keyed by slug and returns the stored row.
func (r *Repository) Upsert(ctx context.Context, src *models.ExternalSource) (*models.ExternalSource, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRepository.Upsert")
	defer span.End()

	now := time.Now()
	policy := src.Policy()
	normalizers := src.NameNormalizers
	if normalizers == nil {
		normalizers = []string{}
	}
	exclusions := src.HashExclusions
	if exclusions == nil {
		exclusions = []string{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(uuid.New().String(), src.Slug, src.Name, src.EntityTypeSlug, src.InactiveAfterDays, src.MarkMissingInactive,
		string(policy), src.NameField, src.ExternalIDField, src.ParentField, normalizers,
		exclusions, src.Schedule, now, now)
	ub := ib.OnConflict("slug")
	ub.Set(
		ub.Assign("name", database.Excluded("name")),
		ub.Assign("entity_type_slug", database.Excluded("entity_type_slug")),
		ub.Assign("inactive_after_days", database.Excluded("inactive_after_days")),
		ub.Assign("mark_missing_inactive", database.Excluded("mark_missing_inactive")),
		ub.Assign("attribute_policy", database.Excluded("attribute_policy")),
		ub.Assign("name_field", database.Excluded("name_field")),
		ub.Assign("external_id_field", database.Excluded("external_id_field")),
		ub.Assign("parent_field", database.Excluded("parent_field")),
		ub.Assign("name_normalizers", database.Excluded("name_normalizers")),
		ub.Assign("hash_exclusions", database.Excluded("hash_exclusions")),
		ub.Assign("schedule", database.Excluded("schedule")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)
	ib.Returning(columns...)

	query, args := ib.Build()

	var stored models.ExternalSource
	if err := r.db.Conn(ctx).GetContext(ctx, &stored, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("source", src.Slug).Error("failed to upsert external source")
		return nil, fmt.Errorf("failed to upsert external source %s: %w", src.Slug, err)
	}
	return &stored, nil
}

func (r *Repository) GetBySlug(ctx context.Context, slug string) (*models.ExternalSource, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRepository.GetBySlug")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("slug", slug))

	query, args := sb.Build()

	var src models.ExternalSource
	err := r.db.Conn(ctx).GetContext(ctx, &src, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("source", slug).Error("failed to get external source")
		return nil, fmt.Errorf("failed to get external source %s: %w", slug, err)
	}
	return &src, nil
}

func (r *Repository) List(ctx context.Context) ([]*models.ExternalSource, error) {
	ctx, span := tracing.StartSpan(ctx, "SourceRepository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.OrderBy("slug")

	query, args := sb.Build()

	var out []*models.ExternalSource
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("failed to list external sources")
		return nil, fmt.Errorf("failed to list external sources: %w", err)
	}
	return out, nil
}
