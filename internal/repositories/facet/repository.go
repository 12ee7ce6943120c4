// Package facet is the Postgres store for facet values. Embeddings live in a
// pgvector column so near-duplicate facets can be looked up by similarity.
package facet

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "facet_values"

var columns = []string{
	"id", "entity_id", "facet_type_id", "text", "text_normalized", "confidence",
	"observed_at", "source_url", "embedding", "is_active", "created_at",
}

type row struct {
	models.FacetValue
	Vector *pgvector.Vector `db:"embedding"`
}

func (r row) value() *models.FacetValue {
	f := r.FacetValue
	if r.Vector != nil {
		f.Embedding = r.Vector.Slice()
	}
	return &f
}

// Repository implements facets.Store and the merge reassigner for facets.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Insert(ctx context.Context, f *models.FacetValue) error {
	ctx, span := tracing.StartSpan(ctx, "FacetRepository.Insert")
	defer span.End()

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	var embedding any
	if len(f.Embedding) > 0 {
		embedding = pgvector.NewVector(f.Embedding)
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(f.ID, f.EntityID, f.FacetTypeID, f.Text, f.TextNormalized, f.Confidence,
		f.ObservedAt, f.SourceURL, embedding, f.IsActive, f.CreatedAt)

	query, args := ib.Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_id":     f.EntityID,
			"facet_type_id": f.FacetTypeID,
		}).Error("failed to insert facet value")
		return fmt.Errorf("failed to insert facet value: %w", err)
	}
	return nil
}

// ListActive returns the active facets of one type on an entity, oldest first.
func (r *Repository) ListActive(ctx context.Context, entityID, facetTypeID string) ([]*models.FacetValue, error) {
	ctx, span := tracing.StartSpan(ctx, "FacetRepository.ListActive")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("entity_id", entityID), sb.Equal("facet_type_id", facetTypeID), "is_active")
	sb.OrderBy("created_at", "id")

	return r.list(ctx, sb, "list active facets")
}

// NearestActive returns up to limit active facets of the type on the entity,
// closest to embedding by cosine distance.
func (r *Repository) NearestActive(ctx context.Context, entityID, facetTypeID string, embedding []float32, limit int) ([]*models.FacetValue, error) {
	ctx, span := tracing.StartSpan(ctx, "FacetRepository.NearestActive")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("entity_id", entityID), sb.Equal("facet_type_id", facetTypeID), "is_active", sb.IsNotNull("embedding"))
	sb.OrderBy(fmt.Sprintf("embedding <=> %s", sb.Var(pgvector.NewVector(embedding))))
	sb.Limit(limit)

	return r.list(ctx, sb, "find nearest facets")
}

func (r *Repository) Deactivate(ctx context.Context, id string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "FacetRepository.Deactivate")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("is_active", false))
	ub.Where(ub.Equal("id", id), "is_active")

	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("facet_id", id).Error("failed to deactivate facet value")
		return false, fmt.Errorf("failed to deactivate facet value: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) ReassignEntity(ctx context.Context, fromIDs []string, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "FacetRepository.ReassignEntity")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("entity_id", toID))
	ub.Where(fmt.Sprintf("entity_id = ANY(%s::uuid[])", ub.Var(pq.Array(fromIDs))))

	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("to_id", toID).Error("failed to reassign facet values")
		return 0, fmt.Errorf("failed to reassign facet values: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) list(ctx context.Context, sb *database.SelectBuilder, op string) ([]*models.FacetValue, error) {
	query, args := sb.Build()

	var rows []row
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to %s", op)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	out := make([]*models.FacetValue, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.value())
	}
	return out, nil
}
