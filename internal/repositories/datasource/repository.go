package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "data_sources"

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Add(ctx context.Context, d *models.DataSource) error {
	ctx, span := tracing.StartSpan(ctx, "DataSourceRepository.Add")
	defer span.End()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "entity_id", "name", "url", "created_at")
	ib.Values(d.ID, d.EntityID, d.Name, d.URL, d.CreatedAt)

	query, args := ib.Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", d.EntityID).Error("failed to add data source")
		return fmt.Errorf("failed to add data source: %w", err)
	}
	return nil
}

func (r *Repository) ListByEntity(ctx context.Context, entityID string) ([]*models.DataSource, error) {
	ctx, span := tracing.StartSpan(ctx, "DataSourceRepository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "entity_id", "name", "url", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("entity_id", entityID))
	sb.OrderBy("id")

	query, args := sb.Build()

	var out []*models.DataSource
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("entity_id", entityID).Error("failed to list data sources")
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	return out, nil
}

func (r *Repository) ReassignEntity(ctx context.Context, fromIDs []string, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "DataSourceRepository.ReassignEntity")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("entity_id", toID))
	ub.Where(fmt.Sprintf("entity_id = ANY(%s::uuid[])", ub.Var(pq.Array(fromIDs))))

	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("to_id", toID).Error("failed to reassign data sources")
		return 0, fmt.Errorf("failed to reassign data sources: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
