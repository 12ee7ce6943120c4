package syncrecord

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

const tableName = "sync_records"

var columns = []string{
	"id", "source_id", "external_id", "entity_ids", "first_seen_at", "last_seen_at",
	"last_modified_at", "content_hash", "sync_status", "missing_since", "raw_payload",
	"error_count", "last_error", "created_at", "updated_at",
}

// ErrDuplicate is returned when a record for the same source and external id exists.
var ErrDuplicate = errors.New("sync record already exists")

// Repository implements sourcesync.RecordStore.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func entityIDs(rec *models.SyncRecord) pq.StringArray {
	if rec.EntityIDs == nil {
		return pq.StringArray{}
	}
	return rec.EntityIDs
}

func (r *Repository) Insert(ctx context.Context, rec *models.SyncRecord) error {
	ctx, span := tracing.StartSpan(ctx, "SyncRecordRepository.Insert")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(rec.ID, rec.SourceID, rec.ExternalID, entityIDs(rec), rec.FirstSeenAt, rec.LastSeenAt,
		rec.LastModifiedAt, rec.ContentHash, string(rec.SyncStatus), rec.MissingSince, rec.RawPayload,
		rec.ErrorCount, rec.LastError, rec.CreatedAt, rec.UpdatedAt)

	query, args := ib.Build()

	_, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, rec.SourceID, rec.ExternalID)
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_id":   rec.SourceID,
			"external_id": rec.ExternalID,
		}).Error("failed to insert sync record")
		return fmt.Errorf("failed to insert sync record: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, rec *models.SyncRecord) error {
	ctx, span := tracing.StartSpan(ctx, "SyncRecordRepository.Update")
	defer span.End()

	rec.UpdatedAt = time.Now()

	ub := database.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("entity_ids", entityIDs(rec)),
		ub.Assign("last_seen_at", rec.LastSeenAt),
		ub.Assign("last_modified_at", rec.LastModifiedAt),
		ub.Assign("content_hash", rec.ContentHash),
		ub.Assign("sync_status", string(rec.SyncStatus)),
		ub.Assign("missing_since", rec.MissingSince),
		ub.Assign("raw_payload", rec.RawPayload),
		ub.Assign("error_count", rec.ErrorCount),
		ub.Assign("last_error", rec.LastError),
		ub.Assign("updated_at", rec.UpdatedAt),
	)
	ub.Where(ub.Equal("id", rec.ID))

	query, args := ub.Build()

	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("sync_record_id", rec.ID).Error("failed to update sync record")
		return fmt.Errorf("failed to update sync record: %w", err)
	}
	return nil
}

func (r *Repository) ListBySource(ctx context.Context, sourceID string) ([]*models.SyncRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRecordRepository.ListBySource")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("source_id", sourceID))
	sb.OrderBy("external_id")

	query, args := sb.Build()

	var out []*models.SyncRecord
	if err := r.db.Conn(ctx).SelectContext(ctx, &out, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("source_id", sourceID).Error("failed to list sync records")
		return nil, fmt.Errorf("failed to list sync records: %w", err)
	}
	return out, nil
}

func (r *Repository) GetByExternalID(ctx context.Context, sourceID, externalID string) (*models.SyncRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRecordRepository.GetByExternalID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("source_id", sourceID), sb.Equal("external_id", externalID))

	query, args := sb.Build()

	var rec models.SyncRecord
	err := r.db.Conn(ctx).GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("external_id", externalID).Error("failed to get sync record")
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}
	return &rec, nil
}

// reassignQuery swaps merged ids for the canonical id in entity_ids,
// keeping first-occurrence order without repeats.
const reassignQuery = `
UPDATE sync_records s
SET entity_ids = (
		SELECT ARRAY_AGG(t.id ORDER BY t.pos)
		FROM (
			SELECT CASE WHEN u.id = ANY($1::uuid[]) THEN $2::uuid ELSE u.id END AS id, MIN(u.pos) AS pos
			FROM UNNEST(s.entity_ids) WITH ORDINALITY AS u(id, pos)
			GROUP BY 1
		) t
	),
	updated_at = NOW()
WHERE s.entity_ids && $1::uuid[]`

func (r *Repository) ReassignEntity(ctx context.Context, fromIDs []string, toID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncRecordRepository.ReassignEntity")
	defer span.End()

	res, err := r.db.Conn(ctx).ExecContext(ctx, reassignQuery, pq.Array(fromIDs), toID)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("to_id", toID).Error("failed to reassign sync records")
		return 0, fmt.Errorf("failed to reassign sync records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
