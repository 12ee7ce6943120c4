// Package sourcesync reconciles full listings from periodically polled
// external APIs with the entities and sync records they produced.
package sourcesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/extractor"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Clock returns the current time.
type Clock func() time.Time

// EntityResolver is the part of resolver.Engine the manager drives.
type EntityResolver interface {
	ResolveOrCreate(ctx context.Context, req resolver.ResolveRequest) (*models.Entity, resolver.Outcome, error)
}

// EntityStore reads and flips entities for archival and reactivation.
type EntityStore interface {
	GetByID(ctx context.Context, id string) (*models.Entity, error)
	Update(ctx context.Context, entity *models.Entity) error
	FindByExternalID(ctx context.Context, entityTypeID, externalID string) (*models.Entity, error)
	FindByNormalizedName(ctx context.Context, entityTypeID, nameNormalized string) (*models.Entity, error)
}

// SourceStore persists source configurations.
type SourceStore interface {
	Upsert(ctx context.Context, src *models.ExternalSource) (*models.ExternalSource, error)
}

// RecordStore persists sync records.
type RecordStore interface {
	ListBySource(ctx context.Context, sourceID string) ([]*models.SyncRecord, error)
	// GetByExternalID returns (nil, nil) when the record is not tracked.
	GetByExternalID(ctx context.Context, sourceID, externalID string) (*models.SyncRecord, error)
	Insert(ctx context.Context, rec *models.SyncRecord) error
	Update(ctx context.Context, rec *models.SyncRecord) error
}

// SyncReport summarizes one pass over a source.
type SyncReport struct {
	Source      string    `json:"source"`
	PassID      string    `json:"pass_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Processed   int       `json:"processed"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Unchanged   int       `json:"unchanged"`
	Missing     int       `json:"missing"`
	Archived    int       `json:"archived"`
	Reactivated int       `json:"reactivated"`

	// Unidentified counts entries that were unreadable or had no external
	// id. Any of them could be a tracked record, so absence escalation is
	// skipped for the pass.
	Unidentified      int                      `json:"unidentified"`
	EscalationSkipped bool                     `json:"escalation_skipped"`
	Errors            []*ferrors.SyncPassError `json:"errors"`
}

func (r *SyncReport) count(change Change) {
	switch change {
	case ChangeCreated:
		r.Created++
	case ChangeUpdated:
		r.Updated++
	case ChangeUnchanged:
		r.Unchanged++
	case ChangeReactivated:
		r.Reactivated++
	case ChangeMissing, ChangeStillMissing:
		r.Missing++
	case ChangeArchived:
		r.Archived++
	}
}

type Manager struct {
	resolver EntityResolver
	types    resolver.TypeResolver
	entities EntityStore
	sources  SourceStore
	records  RecordStore
	tx       database.Transactor
	emitter  *events.Emitter
	logger   ectologger.Logger
	now      Clock
}

type Option func(*Manager)

func WithClock(clock Clock) Option {
	return func(m *Manager) { m.now = clock }
}

func WithEmitter(emitter *events.Emitter) Option {
	return func(m *Manager) { m.emitter = emitter }
}

func WithTransactor(tx database.Transactor) Option {
	return func(m *Manager) { m.tx = tx }
}

func NewManager(
	entityResolver EntityResolver,
	types resolver.TypeResolver,
	entities EntityStore,
	sources SourceStore,
	records RecordStore,
	logger ectologger.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		resolver: entityResolver,
		types:    types,
		entities: entities,
		sources:  sources,
		records:  records,
		tx:       database.NoTx,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncSource runs one reconciliation pass of src over a full listing.
// Records are committed one at a time, so a failing or unreadable record is
// reported and the pass continues. Absent records are escalated only after
// the stream is exhausted and only when every entry was identified. A stream
// error aborts the pass before that step and returns the partial report.
func (m *Manager) SyncSource(ctx context.Context, src models.ExternalSource, stream RecordStream) (*SyncReport, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcesync.Manager.SyncSource")
	defer span.End()

	passID := uuid.New().String()
	ctx = appctx.SetSource(ctx, src.Slug)
	ctx = appctx.SetPassID(ctx, passID)
	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"source":  src.Slug,
		"pass_id": passID,
	})

	report := &SyncReport{Source: src.Slug, PassID: passID, StartedAt: m.now(), Errors: []*ferrors.SyncPassError{}}
	defer func() {
		report.FinishedAt = m.now()
		metrics.RecordSyncPass(src.Slug, report.FinishedAt.Sub(report.StartedAt), len(report.Errors))
	}()

	et, err := m.prepare(ctx, &src)
	if err != nil {
		return report, err
	}

	existing, err := m.records.ListBySource(ctx, src.ID)
	if err != nil {
		log.WithError(err).Error("Failed to load sync records")
		return report, fmt.Errorf("failed to load sync records for %s: %w", src.Slug, err)
	}
	tracked := make(map[string]*models.SyncRecord, len(existing))
	for _, rec := range existing {
		tracked[rec.ExternalID] = rec
	}
	seen := make(map[string]bool, len(existing))

	for {
		raw, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if IsUnreadable(err) {
			report.Processed++
			report.Unidentified++
			m.fail(ctx, &src, nil, "", err, report)
			continue
		}
		if err != nil {
			tracing.RecordError(span, err)
			log.WithError(err).WithField("processed", report.Processed).Error("Record stream failed, skipping absence escalation")
			return report, fmt.Errorf("record stream for %s failed: %w", src.Slug, err)
		}

		report.Processed++
		m.processRecord(ctx, &src, et, raw, tracked, seen, report)
	}

	if report.Unidentified > 0 {
		report.EscalationSkipped = true
		log.WithField("unidentified", report.Unidentified).Warn("Listing had unidentified entries, skipping absence escalation")
	} else {
		for _, extID := range sortedKeys(tracked) {
			if seen[extID] {
				continue
			}
			m.escalate(ctx, &src, tracked[extID], report)
		}
	}

	log.WithFields(map[string]any{
		"processed":   report.Processed,
		"created":     report.Created,
		"updated":     report.Updated,
		"unchanged":   report.Unchanged,
		"missing":     report.Missing,
		"archived":    report.Archived,
		"reactivated": report.Reactivated,
		"errors":      len(report.Errors),
	}).Info("Sync pass finished")
	return report, nil
}

// ApplyRecord reconciles one record pushed by a streaming source, outside
// any pass. Absence is never inferred from a single record.
func (m *Manager) ApplyRecord(ctx context.Context, src models.ExternalSource, raw *RawRecord) (Change, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcesync.Manager.ApplyRecord")
	defer span.End()

	ctx = appctx.SetSource(ctx, src.Slug)
	et, err := m.prepare(ctx, &src)
	if err != nil {
		return "", err
	}

	extID := recordExternalID(&src, raw)
	if extID == "" {
		return "", ferrors.NewSyncPassError(src.Slug, "", ferrors.Validation("record has no %s", src.ExternalIDField))
	}
	prev, err := m.records.GetByExternalID(ctx, src.ID, extID)
	if err != nil {
		return "", fmt.Errorf("failed to load sync record %s: %w", extID, err)
	}

	var next *models.SyncRecord
	var change Change
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		next, change, err = m.apply(ctx, &src, et, raw, extID, prev)
		return err
	})
	if err != nil {
		tracing.RecordError(span, err)
		report := &SyncReport{}
		m.fail(ctx, &src, prev, extID, err, report)
		return "", report.Errors[0]
	}

	metrics.RecordSyncTransition(src.Slug, string(next.SyncStatus))
	return change, nil
}

// prepare validates src, resolves its entity type and stores it, setting src.ID.
func (m *Manager) prepare(ctx context.Context, src *models.ExternalSource) (*models.EntityType, error) {
	if err := validateSource(*src); err != nil {
		return nil, err
	}
	et, err := m.types.EntityType(ctx, src.EntityTypeSlug)
	if err != nil {
		return nil, err
	}
	if et == nil {
		return nil, ferrors.UnknownType("entity type", src.EntityTypeSlug)
	}

	stored, err := m.sources.Upsert(ctx, src)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("source", src.Slug).Error("Failed to store source")
		return nil, fmt.Errorf("failed to store source %s: %w", src.Slug, err)
	}
	src.ID = stored.ID
	return et, nil
}

func validateSource(src models.ExternalSource) error {
	switch {
	case strings.TrimSpace(src.Slug) == "":
		return ferrors.Validation("source slug is required")
	case strings.TrimSpace(src.EntityTypeSlug) == "":
		return ferrors.Validation("source %s: entity type is required", src.Slug)
	case src.NameField == "":
		return ferrors.Validation("source %s: name field is required", src.Slug)
	case src.InactiveAfterDays < 0:
		return ferrors.Validation("source %s: inactive_after_days must not be negative", src.Slug)
	case src.AttributePolicy != "" && !src.AttributePolicy.Valid():
		return ferrors.Validation("source %s: unknown attribute policy %q", src.Slug, src.AttributePolicy)
	}
	return nil
}

// processRecord resolves and records one streamed record in its own
// transaction. Failures are recorded on the report and the sync record.
func (m *Manager) processRecord(
	ctx context.Context,
	src *models.ExternalSource,
	et *models.EntityType,
	raw *RawRecord,
	tracked map[string]*models.SyncRecord,
	seen map[string]bool,
	report *SyncReport,
) {
	extID := recordExternalID(src, raw)
	if extID == "" {
		report.Unidentified++
		m.fail(ctx, src, nil, "", ferrors.Validation("record has no %s", src.ExternalIDField), report)
		return
	}
	seen[extID] = true

	prev := tracked[extID]
	var next *models.SyncRecord
	var change Change

	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		next, change, err = m.apply(ctx, src, et, raw, extID, prev)
		return err
	})
	if err != nil {
		m.fail(ctx, src, prev, extID, err, report)
		return
	}

	tracked[extID] = next
	report.count(change)
	metrics.RecordSyncTransition(src.Slug, string(next.SyncStatus))
}

func (m *Manager) apply(
	ctx context.Context,
	src *models.ExternalSource,
	et *models.EntityType,
	raw *RawRecord,
	extID string,
	prev *models.SyncRecord,
) (*models.SyncRecord, Change, error) {
	name := extractor.String(raw.Fields, src.NameField)
	name = strings.TrimSpace(normalizers.ApplyChain(name, src.NameNormalizers...))
	if name == "" {
		return nil, "", ferrors.Validation("record has no %s", src.NameField)
	}

	payload, err := models.NewAttributes(raw.Fields)
	if err != nil {
		return nil, "", ferrors.Validation("record payload: %v", err)
	}

	rec := &models.SyncRecord{SourceID: src.ID, ExternalID: extID}
	if prev != nil {
		rec = copyRecord(prev)
	}
	wasArchived := rec.SyncStatus == models.SyncStatusArchived

	now := m.now()
	change := Transition(rec, Observation{
		Present:     true,
		ContentHash: fingerprint.GenerateWithExclusions(raw.Fields, src.HashExclusions),
		ModifiedAt:  raw.ModifiedAt,
	}, now, src.InactiveAfterDays)

	if wasArchived && src.MarkMissingInactive {
		if err := m.reactivateLinked(ctx, et, rec); err != nil {
			return nil, "", err
		}
	}

	parentID, err := m.parentID(ctx, src, et, raw)
	if err != nil {
		return nil, "", err
	}

	sourceID := src.ID
	entity, _, err := m.resolver.ResolveOrCreate(ctx, resolver.ResolveRequest{
		EntityType: src.EntityTypeSlug,
		Name:       name,
		ExternalID: &extID,
		ParentID:   parentID,
		Attributes: entityAttributes(src, payload),
		Policy:     src.Policy(),
		SourceID:   &sourceID,
	})
	if err != nil {
		return nil, "", err
	}

	if !rec.LinksEntity(entity.ID) {
		rec.EntityIDs = append(rec.EntityIDs, entity.ID)
	}
	if change != ChangeUnchanged {
		rec.RawPayload = payload
	}
	rec.LastError = nil

	if prev == nil {
		err = m.records.Insert(ctx, rec)
	} else {
		err = m.records.Update(ctx, rec)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to save sync record: %w", err)
	}
	return rec, change, nil
}

// reactivateLinked turns entities archived by this source back on, unless
// another active entity has taken the name in the meantime.
func (m *Manager) reactivateLinked(ctx context.Context, et *models.EntityType, rec *models.SyncRecord) error {
	for _, id := range rec.EntityIDs {
		entity, err := m.entities.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if entity == nil || entity.IsActive {
			continue
		}

		taken, err := m.entities.FindByNormalizedName(ctx, entity.EntityTypeID, entity.NameNormalized)
		if err != nil {
			return err
		}
		if taken != nil {
			m.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_id":   entity.ID,
				"replaced_by": taken.ID,
			}).Warn("Not reactivating entity, its name is taken by another active entity")
			continue
		}

		entity.IsActive = true
		entity.UpdatedAt = m.now()
		if err := m.entities.Update(ctx, entity); err != nil {
			return err
		}
		m.emitter.EntityReactivated(ctx, entity)
	}
	return nil
}

// parentID looks the parent up by the external id in the source's parent field.
func (m *Manager) parentID(ctx context.Context, src *models.ExternalSource, et *models.EntityType, raw *RawRecord) (*string, error) {
	if src.ParentField == "" {
		return nil, nil
	}
	parentExt := extractor.String(raw.Fields, src.ParentField)
	if parentExt == "" {
		return nil, nil
	}
	parent, err := m.entities.FindByExternalID(ctx, et.ID, parentExt)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, ferrors.NotFound("parent entity", parentExt)
	}
	return &parent.ID, nil
}

// escalate records the absence of a tracked record from a complete listing.
func (m *Manager) escalate(ctx context.Context, src *models.ExternalSource, prev *models.SyncRecord, report *SyncReport) {
	rec := copyRecord(prev)
	change := Transition(rec, Observation{}, m.now(), src.InactiveAfterDays)
	if change == ChangeStillArchived {
		return
	}

	var archived []*models.Entity
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		archived = nil
		if change == ChangeArchived && src.MarkMissingInactive {
			for _, id := range rec.EntityIDs {
				entity, err := m.entities.GetByID(ctx, id)
				if err != nil {
					return err
				}
				if entity == nil || !entity.IsActive {
					continue
				}
				entity.IsActive = false
				entity.UpdatedAt = m.now()
				if err := m.entities.Update(ctx, entity); err != nil {
					return err
				}
				archived = append(archived, entity)
			}
		}
		return m.records.Update(ctx, rec)
	})
	if err != nil {
		m.fail(ctx, src, prev, prev.ExternalID, err, report)
		return
	}

	report.count(change)
	metrics.RecordSyncTransition(src.Slug, string(rec.SyncStatus))
	for _, entity := range archived {
		m.emitter.EntityArchived(ctx, entity)
	}
	if change == ChangeArchived {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"external_id":   rec.ExternalID,
			"entities":      len(archived),
			"missing_since": rec.MissingSince,
		}).Info("Archived missing record")
	}
}

// fail reports a record failure and, for tracked records, stores it on the record.
func (m *Manager) fail(ctx context.Context, src *models.ExternalSource, prev *models.SyncRecord, extID string, err error, report *SyncReport) {
	passErr := ferrors.NewSyncPassError(src.Slug, extID, err)
	report.Errors = append(report.Errors, passErr)

	log := m.logger.WithContext(ctx).WithError(err).WithField("external_id", extID)
	log.Warn("Sync record failed")

	if prev == nil {
		return
	}
	rec := copyRecord(prev)
	rec.ErrorCount++
	msg := passErr.Message
	rec.LastError = &msg
	if err := m.records.Update(ctx, rec); err != nil {
		log.WithError(err).Error("Failed to record sync error")
		return
	}
	*prev = *rec
}

func recordExternalID(src *models.ExternalSource, raw *RawRecord) string {
	if id := strings.TrimSpace(raw.ExternalID); id != "" {
		return id
	}
	if src.ExternalIDField == "" {
		return ""
	}
	return extractor.String(raw.Fields, src.ExternalIDField)
}

// entityAttributes drops the top-level identifying fields from the payload.
// Fields addressed by a nested path stay in place.
func entityAttributes(src *models.ExternalSource, payload models.Attributes) models.Attributes {
	attrs := payload.Clone()
	if attrs == nil {
		return models.Attributes{}
	}
	for _, field := range []string{src.NameField, src.ExternalIDField, src.ParentField} {
		if field != "" && !extractor.IsNested(field) {
			delete(attrs, field)
		}
	}
	return attrs
}

func copyRecord(r *models.SyncRecord) *models.SyncRecord {
	out := *r
	out.EntityIDs = slices.Clone(r.EntityIDs)
	out.RawPayload = r.RawPayload.Clone()
	return &out
}

func sortedKeys(m map[string]*models.SyncRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
