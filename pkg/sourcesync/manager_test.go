package sourcesync_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/cache"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/sourcesync"
)

type fixture struct {
	store     *memstore.Store
	manager   *sourcesync.Manager
	published *events.MemoryPublisher
	now       time.Time
}

func newFixture(t *testing.T, wrapRecords ...func(sourcesync.RecordStore) sourcesync.RecordStore) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	f := &fixture{
		store:     memstore.New(),
		published: &events.MemoryPublisher{},
		now:       time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.WithClock(clock)

	_, err := f.store.Types().CreateEntityType(ctx, models.EntityType{Slug: "municipality", Name: "Municipality", SupportsHierarchy: true})
	require.NoError(t, err)

	types := cache.NewTypeCache(f.store.Types(), nil, time.Minute, logger)
	emitter := events.NewEmitter(f.published, logger)
	engine := resolver.NewEngine(f.store.Entities(), types, logger,
		resolver.WithTransactor(f.store),
		resolver.WithEmitter(emitter),
		resolver.WithClock(clock),
	)
	var records sourcesync.RecordStore = f.store.SyncRecords()
	for _, wrap := range wrapRecords {
		records = wrap(records)
	}
	f.manager = sourcesync.NewManager(engine, types, f.store.Entities(), f.store.Sources(), records, logger,
		sourcesync.WithClock(clock),
		sourcesync.WithTransactor(f.store),
		sourcesync.WithEmitter(emitter),
	)
	return f
}

func (f *fixture) pass(t *testing.T, src models.ExternalSource, records ...*sourcesync.RawRecord) *sourcesync.SyncReport {
	t.Helper()
	report, err := f.manager.SyncSource(context.Background(), src, sourcesync.NewSliceStream(records...))
	require.NoError(t, err)
	return report
}

func (f *fixture) record(t *testing.T, src models.ExternalSource, externalID string) *models.SyncRecord {
	t.Helper()
	ctx := context.Background()
	stored, err := f.store.Sources().GetBySlug(ctx, src.Slug)
	require.NoError(t, err)
	require.NotNil(t, stored)
	rec, err := f.store.SyncRecords().GetByExternalID(ctx, stored.ID, externalID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (f *fixture) entity(t *testing.T, rec *models.SyncRecord) *models.Entity {
	t.Helper()
	require.Len(t, rec.EntityIDs, 1)
	entity, err := f.store.Entities().GetByID(context.Background(), rec.EntityIDs[0])
	require.NoError(t, err)
	require.NotNil(t, entity)
	return entity
}

func municipalities(markMissingInactive bool) models.ExternalSource {
	return models.ExternalSource{
		Slug:                "gemeindeverzeichnis",
		Name:                "Gemeindeverzeichnis",
		EntityTypeSlug:      "municipality",
		InactiveAfterDays:   2,
		MarkMissingInactive: markMissingInactive,
		NameField:           "name",
		ExternalIDField:     "ags",
	}
}

func koeln() *sourcesync.RawRecord {
	return &sourcesync.RawRecord{Fields: map[string]any{"ags": "05315000", "name": "Köln", "population": float64(1084831)}}
}

func duesseldorf() *sourcesync.RawRecord {
	return &sourcesync.RawRecord{Fields: map[string]any{"ags": "05111000", "name": "Düsseldorf"}}
}

func TestSyncSource_LifecycleOverDailyPasses(t *testing.T) {
	f := newFixture(t)
	src := municipalities(true)

	// pass 1: present
	report := f.pass(t, src, koeln(), duesseldorf())
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Created)
	assert.Empty(t, report.Errors)

	rec := f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusActive, rec.SyncStatus)
	assert.Nil(t, rec.MissingSince)
	entity := f.entity(t, rec)
	assert.True(t, entity.IsActive)
	require.NotNil(t, entity.ExternalID)
	assert.Equal(t, "05315000", *entity.ExternalID)
	assert.Equal(t, float64(1084831), entity.Attributes["population"])
	assert.NotContains(t, entity.Attributes, "name")

	// pass 2: first absence
	f.now = f.now.Add(24 * time.Hour)
	missingSince := f.now
	report = f.pass(t, src, duesseldorf())
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Missing)

	rec = f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusMissing, rec.SyncStatus)
	require.NotNil(t, rec.MissingSince)
	assert.True(t, missingSince.Equal(*rec.MissingSince))
	assert.True(t, f.entity(t, rec).IsActive)

	// pass 3: still missing, missing_since untouched
	f.now = f.now.Add(24 * time.Hour)
	report = f.pass(t, src, duesseldorf())
	assert.Equal(t, 1, report.Missing)
	assert.Zero(t, report.Archived)

	rec = f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusMissing, rec.SyncStatus)
	assert.True(t, missingSince.Equal(*rec.MissingSince))
	assert.True(t, f.entity(t, rec).IsActive)
	assert.Empty(t, f.published.Events(events.EventTypeEntityArchived))

	// pass 4: archived, entity deactivated
	f.now = f.now.Add(24 * time.Hour)
	report = f.pass(t, src, duesseldorf())
	assert.Equal(t, 1, report.Archived)

	rec = f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusArchived, rec.SyncStatus)
	assert.False(t, f.entity(t, rec).IsActive)
	assert.Len(t, f.published.Events(events.EventTypeEntityArchived), 1)

	// records and entities are never deleted
	assert.Len(t, f.store.Entities().All(), 2)

	// pass 5: reappearance reactivates
	f.now = f.now.Add(24 * time.Hour)
	report = f.pass(t, src, koeln(), duesseldorf())
	assert.Equal(t, 1, report.Reactivated)
	assert.Zero(t, report.Created)

	rec = f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusActive, rec.SyncStatus)
	assert.Nil(t, rec.MissingSince)
	assert.True(t, f.entity(t, rec).IsActive)
	assert.Len(t, f.published.Events(events.EventTypeEntityReactivated), 1)
	assert.Len(t, f.store.Entities().All(), 2)
}

func TestSyncSource_ArchivalWithoutDeactivation(t *testing.T) {
	f := newFixture(t)
	src := municipalities(false)

	f.pass(t, src, koeln())
	for range 3 {
		f.now = f.now.Add(24 * time.Hour)
		f.pass(t, src)
	}

	rec := f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusArchived, rec.SyncStatus)
	assert.True(t, f.entity(t, rec).IsActive)
	assert.Empty(t, f.published.Events(events.EventTypeEntityArchived))
}

func TestSyncSource_ContentChanges(t *testing.T) {
	f := newFixture(t)
	src := municipalities(true)
	src.HashExclusions = []string{"fetched_at"}

	record := func(population float64, fetchedAt string) *sourcesync.RawRecord {
		return &sourcesync.RawRecord{Fields: map[string]any{
			"ags": "05315000", "name": "Köln", "population": population, "fetched_at": fetchedAt,
		}}
	}

	f.pass(t, src, record(1084831, "2024-03-01"))
	first := f.record(t, src, "05315000")

	f.now = f.now.Add(time.Hour)
	report := f.pass(t, src, record(1084831, "2024-03-02"))
	assert.Equal(t, 1, report.Unchanged)
	unchanged := f.record(t, src, "05315000")
	assert.Equal(t, first.ContentHash, unchanged.ContentHash)
	assert.True(t, f.now.Equal(unchanged.LastSeenAt))

	modified := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	changed := record(1090000, "2024-03-03")
	changed.ModifiedAt = &modified
	f.now = f.now.Add(time.Hour)
	report = f.pass(t, src, changed)
	assert.Equal(t, 1, report.Updated)

	rec := f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusUpdated, rec.SyncStatus)
	assert.NotEqual(t, first.ContentHash, rec.ContentHash)
	require.NotNil(t, rec.LastModifiedAt)
	assert.True(t, modified.Equal(*rec.LastModifiedAt))
	assert.Equal(t, float64(1090000), rec.RawPayload["population"])
	assert.Equal(t, float64(1090000), f.entity(t, rec).Attributes["population"])

	f.now = f.now.Add(time.Hour)
	f.pass(t, src, record(1090000, "2024-03-04"))
	assert.Equal(t, models.SyncStatusActive, f.record(t, src, "05315000").SyncStatus)
}

func TestSyncSource_PartialFailure(t *testing.T) {
	f := newFixture(t)
	src := municipalities(true)
	src.ParentField = "parent_ags"

	nrw := &sourcesync.RawRecord{Fields: map[string]any{"ags": "05", "name": "Nordrhein-Westfalen"}}
	withParent := func(parent string) *sourcesync.RawRecord {
		return &sourcesync.RawRecord{Fields: map[string]any{"ags": "05315000", "name": "Köln", "parent_ags": parent}}
	}

	report := f.pass(t, src,
		nrw,
		&sourcesync.RawRecord{Fields: map[string]any{"ags": "05111000"}},
		&sourcesync.RawRecord{Fields: map[string]any{"name": "Bonn"}},
		withParent("05"),
	)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "05111000", report.Errors[0].ExternalID)
	assert.ErrorIs(t, report.Errors[0], ferrors.ErrValidation)
	assert.Equal(t, src.Slug, report.Errors[1].SourceSlug)

	city := f.entity(t, f.record(t, src, "05315000"))
	assert.Equal(t, "/nordrhein-westfalen/koeln", city.HierarchyPath)
	assert.Equal(t, 1, city.HierarchyLevel)

	// a tracked record that fails keeps its state and counts the error
	f.now = f.now.Add(24 * time.Hour)
	report = f.pass(t, src, nrw, withParent("99"))
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], ferrors.ErrNotFound)
	assert.Zero(t, report.Missing)

	rec := f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusActive, rec.SyncStatus)
	assert.Equal(t, 1, rec.ErrorCount)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "99")

	f.now = f.now.Add(24 * time.Hour)
	f.pass(t, src, nrw, withParent("05"))
	rec = f.record(t, src, "05315000")
	assert.Nil(t, rec.LastError)
	assert.Equal(t, 1, rec.ErrorCount)
}

type failingStream struct {
	records []*sourcesync.RawRecord
}

func (s *failingStream) Next(context.Context) (*sourcesync.RawRecord, error) {
	if len(s.records) == 0 {
		return nil, errors.New("connection reset")
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

func TestSyncSource_StreamErrorSkipsEscalation(t *testing.T) {
	f := newFixture(t)
	src := municipalities(true)

	f.pass(t, src, koeln(), duesseldorf())

	f.now = f.now.Add(24 * time.Hour)
	report, err := f.manager.SyncSource(context.Background(), src, &failingStream{records: []*sourcesync.RawRecord{duesseldorf()}})
	require.Error(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Zero(t, report.Missing)

	assert.Equal(t, models.SyncStatusActive, f.record(t, src, "05315000").SyncStatus)
}

func TestSyncSource_UnreadableLineContinuesPass(t *testing.T) {
	f := newFixture(t)
	src := municipalities(true)

	f.pass(t, src, koeln(), duesseldorf())

	f.now = f.now.Add(24 * time.Hour)
	listing := strings.Join([]string{
		`{"ags": "05334002", "name": "Aachen"}`,
		`not json`,
		`{"ags": "05314000", "name": "Bonn"}`,
		`{"ags": "05111000", "name": "Düsseldorf"}`,
	}, "\n")
	report, err := f.manager.SyncSource(context.Background(), src, sourcesync.NewJSONLinesStream(strings.NewReader(listing)))
	require.NoError(t, err)

	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, 1, report.Unidentified)
	require.Len(t, report.Errors, 1)
	assert.True(t, sourcesync.IsUnreadable(report.Errors[0]))
	assert.Contains(t, report.Errors[0].Message, "line 2")

	// the unreadable line might have been Köln, so nothing is marked missing
	assert.True(t, report.EscalationSkipped)
	assert.Zero(t, report.Missing)
	assert.Equal(t, models.SyncStatusActive, f.record(t, src, "05315000").SyncStatus)

	f.now = f.now.Add(24 * time.Hour)
	report = f.pass(t, src, duesseldorf())
	assert.False(t, report.EscalationSkipped)
	assert.Equal(t, models.SyncStatusMissing, f.record(t, src, "05315000").SyncStatus)
}

type failingInserts struct {
	sourcesync.RecordStore
}

func (failingInserts) Insert(context.Context, *models.SyncRecord) error {
	return errors.New("disk full")
}

func TestSyncSource_RolledBackRecordPublishesNothing(t *testing.T) {
	f := newFixture(t, func(rs sourcesync.RecordStore) sourcesync.RecordStore {
		return failingInserts{rs}
	})

	report, err := f.manager.SyncSource(context.Background(), municipalities(true), sourcesync.NewSliceStream(koeln()))
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Zero(t, report.Created)

	assert.Empty(t, f.store.Entities().All(), "the entity is rolled back with its sync record")
	assert.Empty(t, f.published.Events(), "no event for a rolled back entity")
}

func TestSyncSource_InvalidSource(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*models.ExternalSource)
		err    error
	}{
		{name: "missing slug", mutate: func(s *models.ExternalSource) { s.Slug = "" }, err: ferrors.ErrValidation},
		{name: "missing name field", mutate: func(s *models.ExternalSource) { s.NameField = "" }, err: ferrors.ErrValidation},
		{name: "negative inactivity", mutate: func(s *models.ExternalSource) { s.InactiveAfterDays = -1 }, err: ferrors.ErrValidation},
		{name: "bad policy", mutate: func(s *models.ExternalSource) { s.AttributePolicy = "append" }, err: ferrors.ErrValidation},
		{name: "unknown entity type", mutate: func(s *models.ExternalSource) { s.EntityTypeSlug = "planet" }, err: ferrors.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := municipalities(true)
			tt.mutate(&src)
			_, err := f.manager.SyncSource(context.Background(), src, sourcesync.NewSliceStream())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestApplyRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := municipalities(true)

	change, err := f.manager.ApplyRecord(ctx, src, koeln())
	require.NoError(t, err)
	assert.Equal(t, sourcesync.ChangeCreated, change)

	change, err = f.manager.ApplyRecord(ctx, src, koeln())
	require.NoError(t, err)
	assert.Equal(t, sourcesync.ChangeUnchanged, change)

	changed := koeln()
	changed.Fields["population"] = float64(1090000)
	change, err = f.manager.ApplyRecord(ctx, src, changed)
	require.NoError(t, err)
	assert.Equal(t, sourcesync.ChangeUpdated, change)

	rec := f.record(t, src, "05315000")
	assert.Equal(t, models.SyncStatusUpdated, rec.SyncStatus)
	assert.Equal(t, float64(1090000), f.entity(t, rec).Attributes["population"])

	// a single pushed record never marks the others missing
	_, err = f.manager.ApplyRecord(ctx, src, duesseldorf())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusUpdated, f.record(t, src, "05315000").SyncStatus)
}

func TestApplyRecord_Failure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := municipalities(true)

	_, err := f.manager.ApplyRecord(ctx, src, &sourcesync.RawRecord{Fields: map[string]any{"name": "Köln"}})
	var passErr *ferrors.SyncPassError
	require.True(t, errors.As(err, &passErr))
	assert.ErrorIs(t, err, ferrors.ErrValidation)

	_, err = f.manager.ApplyRecord(ctx, src, &sourcesync.RawRecord{Fields: map[string]any{"ags": "1", "name": "  "}})
	require.True(t, errors.As(err, &passErr))
	assert.Equal(t, "1", passErr.ExternalID)
}

func TestApplyRecord_NestedFieldPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := municipalities(false)
	src.Slug = "geojson"
	src.NameField = "properties.GEN"
	src.ExternalIDField = "properties.AGS"

	raw := &sourcesync.RawRecord{Fields: map[string]any{
		"type":       "Feature",
		"properties": map[string]any{"AGS": "05314000", "GEN": "Bonn"},
	}}
	change, err := f.manager.ApplyRecord(ctx, src, raw)
	require.NoError(t, err)
	assert.Equal(t, sourcesync.ChangeCreated, change)

	entity := f.entity(t, f.record(t, src, "05314000"))
	assert.Equal(t, "Bonn", entity.Name)
	assert.Contains(t, entity.Attributes, "properties", "nested identifying fields stay in the attributes")
}
