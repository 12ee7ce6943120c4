package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestEntityStore_InsertReportsConflicts(t *testing.T) {
	ctx := context.Background()
	entities := New().Entities()

	res, err := entities.Insert(ctx, &models.Entity{EntityTypeID: "t1", Name: "Köln", NameNormalized: "koeln", ExternalID: strPtr("05315000"), IsActive: true})
	require.NoError(t, err)
	require.False(t, res.IsConflict())
	require.NotEmpty(t, res.Entity.ID)

	tests := []struct {
		name     string
		entity   models.Entity
		conflict bool
	}{
		{name: "same normalized name", entity: models.Entity{EntityTypeID: "t1", NameNormalized: "koeln", IsActive: true}, conflict: true},
		{name: "same external id", entity: models.Entity{EntityTypeID: "t1", NameNormalized: "cologne", ExternalID: strPtr("05315000"), IsActive: true}, conflict: true},
		{name: "other entity type", entity: models.Entity{EntityTypeID: "t2", NameNormalized: "koeln", IsActive: true}},
		{name: "inactive insert", entity: models.Entity{EntityTypeID: "t1", NameNormalized: "koeln"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := entities.Insert(ctx, &tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.conflict, res.IsConflict())
		})
	}
}

func TestEntityStore_FindersIgnoreInactive(t *testing.T) {
	ctx := context.Background()
	entities := New().Entities()

	res, err := entities.Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "bonn", IsActive: true})
	require.NoError(t, err)

	found, err := entities.FindByNormalizedName(ctx, "t1", "bonn")
	require.NoError(t, err)
	require.NotNil(t, found)

	found.IsActive = false
	require.NoError(t, entities.Update(ctx, found))

	found, err = entities.FindByNormalizedName(ctx, "t1", "bonn")
	require.NoError(t, err)
	assert.Nil(t, found)

	byID, err := entities.GetByID(ctx, res.Entity.ID)
	require.NoError(t, err)
	assert.False(t, byID.IsActive)
}

func TestEntityStore_UpdateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	entities := New().Entities()

	_, err := entities.Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "bonn", IsActive: true})
	require.NoError(t, err)
	res, err := entities.Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "koeln", IsActive: true})
	require.NoError(t, err)

	renamed := res.Entity
	renamed.NameNormalized = "bonn"
	assert.ErrorIs(t, entities.Update(ctx, renamed), ErrUniqueViolation)
}

func TestStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := New()

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		_, err := store.Entities().Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "kiel", IsActive: true})
		require.NoError(t, err)

		// nested calls join the outer transaction
		return store.WithinTx(ctx, func(context.Context) error {
			return errors.New("boom")
		})
	})
	require.Error(t, err)
	assert.Empty(t, store.Entities().All())

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context) error {
		_, err := store.Entities().Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "kiel", IsActive: true})
		return err
	}))
	assert.Len(t, store.Entities().All(), 1)
}

func TestStore_WithinTxAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := New()

	tests := []struct {
		name    string
		fail    bool
		wantRan []string
	}{
		{name: "commit runs hooks in order", wantRan: []string{"outer", "inner"}},
		{name: "rollback drops hooks", fail: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran []string
			err := store.WithinTx(ctx, func(ctx context.Context) error {
				database.AfterCommit(ctx, func() { ran = append(ran, "outer") })
				_ = store.WithinTx(ctx, func(ctx context.Context) error {
					database.AfterCommit(ctx, func() { ran = append(ran, "inner") })
					return nil
				})
				assert.Empty(t, ran, "nothing runs before the outer commit")
				if tt.fail {
					return errors.New("boom")
				}
				return nil
			})
			assert.Equal(t, tt.fail, err != nil)
			assert.Equal(t, tt.wantRan, ran)
		})
	}

	t.Run("without a transaction hooks run at once", func(t *testing.T) {
		ran := false
		database.AfterCommit(ctx, func() { ran = true })
		assert.True(t, ran)
	})
}

func TestEntityStore_FindCandidatesRanksBeforeLimit(t *testing.T) {
	ctx := context.Background()
	entities := New().Entities()

	for _, name := range []string{"koblenz", "konstanz", "korbach", "koenigswinter", "koelnmuelheim"} {
		_, err := entities.Insert(ctx, &models.Entity{EntityTypeID: "t1", Name: name, NameNormalized: name, IsActive: true})
		require.NoError(t, err)
	}

	candidates, err := entities.FindCandidates(ctx, "t1", "koeln", 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "koelnmuelheim", candidates[0].NameNormalized, "the closest name survives the limit")
}

func TestRelationStore(t *testing.T) {
	ctx := context.Background()
	relations := New().Relations()

	first, err := relations.Upsert(ctx, &models.EntityRelation{RelationTypeID: "located_in", SourceEntityID: "a", TargetEntityID: "x", Confidence: 0.4})
	require.NoError(t, err)
	again, err := relations.Upsert(ctx, &models.EntityRelation{RelationTypeID: "located_in", SourceEntityID: "a", TargetEntityID: "x", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 0.9, again.Confidence)

	lower, err := relations.Upsert(ctx, &models.EntityRelation{RelationTypeID: "located_in", SourceEntityID: "a", TargetEntityID: "x", Confidence: 0.1})
	require.NoError(t, err)
	assert.Equal(t, 0.9, lower.Confidence)

	_, err = relations.Upsert(ctx, &models.EntityRelation{RelationTypeID: "located_in", SourceEntityID: "b", TargetEntityID: "x", Confidence: 0.5})
	require.NoError(t, err)
	_, err = relations.Upsert(ctx, &models.EntityRelation{RelationTypeID: "partner_of", SourceEntityID: "b", TargetEntityID: "a", Confidence: 0.5})
	require.NoError(t, err)

	// merging b into a collapses the duplicate edge and drops the self-loop
	moved, err := relations.ReassignEntity(ctx, []string{"b"}, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	remaining, err := relations.ListByEntity(ctx, "a")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "x", remaining[0].TargetEntityID)
}

func TestSyncRecordStore_ReassignEntity(t *testing.T) {
	ctx := context.Background()
	records := New().SyncRecords()

	require.NoError(t, records.Insert(ctx, &models.SyncRecord{SourceID: "s", ExternalID: "1", EntityIDs: []string{"a", "b"}}))
	require.NoError(t, records.Insert(ctx, &models.SyncRecord{SourceID: "s", ExternalID: "2", EntityIDs: []string{"c"}}))
	assert.ErrorIs(t, records.Insert(ctx, &models.SyncRecord{SourceID: "s", ExternalID: "1"}), ErrUniqueViolation)

	n, err := records.ReassignEntity(ctx, []string{"b"}, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := records.GetByExternalID(ctx, "s", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, []string(rec.EntityIDs))
}

func TestEntityStore_CountDependents(t *testing.T) {
	ctx := context.Background()
	store := New()

	res, err := store.Entities().Insert(ctx, &models.Entity{EntityTypeID: "t1", NameNormalized: "koeln", IsActive: true})
	require.NoError(t, err)
	id := res.Entity.ID

	require.NoError(t, store.DataSources().Add(ctx, &models.DataSource{EntityID: id, Name: "Ratsinfo"}))
	require.NoError(t, store.Facets().Insert(ctx, &models.FacetValue{EntityID: id, FacetTypeID: "contact", Text: "Rathaus", IsActive: true}))
	require.NoError(t, store.Facets().Insert(ctx, &models.FacetValue{EntityID: id, FacetTypeID: "contact", Text: "Alt", IsActive: false}))
	require.NoError(t, store.SyncRecords().Insert(ctx, &models.SyncRecord{SourceID: "s", ExternalID: "1", EntityIDs: []string{id}}))

	counts, err := store.Entities().CountDependents(ctx, []string{id, "other"})
	require.NoError(t, err)
	assert.Equal(t, models.DependentCounts{DataSources: 1, FacetValues: 1, SyncRecords: 1}, counts[id])
	assert.Equal(t, 3, counts[id].Total())
	assert.Zero(t, counts["other"].Total())
}
