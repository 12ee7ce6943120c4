package resolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

func TestHierarchyPath(t *testing.T) {
	path, level := resolver.HierarchyPath(nil, "bayern")
	assert.Equal(t, "/bayern", path)
	assert.Equal(t, 0, level)

	parent := &models.Entity{HierarchyPath: "/bayern/oberbayern", HierarchyLevel: 1}
	path, level = resolver.HierarchyPath(parent, "muenchen")
	assert.Equal(t, "/bayern/oberbayern/muenchen", path)
	assert.Equal(t, 2, level)
}

// assertHierarchy checks that every active entity's path and level follow
// from its parent.
func assertHierarchy(t *testing.T, entities []*models.Entity) {
	t.Helper()
	byID := make(map[string]*models.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	for _, e := range entities {
		var parent *models.Entity
		if e.ParentID != nil {
			parent = byID[*e.ParentID]
			require.NotNil(t, parent, "parent of %s", e.Name)
		}
		path, level := resolver.HierarchyPath(parent, e.Slug)
		assert.Equal(t, path, e.HierarchyPath, e.Name)
		assert.Equal(t, level, e.HierarchyLevel, e.Name)
	}
}

func TestResolveOrCreate_PlacesUnderParent(t *testing.T) {
	f := newFixture(t)

	bayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bayern"})
	oberbayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Oberbayern", ParentID: &bayern.ID})
	muenchen, _ := f.resolve(t, resolver.ResolveRequest{Name: "München", ParentID: &oberbayern.ID})

	assert.Equal(t, "/bayern/oberbayern/muenchen", muenchen.HierarchyPath)
	assert.Equal(t, 2, muenchen.HierarchyLevel)
	assertHierarchy(t, f.store.Entities().All())
}

func TestResolveOrCreate_MissingParent(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.engine.ResolveOrCreate(context.Background(), resolver.ResolveRequest{
		EntityType: "municipality",
		Name:       "Augsburg",
		ParentID:   ptr("does-not-exist"),
	})
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
	assert.Empty(t, f.store.Entities().All())
}

func TestResolveOrCreate_CrossTypeParentRequiresHierarchySupport(t *testing.T) {
	f := newFixture(t)

	city, _ := f.resolve(t, resolver.ResolveRequest{Name: "Köln"})

	_, _, err := f.engine.ResolveOrCreate(context.Background(), resolver.ResolveRequest{
		EntityType: "organization",
		Name:       "Stadtwerke Köln",
		ParentID:   &city.ID,
	})
	assert.ErrorIs(t, err, ferrors.ErrValidation)
}

func TestResolveOrCreate_MatchWithNewParentMovesSubtree(t *testing.T) {
	f := newFixture(t)

	bayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bayern"})
	muenchen, _ := f.resolve(t, resolver.ResolveRequest{Name: "München"})
	f.resolve(t, resolver.ResolveRequest{Name: "Schwabing", ParentID: &muenchen.ID})

	moved, outcome := f.resolve(t, resolver.ResolveRequest{Name: "München", ParentID: &bayern.ID})
	assert.Equal(t, resolver.OutcomeMatchedName, outcome)
	assert.Equal(t, "/bayern/muenchen", moved.HierarchyPath)

	child, err := f.store.Entities().FindByNormalizedName(context.Background(), f.typeID, "schwabing")
	require.NoError(t, err)
	assert.Equal(t, "/bayern/muenchen/schwabing", child.HierarchyPath)
	assert.Equal(t, 2, child.HierarchyLevel)
	assertHierarchy(t, f.store.Entities().All())
}

func TestReparent(t *testing.T) {
	ctx := context.Background()

	t.Run("moves descendants", func(t *testing.T) {
		f := newFixture(t)
		bayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bayern"})
		oberbayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Oberbayern", ParentID: &bayern.ID})
		muenchen, _ := f.resolve(t, resolver.ResolveRequest{Name: "München"})
		f.resolve(t, resolver.ResolveRequest{Name: "Schwabing", ParentID: &muenchen.ID})

		moved, err := f.engine.Reparent(ctx, muenchen.ID, &oberbayern.ID)
		require.NoError(t, err)
		assert.Equal(t, "/bayern/oberbayern/muenchen", moved.HierarchyPath)
		assert.Equal(t, 2, moved.HierarchyLevel)
		assertHierarchy(t, f.store.Entities().All())

		root, err := f.engine.Reparent(ctx, muenchen.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, "/muenchen", root.HierarchyPath)
		assertHierarchy(t, f.store.Entities().All())
	})

	t.Run("rejects cycles", func(t *testing.T) {
		f := newFixture(t)
		bayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bayern"})
		oberbayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Oberbayern", ParentID: &bayern.ID})

		_, err := f.engine.Reparent(ctx, bayern.ID, &oberbayern.ID)
		assert.ErrorIs(t, err, ferrors.ErrValidation)

		_, err = f.engine.Reparent(ctx, bayern.ID, &bayern.ID)
		assert.ErrorIs(t, err, ferrors.ErrValidation)

		unchanged, err := f.store.Entities().GetByID(ctx, bayern.ID)
		require.NoError(t, err)
		assert.Equal(t, "/bayern", unchanged.HierarchyPath)
	})

	t.Run("rejects deep cycles", func(t *testing.T) {
		f := newFixture(t)
		bayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Bayern"})
		oberbayern, _ := f.resolve(t, resolver.ResolveRequest{Name: "Oberbayern", ParentID: &bayern.ID})
		muenchen, _ := f.resolve(t, resolver.ResolveRequest{Name: "München", ParentID: &oberbayern.ID})

		_, err := f.engine.Reparent(ctx, bayern.ID, &muenchen.ID)
		assert.ErrorIs(t, err, ferrors.ErrValidation)
	})

	t.Run("shared path prefix across types is not a cycle", func(t *testing.T) {
		f := newFixture(t)
		town, _ := f.resolve(t, resolver.ResolveRequest{Name: "Nord"})
		company, _ := f.resolve(t, resolver.ResolveRequest{EntityType: "organization", Name: "Nord"})
		works, _ := f.resolve(t, resolver.ResolveRequest{EntityType: "organization", Name: "Stadtwerke", ParentID: &company.ID})
		require.Equal(t, "/nord", town.HierarchyPath)
		require.Equal(t, "/nord/stadtwerke", works.HierarchyPath)

		moved, err := f.engine.Reparent(ctx, town.ID, &works.ID)
		require.NoError(t, err)
		assert.Equal(t, "/nord/stadtwerke/nord", moved.HierarchyPath)
		assert.Equal(t, 2, moved.HierarchyLevel)
	})

	t.Run("unknown entity", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Reparent(ctx, "missing", nil)
		assert.ErrorIs(t, err, ferrors.ErrNotFound)
	})
}
