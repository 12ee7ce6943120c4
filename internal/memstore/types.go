package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TypeStore holds entity, facet and relation types. It satisfies cache.TypeStore.
type TypeStore struct {
	s *Store
}

func (ts *TypeStore) GetEntityTypeBySlug(_ context.Context, slug string) (*models.EntityType, error) {
	ts.s.mu.RLock()
	defer ts.s.mu.RUnlock()

	for _, t := range ts.s.data.entityTypes {
		if t.Slug == slug {
			return &t, nil
		}
	}
	return nil, nil
}

func (ts *TypeStore) GetFacetTypeBySlug(_ context.Context, slug string) (*models.FacetType, error) {
	ts.s.mu.RLock()
	defer ts.s.mu.RUnlock()

	for _, t := range ts.s.data.facetTypes {
		if t.Slug == slug {
			return &t, nil
		}
	}
	return nil, nil
}

func (ts *TypeStore) GetRelationTypeBySlug(_ context.Context, slug string) (*models.RelationType, error) {
	ts.s.mu.RLock()
	defer ts.s.mu.RUnlock()

	for _, t := range ts.s.data.relationTypes {
		if t.Slug == slug {
			return &t, nil
		}
	}
	return nil, nil
}

// CreateEntityType stores t, or returns the existing type with the same slug.
func (ts *TypeStore) CreateEntityType(_ context.Context, t models.EntityType) (*models.EntityType, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	for _, existing := range ts.s.data.entityTypes {
		if existing.Slug == t.Slug {
			return &existing, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := ts.s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	ts.s.data.entityTypes[t.ID] = t
	return &t, nil
}

func (ts *TypeStore) CreateFacetType(_ context.Context, t models.FacetType) (*models.FacetType, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	for _, existing := range ts.s.data.facetTypes {
		if existing.Slug == t.Slug {
			return &existing, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = ts.s.now()
	ts.s.data.facetTypes[t.ID] = t
	return &t, nil
}

func (ts *TypeStore) CreateRelationType(_ context.Context, t models.RelationType) (*models.RelationType, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	for _, existing := range ts.s.data.relationTypes {
		if existing.Slug == t.Slug {
			return &existing, nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = ts.s.now()
	ts.s.data.relationTypes[t.ID] = t
	return &t, nil
}

// ListEntityTypes returns all entity types ordered by slug.
func (ts *TypeStore) ListEntityTypes(_ context.Context) ([]models.EntityType, error) {
	ts.s.mu.RLock()
	defer ts.s.mu.RUnlock()

	out := make([]models.EntityType, 0, len(ts.s.data.entityTypes))
	for _, t := range ts.s.data.entityTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
