package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
)

// EntityStore implements resolver.EntityStore and the merge utility's entity store.
type EntityStore struct {
	s *Store
}

// conflictLocked returns the active entity e would collide with.
func (es *EntityStore) conflictLocked(e *models.Entity) *models.Conflict {
	if !e.IsActive {
		return nil
	}
	for _, other := range es.s.data.entities {
		if other.ID == e.ID || !other.IsActive || other.EntityTypeID != e.EntityTypeID {
			continue
		}
		if other.NameNormalized == e.NameNormalized {
			return &models.Conflict{EntityTypeID: e.EntityTypeID, NameNormalized: e.NameNormalized, ExternalID: e.ExternalID}
		}
		if e.HasExternalID() && other.HasExternalID() && *other.ExternalID == *e.ExternalID {
			return &models.Conflict{EntityTypeID: e.EntityTypeID, NameNormalized: e.NameNormalized, ExternalID: e.ExternalID}
		}
	}
	return nil
}

func (es *EntityStore) Insert(_ context.Context, entity *models.Entity) (models.InsertResult, error) {
	es.s.mu.RLock()
	hook := es.s.insertHook
	es.s.mu.RUnlock()
	if hook != nil {
		hook()
	}

	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	if conflict := es.conflictLocked(entity); conflict != nil {
		return models.InsertResult{Conflict: conflict}, nil
	}

	stored := *copyEntity(*entity)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := es.s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	es.s.data.entities[stored.ID] = stored
	return models.InsertResult{Entity: copyEntity(stored)}, nil
}

func (es *EntityStore) Update(_ context.Context, entity *models.Entity) error {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	if _, ok := es.s.data.entities[entity.ID]; !ok {
		return nil
	}
	if es.conflictLocked(entity) != nil {
		return ErrUniqueViolation
	}
	es.s.data.entities[entity.ID] = *copyEntity(*entity)
	return nil
}

func (es *EntityStore) GetByID(_ context.Context, id string) (*models.Entity, error) {
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()

	e, ok := es.s.data.entities[id]
	if !ok {
		return nil, nil
	}
	return copyEntity(e), nil
}

func (es *EntityStore) find(match func(models.Entity) bool) []*models.Entity {
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()

	var out []*models.Entity
	for _, e := range es.s.data.entities {
		if e.IsActive && match(e) {
			out = append(out, copyEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func first(entities []*models.Entity) *models.Entity {
	if len(entities) == 0 {
		return nil
	}
	return entities[0]
}

func (es *EntityStore) FindByExternalID(_ context.Context, entityTypeID, externalID string) (*models.Entity, error) {
	return first(es.find(func(e models.Entity) bool {
		return e.EntityTypeID == entityTypeID && e.HasExternalID() && *e.ExternalID == externalID
	})), nil
}

func (es *EntityStore) FindByNormalizedName(_ context.Context, entityTypeID, nameNormalized string) (*models.Entity, error) {
	return first(es.find(func(e models.Entity) bool {
		return e.EntityTypeID == entityTypeID && e.NameNormalized == nameNormalized
	})), nil
}

// FindCandidates returns entities sharing the first two characters of the
// normalized name or containing one another, the same prefilter the Postgres
// store applies. Closest names come first; Postgres ranks by trigram
// similarity, this store by matching.Similarity.
func (es *EntityStore) FindCandidates(_ context.Context, entityTypeID, nameNormalized string, limit int) ([]*models.Entity, error) {
	prefix := nameNormalized
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	out := es.find(func(e models.Entity) bool {
		if e.EntityTypeID != entityTypeID {
			return false
		}
		return strings.HasPrefix(e.NameNormalized, prefix) ||
			strings.Contains(e.NameNormalized, nameNormalized) ||
			strings.Contains(nameNormalized, e.NameNormalized)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return matching.Similarity(nameNormalized, out[i].NameNormalized) > matching.Similarity(nameNormalized, out[j].NameNormalized)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (es *EntityStore) FindByNormalizedNames(_ context.Context, entityTypeID string, names []string) ([]*models.Entity, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	return es.find(func(e models.Entity) bool {
		return e.EntityTypeID == entityTypeID && want[e.NameNormalized]
	}), nil
}

func (es *EntityStore) FindByExternalIDs(_ context.Context, entityTypeID string, externalIDs []string) ([]*models.Entity, error) {
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}
	return es.find(func(e models.Entity) bool {
		return e.EntityTypeID == entityTypeID && e.HasExternalID() && want[*e.ExternalID]
	}), nil
}

func (es *EntityStore) ListChildren(_ context.Context, parentID string) ([]*models.Entity, error) {
	return es.find(func(e models.Entity) bool {
		return e.ParentID != nil && *e.ParentID == parentID
	}), nil
}

func (es *EntityStore) ListActiveByType(_ context.Context, entityTypeID string) ([]*models.Entity, error) {
	return es.find(func(e models.Entity) bool {
		return e.EntityTypeID == entityTypeID
	}), nil
}

// CountDependents counts the records attached to each of ids.
func (es *EntityStore) CountDependents(_ context.Context, ids []string) (map[string]models.DependentCounts, error) {
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()

	counts := make(map[string]models.DependentCounts, len(ids))
	for _, id := range ids {
		var c models.DependentCounts
		for _, ds := range es.s.data.dataSources {
			if ds.EntityID == id {
				c.DataSources++
			}
		}
		for _, f := range es.s.data.facets {
			if f.EntityID == id && f.IsActive {
				c.FacetValues++
			}
		}
		for _, r := range es.s.data.syncRecords {
			if r.LinksEntity(id) {
				c.SyncRecords++
			}
		}
		for _, r := range es.s.data.relations {
			if r.SourceEntityID == id || r.TargetEntityID == id {
				c.Relations++
			}
		}
		for _, e := range es.s.data.entities {
			if e.IsActive && e.ParentID != nil && *e.ParentID == id {
				c.Children++
			}
		}
		counts[id] = c
	}
	return counts, nil
}

// All returns every entity including inactive ones, for assertions.
func (es *EntityStore) All() []*models.Entity {
	es.s.mu.RLock()
	defer es.s.mu.RUnlock()

	out := make([]*models.Entity, 0, len(es.s.data.entities))
	for _, e := range es.s.data.entities {
		out = append(out, copyEntity(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
