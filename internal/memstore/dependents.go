package memstore

import (
	"context"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
)

// FacetStore holds facet values.
type FacetStore struct {
	s *Store
}

// ListActive returns the active facets of one type on an entity, oldest first.
func (fs *FacetStore) ListActive(_ context.Context, entityID, facetTypeID string) ([]*models.FacetValue, error) {
	fs.s.mu.RLock()
	defer fs.s.mu.RUnlock()

	var out []*models.FacetValue
	for _, f := range fs.s.data.facets {
		if f.IsActive && f.EntityID == entityID && f.FacetTypeID == facetTypeID {
			f.Embedding = slices.Clone(f.Embedding)
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// NearestActive returns up to limit embedded active facets of one type on an
// entity, most similar to embedding first.
func (fs *FacetStore) NearestActive(ctx context.Context, entityID, facetTypeID string, embedding []float32, limit int) ([]*models.FacetValue, error) {
	active, err := fs.ListActive(ctx, entityID, facetTypeID)
	if err != nil {
		return nil, err
	}

	scorer := matching.NewScorer()
	out := slices.DeleteFunc(active, func(f *models.FacetValue) bool { return len(f.Embedding) == 0 })
	sort.SliceStable(out, func(i, j int) bool {
		return scorer.Cosine(embedding, out[i].Embedding) > scorer.Cosine(embedding, out[j].Embedding)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (fs *FacetStore) Insert(_ context.Context, f *models.FacetValue) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = fs.s.now()
	}
	stored := *f
	stored.Embedding = slices.Clone(f.Embedding)
	fs.s.data.facets[f.ID] = stored
	return nil
}

func (fs *FacetStore) Deactivate(_ context.Context, id string) (bool, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()

	f, ok := fs.s.data.facets[id]
	if !ok || !f.IsActive {
		return false, nil
	}
	f.IsActive = false
	fs.s.data.facets[id] = f
	return true, nil
}

func (fs *FacetStore) ReassignEntity(_ context.Context, fromIDs []string, toID string) (int, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()

	n := 0
	for id, f := range fs.s.data.facets {
		if slices.Contains(fromIDs, f.EntityID) {
			f.EntityID = toID
			fs.s.data.facets[id] = f
			n++
		}
	}
	return n, nil
}

// DataSourceStore holds provenance records.
type DataSourceStore struct {
	s *Store
}

func (ds *DataSourceStore) Add(_ context.Context, d *models.DataSource) error {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = ds.s.now()
	}
	ds.s.data.dataSources[d.ID] = *d
	return nil
}

func (ds *DataSourceStore) ListByEntity(_ context.Context, entityID string) ([]*models.DataSource, error) {
	ds.s.mu.RLock()
	defer ds.s.mu.RUnlock()

	var out []*models.DataSource
	for _, d := range ds.s.data.dataSources {
		if d.EntityID == entityID {
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ds *DataSourceStore) ReassignEntity(_ context.Context, fromIDs []string, toID string) (int, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	n := 0
	for id, d := range ds.s.data.dataSources {
		if slices.Contains(fromIDs, d.EntityID) {
			d.EntityID = toID
			ds.s.data.dataSources[id] = d
			n++
		}
	}
	return n, nil
}

// RelationStore holds typed edges, unique per (type, source, target).
type RelationStore struct {
	s *Store
}

func sameEdge(a, b models.EntityRelation) bool {
	return a.RelationTypeID == b.RelationTypeID && a.SourceEntityID == b.SourceEntityID && a.TargetEntityID == b.TargetEntityID
}

// Upsert inserts r or, when the edge exists, keeps the higher confidence.
func (rs *RelationStore) Upsert(_ context.Context, r *models.EntityRelation) (*models.EntityRelation, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	now := rs.s.now()
	for id, existing := range rs.s.data.relations {
		if !sameEdge(existing, *r) {
			continue
		}
		if r.Confidence > existing.Confidence {
			existing.Confidence = r.Confidence
		}
		if r.SourceURL != nil {
			existing.SourceURL = r.SourceURL
		}
		if r.SourceDocument != nil {
			existing.SourceDocument = r.SourceDocument
		}
		existing.UpdatedAt = now
		rs.s.data.relations[id] = existing
		return &existing, nil
	}

	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt, stored.UpdatedAt = now, now
	rs.s.data.relations[stored.ID] = stored
	return &stored, nil
}

func (rs *RelationStore) ListByEntity(_ context.Context, entityID string) ([]*models.EntityRelation, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	var out []*models.EntityRelation
	for _, r := range rs.s.data.relations {
		if r.SourceEntityID == entityID || r.TargetEntityID == entityID {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReassignEntity points edges at toID. Edges that would duplicate an existing
// edge or become self-loops are dropped.
func (rs *RelationStore) ReassignEntity(_ context.Context, fromIDs []string, toID string) (int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	ids := make([]string, 0, len(rs.s.data.relations))
	for id := range rs.s.data.relations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := 0
	for _, id := range ids {
		r := rs.s.data.relations[id]
		moved := false
		if slices.Contains(fromIDs, r.SourceEntityID) {
			r.SourceEntityID, moved = toID, true
		}
		if slices.Contains(fromIDs, r.TargetEntityID) {
			r.TargetEntityID, moved = toID, true
		}
		if !moved {
			continue
		}
		delete(rs.s.data.relations, id)
		n++
		if r.SourceEntityID == r.TargetEntityID {
			continue
		}
		duplicate := false
		for _, other := range rs.s.data.relations {
			if sameEdge(other, r) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			rs.s.data.relations[id] = r
		}
	}
	return n, nil
}

// SourceStore holds external source configurations.
type SourceStore struct {
	s *Store
}

// Upsert stores src by slug and returns it with its ID set.
func (ss *SourceStore) Upsert(_ context.Context, src *models.ExternalSource) (*models.ExternalSource, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	now := ss.s.now()
	stored := *src
	stored.UpdatedAt = now
	for id, existing := range ss.s.data.sources {
		if existing.Slug == src.Slug {
			stored.ID, stored.CreatedAt = id, existing.CreatedAt
			ss.s.data.sources[id] = stored
			return &stored, nil
		}
	}
	stored.ID = uuid.New().String()
	stored.CreatedAt = now
	ss.s.data.sources[stored.ID] = stored
	return &stored, nil
}

func (ss *SourceStore) GetBySlug(_ context.Context, slug string) (*models.ExternalSource, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	for _, src := range ss.s.data.sources {
		if src.Slug == slug {
			return &src, nil
		}
	}
	return nil, nil
}

// SyncRecordStore holds sync records, unique per (source, external id).
type SyncRecordStore struct {
	s *Store
}

func (rs *SyncRecordStore) ListBySource(_ context.Context, sourceID string) ([]*models.SyncRecord, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	var out []*models.SyncRecord
	for _, r := range rs.s.data.syncRecords {
		if r.SourceID == sourceID {
			out = append(out, copySyncRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (rs *SyncRecordStore) GetByExternalID(_ context.Context, sourceID, externalID string) (*models.SyncRecord, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	for _, r := range rs.s.data.syncRecords {
		if r.SourceID == sourceID && r.ExternalID == externalID {
			return copySyncRecord(r), nil
		}
	}
	return nil, nil
}

func (rs *SyncRecordStore) Insert(_ context.Context, r *models.SyncRecord) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	for _, existing := range rs.s.data.syncRecords {
		if existing.SourceID == r.SourceID && existing.ExternalID == r.ExternalID {
			return ErrUniqueViolation
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := rs.s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	rs.s.data.syncRecords[r.ID] = *copySyncRecord(*r)
	return nil
}

func (rs *SyncRecordStore) Update(_ context.Context, r *models.SyncRecord) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	if _, ok := rs.s.data.syncRecords[r.ID]; !ok {
		return nil
	}
	r.UpdatedAt = rs.s.now()
	rs.s.data.syncRecords[r.ID] = *copySyncRecord(*r)
	return nil
}

// ReassignEntity rewrites entity_ids so records that linked a merged entity
// link toID instead, without repeating it.
func (rs *SyncRecordStore) ReassignEntity(_ context.Context, fromIDs []string, toID string) (int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	n := 0
	for id, r := range rs.s.data.syncRecords {
		changed := false
		ids := make([]string, 0, len(r.EntityIDs))
		for _, eid := range r.EntityIDs {
			if slices.Contains(fromIDs, eid) {
				eid, changed = toID, true
			}
			if !slices.Contains(ids, eid) {
				ids = append(ids, eid)
			}
		}
		if changed {
			r.EntityIDs = ids
			rs.s.data.syncRecords[id] = r
			n++
		}
	}
	return n, nil
}
