// Package memstore is an in-memory implementation of every fern store. It
// enforces the same uniqueness rules as the Postgres schema and reports lost
// insert races as conflicts, so it can stand in for the database in tests
// and dry runs.
package memstore

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrUniqueViolation is returned by updates that would break a unique rule.
var ErrUniqueViolation = errors.New("memstore: unique constraint violated")

type state struct {
	entityTypes   map[string]models.EntityType
	facetTypes    map[string]models.FacetType
	relationTypes map[string]models.RelationType
	entities      map[string]models.Entity
	facets        map[string]models.FacetValue
	dataSources   map[string]models.DataSource
	relations     map[string]models.EntityRelation
	sources       map[string]models.ExternalSource
	syncRecords   map[string]models.SyncRecord
}

func newState() state {
	return state{
		entityTypes:   map[string]models.EntityType{},
		facetTypes:    map[string]models.FacetType{},
		relationTypes: map[string]models.RelationType{},
		entities:      map[string]models.Entity{},
		facets:        map[string]models.FacetValue{},
		dataSources:   map[string]models.DataSource{},
		relations:     map[string]models.EntityRelation{},
		sources:       map[string]models.ExternalSource{},
		syncRecords:   map[string]models.SyncRecord{},
	}
}

func (s state) clone() state {
	return state{
		entityTypes:   maps.Clone(s.entityTypes),
		facetTypes:    maps.Clone(s.facetTypes),
		relationTypes: maps.Clone(s.relationTypes),
		entities:      maps.Clone(s.entities),
		facets:        maps.Clone(s.facets),
		dataSources:   maps.Clone(s.dataSources),
		relations:     maps.Clone(s.relations),
		sources:       maps.Clone(s.sources),
		syncRecords:   maps.Clone(s.syncRecords),
	}
}

// Store holds all state behind one mutex. Use the typed views
// (Entities, Types, Facets, ...) as the individual stores.
type Store struct {
	mu         sync.RWMutex
	data       state
	now        func() time.Time
	insertHook func()
}

func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// WithClock sets the clock used for created_at/updated_at defaults.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// SetInsertHook installs fn to run at the start of every entity insert,
// before the uniqueness check. Tests use it to line concurrent creators up
// on the same key.
func (s *Store) SetInsertHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertHook = fn
}

type txKey struct{}

// WithinTx runs fn and restores the state from before fn when it fails.
// AfterCommit callbacks run only when fn succeeds.
// Rollback restores a whole-store snapshot, so writes made concurrently by
// other callers during fn are rolled back too.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	ctx, flush := database.WithCommitHooks(context.WithValue(ctx, txKey{}, true))
	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	flush()
	return nil
}

func (s *Store) Entities() *EntityStore       { return &EntityStore{s} }
func (s *Store) Types() *TypeStore             { return &TypeStore{s} }
func (s *Store) Facets() *FacetStore           { return &FacetStore{s} }
func (s *Store) DataSources() *DataSourceStore { return &DataSourceStore{s} }
func (s *Store) Relations() *RelationStore     { return &RelationStore{s} }
func (s *Store) Sources() *SourceStore         { return &SourceStore{s} }
func (s *Store) SyncRecords() *SyncRecordStore { return &SyncRecordStore{s} }

func copyEntity(e models.Entity) *models.Entity {
	e.Attributes = e.Attributes.Clone()
	return &e
}

func copySyncRecord(r models.SyncRecord) *models.SyncRecord {
	r.EntityIDs = append([]string(nil), r.EntityIDs...)
	r.RawPayload = r.RawPayload.Clone()
	return &r
}
