package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

type countingStore struct {
	mu          sync.Mutex
	entityTypes map[string]*models.EntityType
	facetTypes  map[string]*models.FacetType
	loads       int
}

func (s *countingStore) GetRelationTypeBySlug(_ context.Context, _ string) (*models.RelationType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return nil, nil
}

func (s *countingStore) GetEntityTypeBySlug(_ context.Context, slug string) (*models.EntityType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.entityTypes[slug], nil
}

func (s *countingStore) GetFacetTypeBySlug(_ context.Context, slug string) (*models.FacetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.facetTypes[slug], nil
}

type fakeRemote struct {
	mu        sync.Mutex
	values    map[string][]byte
	published []string
	handlers  []func(string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{values: map[string][]byte{}}
}

func (r *fakeRemote) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.values[key]
	return b, ok, nil
}

func (r *fakeRemote) Set(_ context.Context, key string, value any, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value.([]byte)
	return nil
}

func (r *fakeRemote) Del(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.values, k)
	}
	return nil
}

func (r *fakeRemote) Publish(_ context.Context, _ string, message string) error {
	r.mu.Lock()
	r.published = append(r.published, message)
	handlers := append([]func(string){}, r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (r *fakeRemote) Subscribe(ctx context.Context, _ string, handle func(string)) error {
	r.mu.Lock()
	r.handlers = append(r.handlers, handle)
	r.mu.Unlock()
	<-ctx.Done()
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestTypeCache_CachesHits(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{entityTypes: map[string]*models.EntityType{
		"municipality": {ID: "t1", Slug: "municipality"},
	}}
	c := NewTypeCache(store, nil, time.Minute, testLogger())

	for range 3 {
		et, err := c.EntityType(ctx, "municipality")
		require.NoError(t, err)
		require.NotNil(t, et)
		assert.Equal(t, "t1", et.ID)
	}
	assert.Equal(t, 1, store.loads)

	c.InvalidateEntityType(ctx, "municipality")
	_, err := c.EntityType(ctx, "municipality")
	require.NoError(t, err)
	assert.Equal(t, 2, store.loads)
}

func TestTypeCache_DoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{facetTypes: map[string]*models.FacetType{}}
	c := NewTypeCache(store, nil, time.Minute, testLogger())

	ft, err := c.FacetType(ctx, "contact")
	require.NoError(t, err)
	assert.Nil(t, ft)

	store.mu.Lock()
	store.facetTypes["contact"] = &models.FacetType{ID: "f1", Slug: "contact"}
	store.mu.Unlock()

	ft, err = c.FacetType(ctx, "contact")
	require.NoError(t, err)
	require.NotNil(t, ft)
	assert.Equal(t, "f1", ft.ID)
}

func TestTypeCache_SharesThroughRemote(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{entityTypes: map[string]*models.EntityType{
		"municipality": {ID: "t1", Slug: "municipality", Name: "Municipality"},
	}}
	remote := newFakeRemote()

	first := NewTypeCache(store, remote, time.Minute, testLogger())
	second := NewTypeCache(store, remote, time.Minute, testLogger())

	_, err := first.EntityType(ctx, "municipality")
	require.NoError(t, err)

	et, err := second.EntityType(ctx, "municipality")
	require.NoError(t, err)
	require.NotNil(t, et)
	assert.Equal(t, "Municipality", et.Name)
	assert.Equal(t, 1, store.loads)
}

func TestTypeCache_InvalidationReachesPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &countingStore{entityTypes: map[string]*models.EntityType{
		"municipality": {ID: "t1", Slug: "municipality"},
	}}
	remote := newFakeRemote()

	writer := NewTypeCache(store, remote, time.Minute, testLogger())
	peer := NewTypeCache(store, remote, time.Minute, testLogger())

	var peerInvalidated []string
	var mu sync.Mutex
	peer.OnInvalidate(func(key string) {
		mu.Lock()
		defer mu.Unlock()
		peerInvalidated = append(peerInvalidated, key)
	})

	go func() { _ = peer.Listen(ctx) }()
	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.handlers) == 1
	}, time.Second, time.Millisecond)

	_, err := peer.EntityType(ctx, "municipality")
	require.NoError(t, err)

	writer.InvalidateEntityType(ctx, "municipality")

	mu.Lock()
	assert.Equal(t, []string{entityTypePrefix + "municipality"}, peerInvalidated)
	mu.Unlock()
	assert.Equal(t, []string{entityTypePrefix + "municipality"}, remote.published)

	_, ok := remote.values[entityTypePrefix+"municipality"]
	assert.False(t, ok)

	loadsBefore := store.loads
	_, err = peer.EntityType(ctx, "municipality")
	require.NoError(t, err)
	assert.Equal(t, loadsBefore+1, store.loads)
}

func TestTypeCache_ListenWithoutRemote(t *testing.T) {
	c := NewTypeCache(&countingStore{}, nil, time.Minute, testLogger())
	assert.NoError(t, c.Listen(context.Background()))
}
