package facets_test

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/memstore"
	"github.com/Ramsey-B/fern/pkg/cache"
	ferrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/facets"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

func TestChecker_Same(t *testing.T) {
	c := facets.NewChecker(nil)

	tests := []struct {
		name      string
		candidate string
		stored    string
		expected  bool
	}{
		{name: "qualified repeat", candidate: "Hans Müller (Bürgermeister)", stored: "Hans Müller", expected: true},
		{name: "shorter repeat", candidate: "Hans Müller", stored: "Hans Müller (Bürgermeister)", expected: true},
		{name: "spelling variant", candidate: "Hans Mueller", stored: "Hans Müller", expected: true},
		{name: "different person", candidate: "Peter Schmidt", stored: "Hans Müller", expected: false},
		{name: "reordered long texts", candidate: "Sanierung der Grundschule Nord beschlossen", stored: "beschlossen: Grundschule Nord, Sanierung der", expected: true},
		{name: "long texts with different words", candidate: "Sanierung der Grundschule Nord beschlossen", stored: "Neubau der Grundschule Süd abgelehnt", expected: false},
		{name: "short reordering is not a duplicate", candidate: "Nord Süd", stored: "Süd Nord", expected: false},
		{name: "punctuation only", candidate: "???", stored: "Hans Müller", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Same(tt.candidate, tt.stored, normalizers.Normalize(tt.stored)))
		})
	}
}

type fixture struct {
	store   *memstore.Store
	service *facets.Service
	entity  *models.Entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	store := memstore.New()
	_, err := store.Types().CreateFacetType(ctx, models.FacetType{Slug: "contact", Name: "Contact"})
	require.NoError(t, err)
	res, err := store.Entities().Insert(ctx, &models.Entity{EntityTypeID: "t1", Name: "Köln", NameNormalized: "koeln", IsActive: true})
	require.NoError(t, err)

	types := cache.NewTypeCache(store.Types(), nil, time.Minute, logger)
	service := facets.NewService(store.Facets(), store.Entities(), types, logger)
	return &fixture{store: store, service: service, entity: res.Entity}
}

func TestService_AddFacetIfNew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	add := func(text string) *models.FacetValue {
		facet, err := f.service.AddFacetIfNew(ctx, facets.AddFacetRequest{
			EntityID:      f.entity.ID,
			FacetTypeSlug: "contact",
			Text:          text,
			Confidence:    0.8,
		})
		require.NoError(t, err)
		return facet
	}

	first := add("  Hans Müller ")
	require.NotNil(t, first)
	assert.Equal(t, "Hans Müller", first.Text)
	assert.Equal(t, "hansmueller", first.TextNormalized)

	assert.Nil(t, add("Hans Müller (Bürgermeister)"))
	assert.NotNil(t, add("Peter Schmidt"))

	active, err := f.store.Facets().ListActive(ctx, f.entity.ID, first.FacetTypeID)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// a deactivated fact no longer blocks its text
	require.NoError(t, f.service.Deactivate(ctx, first.ID))
	assert.NotNil(t, add("Hans Müller (Bürgermeister)"))
}

func TestService_AddFacetIfNew_Embeddings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	add := func(text string, embedding []float32) *models.FacetValue {
		facet, err := f.service.AddFacetIfNew(ctx, facets.AddFacetRequest{
			EntityID:      f.entity.ID,
			FacetTypeSlug: "contact",
			Text:          text,
			Confidence:    0.8,
			Embedding:     embedding,
		})
		require.NoError(t, err)
		return facet
	}

	require.NotNil(t, add("Oberbürgermeisterin ist Henriette Reker", []float32{1, 0, 0}))
	require.NotNil(t, add("Pressestelle im Rathaus am Alter Markt", nil))

	tests := []struct {
		name      string
		text      string
		embedding []float32
		added     bool
	}{
		{name: "same meaning in other words", text: "Henriette Reker leitet die Stadtverwaltung", embedding: []float32{0.98, 0.1, 0}, added: false},
		{name: "unrelated meaning", text: "Stadtkämmerin ist Dörte Diemert", embedding: []float32{0, 1, 0}, added: true},
		{name: "no embedding falls back to text", text: "Henriette Reker leitet die Verwaltung", embedding: nil, added: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.added, add(tt.text, tt.embedding) != nil)
		})
	}
}

func TestChecker_EmbeddingThreshold(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.Facets().Insert(ctx, &models.FacetValue{
		EntityID: "e1", FacetTypeID: "ft", Text: "Tagesordnung Stadtrat März", TextNormalized: normalizers.Normalize("Tagesordnung Stadtrat März"),
		Embedding: []float32{1, 1, 0}, IsActive: true,
	}))

	c := facets.NewChecker(store.Facets())
	candidate := []float32{1, 0.6, 0}

	dup, err := c.IsDuplicate(ctx, "e1", "ft", "Sitzung des Rates im Frühjahr", candidate)
	require.NoError(t, err)
	assert.True(t, dup)

	c.EmbeddingThreshold = 0.99
	dup, err = c.IsDuplicate(ctx, "e1", "ft", "Sitzung des Rates im Frühjahr", candidate)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestService_AddFacetIfNew_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		req  facets.AddFacetRequest
		err  error
	}{
		{name: "empty text", req: facets.AddFacetRequest{EntityID: f.entity.ID, FacetTypeSlug: "contact", Text: "  "}, err: ferrors.ErrValidation},
		{name: "confidence out of range", req: facets.AddFacetRequest{EntityID: f.entity.ID, FacetTypeSlug: "contact", Text: "x", Confidence: 2}, err: ferrors.ErrValidation},
		{name: "unknown facet type", req: facets.AddFacetRequest{EntityID: f.entity.ID, FacetTypeSlug: "weather", Text: "x"}, err: ferrors.ErrNotFound},
		{name: "unknown entity", req: facets.AddFacetRequest{EntityID: "missing", FacetTypeSlug: "contact", Text: "x"}, err: ferrors.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facet, err := f.service.AddFacetIfNew(ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, facet)
		})
	}
}

func TestService_DeactivateUnknown(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.service.Deactivate(context.Background(), "missing"), ferrors.ErrNotFound)
}
