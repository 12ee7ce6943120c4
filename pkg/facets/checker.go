// Package facets stores derived facts about entities and keeps near-identical
// facts from accumulating.
package facets

import (
	"context"
	"strings"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultMinTokenLength is the normalized length both texts need before
	// token overlap is considered. Shorter texts only match by substring.
	DefaultMinTokenLength = 12

	DefaultJaccardThreshold = 0.9

	// DefaultEmbeddingThreshold is the cosine similarity at which two
	// embedded facets say the same thing.
	DefaultEmbeddingThreshold = 0.92
)

// Lister returns the active facet values of one type on an entity.
type Lister interface {
	ListActive(ctx context.Context, entityID, facetTypeID string) ([]*models.FacetValue, error)
}

// Searcher is the facet store view the checker reads. NearestActive returns
// embedded active facets ordered by closeness to embedding.
type Searcher interface {
	Lister
	NearestActive(ctx context.Context, entityID, facetTypeID string, embedding []float32, limit int) ([]*models.FacetValue, error)
}

// Checker decides whether a candidate text repeats an existing facet.
type Checker struct {
	facets             Searcher
	scorer             *matching.Scorer
	MinTokenLength     int
	JaccardThreshold   float64
	EmbeddingThreshold float64
}

func NewChecker(facets Searcher) *Checker {
	return &Checker{
		facets:             facets,
		scorer:             matching.NewScorer(),
		MinTokenLength:     DefaultMinTokenLength,
		JaccardThreshold:   DefaultJaccardThreshold,
		EmbeddingThreshold: DefaultEmbeddingThreshold,
	}
}

// IsDuplicate reports whether text repeats an active facet of the same type
// on the entity. A non-empty embedding also matches semantically close
// facets whose wording differs.
func (c *Checker) IsDuplicate(ctx context.Context, entityID, facetTypeID, text string, embedding []float32) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "facets.Checker.IsDuplicate")
	defer span.End()

	existing, err := c.facets.ListActive(ctx, entityID, facetTypeID)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}

	for _, f := range existing {
		stored := f.TextNormalized
		if stored == "" {
			stored = normalizers.Normalize(f.Text)
		}
		if c.Same(text, f.Text, stored) {
			return true, nil
		}
	}

	if len(embedding) == 0 {
		return false, nil
	}
	nearest, err := c.facets.NearestActive(ctx, entityID, facetTypeID, embedding, 1)
	if err != nil {
		tracing.RecordError(span, err)
		return false, err
	}
	for _, f := range nearest {
		if c.scorer.Cosine(embedding, f.Embedding) >= c.EmbeddingThreshold {
			return true, nil
		}
	}
	return false, nil
}

// Same compares a candidate against one stored text. storedKey is the stored
// normalized text; it may differ from Normalize(stored) for old rows.
func (c *Checker) Same(candidate, stored, storedKey string) bool {
	key := normalizers.Normalize(candidate)
	if key == "" || storedKey == "" {
		return false
	}
	if strings.Contains(key, storedKey) || strings.Contains(storedKey, key) {
		return true
	}
	if len(key) < c.MinTokenLength || len(storedKey) < c.MinTokenLength {
		return false
	}
	return c.scorer.TokenJaccard(normalizers.Tokens(candidate), normalizers.Tokens(stored)) >= c.JaccardThreshold
}
