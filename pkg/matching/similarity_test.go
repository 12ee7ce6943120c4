package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity_NormalizationEquivalence(t *testing.T) {
	assert.GreaterOrEqual(t, Similarity("München", "Muenchen"), 0.9)
	assert.GreaterOrEqual(t, Similarity("Stadt München", "München"), 0.85)
	assert.Less(t, Similarity("Berlin", "Hamburg"), 0.5)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "Köln", "Köln", 1.0, 1.0},
		{"case and punctuation", "Frankfurt am Main", "frankfurt-am-main", 1.0, 1.0},
		{"english administrative prefix", "City of Boston", "Boston", 0.9, 0.95},
		{"administrative suffix", "Springfield Township County", "Springfield Township", 0.9, 0.95},
		{"substring above minimum length", "Frankfurt", "Frankfurt am Main", 0.85, 1.0},
		{"short substring gets no boost", "Ulm", "Ulmen", 0.0, 0.99},
		{"typo", "Dusseldorf", "Duesseldorf", 0.85, 1.0},
		{"unrelated", "Bremen", "Stuttgart", 0.0, 0.5},
		{"empty input", "", "Berlin", 0.0, 0.0},
		{"punctuation only", "--", "--", 0.0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Similarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, score, tt.min)
			assert.LessOrEqual(t, score, tt.max)
		})
	}
}

func TestSimilarity_IsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"Stadt München", "München"},
		{"Berlin", "Hamburg"},
		{"Frankfurt", "Frankfurt am Main"},
	}
	for _, p := range pairs {
		assert.InDelta(t, Similarity(p[0], p[1]), Similarity(p[1], p[0]), 1e-9)
	}
}

func TestStripAdministrative(t *testing.T) {
	assert.Equal(t, []string{"muenchen"}, StripAdministrative("Landeshauptstadt München"))
	assert.Equal(t, []string{"boston"}, StripAdministrative("City of Boston"))
	assert.Equal(t, []string{"hamburg"}, StripAdministrative("Freie und Hansestadt Hamburg"))

	t.Run("never strips to empty", func(t *testing.T) {
		assert.Equal(t, []string{"stadt"}, StripAdministrative("Stadt"))
	})
}

func TestIsLikelyDuplicate(t *testing.T) {
	t.Run("exact match ignores threshold", func(t *testing.T) {
		assert.True(t, IsLikelyDuplicate("Köln", "Köln", 1.1))
	})

	t.Run("normalized match ignores threshold", func(t *testing.T) {
		assert.True(t, IsLikelyDuplicate("Köln", "KOELN", 1.1))
	})

	t.Run("uses threshold otherwise", func(t *testing.T) {
		assert.True(t, IsLikelyDuplicate("Stadt München", "München", 0.85))
		assert.False(t, IsLikelyDuplicate("Berlin", "Hamburg", 0.5))
	})
}

func TestScorer(t *testing.T) {
	s := NewScorer()

	t.Run("jaro-winkler", func(t *testing.T) {
		assert.Equal(t, 1.0, s.JaroWinkler("abc", "abc"))
		assert.Equal(t, 0.0, s.JaroWinkler("", "abc"))
		assert.InDelta(t, 0.961, s.JaroWinkler("martha", "marhta"), 0.001)
	})

	t.Run("levenshtein counts runes", func(t *testing.T) {
		assert.Equal(t, 1, s.LevenshteinDistance("köln", "koln"))
		assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
		assert.Equal(t, 1.0, s.Levenshtein("", ""))
	})

	t.Run("token jaccard", func(t *testing.T) {
		assert.Equal(t, 1.0, s.TokenJaccard([]string{"a", "b"}, []string{"b", "a"}))
		assert.InDelta(t, 1.0/3.0, s.TokenJaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
		assert.Equal(t, 0.0, s.TokenJaccard(nil, nil))
	})

	t.Run("cosine", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
		assert.InDelta(t, 0.0, s.Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
		assert.Equal(t, 0.0, s.Cosine([]float32{1, 0}, []float32{1, 0, 0}))
		assert.Equal(t, 0.0, s.Cosine([]float32{0, 0}, []float32{1, 0}))
		assert.Equal(t, 0.0, s.Cosine(nil, nil))
	})
}
