package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lower-cases", "Berlin", "berlin"},
		{"folds umlaut digraphs", "München", "muenchen"},
		{"keeps already folded digraphs", "Muenchen", "muenchen"},
		{"folds sharp s", "Straße", "strasse"},
		{"strips accents", "Île-de-France", "iledefrance"},
		{"removes punctuation and spaces", "Frankfurt (Oder)", "frankfurtoder"},
		{"keeps digits", "Berlin 2030", "berlin2030"},
		{"upper-case umlaut", "ÖSTERREICH", "oesterreich"},
		{"empty", "", ""},
		{"only punctuation", " - () ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalize_IsDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		assert.Equal(t, "koeln", Normalize("Köln"))
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single word", "Köln", "koeln"},
		{"words become hyphenated", "Stadt München", "stadt-muenchen"},
		{"collapses separators", "  Frankfurt  am   Main ", "frankfurt-am-main"},
		{"punctuation is a separator", "Halle (Saale)", "halle-saale"},
		{"existing hyphens kept single", "Baden-Württemberg", "baden-wuerttemberg"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slugify(tt.input))
		})
	}
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"hans", "mueller", "buergermeister"}, Tokens("Hans Müller (Bürgermeister)"))
	assert.Empty(t, Tokens("  "))
}

func TestComparisonKey_MatchesAcrossSpellings(t *testing.T) {
	assert.Equal(t, ComparisonKey("Köln"), ComparisonKey("  KOELN "))
	assert.Equal(t, ComparisonKey("Köln"), ComparisonKey("Köln"))
}

func TestStripParentheses(t *testing.T) {
	assert.Equal(t, "Köln", StripParentheses("Köln (Stadt)"))
	assert.Equal(t, "Hans Müller", StripParentheses("Hans Müller (Bürgermeister)"))
	assert.Equal(t, "a b", StripParentheses("a (x (y)) b"))
}

func TestRegistry(t *testing.T) {
	t.Run("built-in normalizers are registered", func(t *testing.T) {
		fn, ok := Get("entity_name")
		assert.True(t, ok)
		assert.Equal(t, "muenchen", fn("München"))
	})

	t.Run("unknown normalizer is a no-op", func(t *testing.T) {
		assert.Equal(t, "Value", Apply("Value", "does_not_exist"))
	})

	t.Run("chain applies in order", func(t *testing.T) {
		assert.Equal(t, "koeln", ApplyChain("  Köln (Stadt) ", "strip_parentheses", "trim", "entity_name"))
	})

	t.Run("custom normalizer", func(t *testing.T) {
		Register("test_upper_x", func(s string) string { return s + "X" })
		assert.Equal(t, "aX", Apply("a", "test_upper_x"))
	})
}
