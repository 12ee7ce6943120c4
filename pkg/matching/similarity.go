// Package matching scores how likely two entity names refer to the same object.
package matching

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/normalizers"
)

const (
	// MinSubstringLength is the shortest key that qualifies for the substring boost.
	MinSubstringLength = 4

	// strippedEqualScore is returned when names only differ by an administrative qualifier.
	strippedEqualScore = 0.95

	substringBase  = 0.85
	substringRange = 0.15
)

// administrativePrefixes are stripped from the start of a name, longest first.
// Entries are folded token sequences.
var administrativePrefixes = [][]string{
	{"freie", "und", "hansestadt"},
	{"kreisfreie", "stadt"},
	{"city", "and", "county", "of"},
	{"municipality", "of"},
	{"city", "of"},
	{"town", "of"},
	{"county", "of"},
	{"village", "of"},
	{"landeshauptstadt"},
	{"hansestadt"},
	{"landkreis"},
	{"samtgemeinde"},
	{"verbandsgemeinde"},
	{"gemeinde"},
	{"stadt"},
	{"markt"},
	{"kreis"},
	{"amt"},
}

// administrativeSuffixes are stripped from the end of a name.
var administrativeSuffixes = [][]string{
	{"municipality"},
	{"city"},
	{"town"},
	{"county"},
	{"stadt"},
	{"gemeinde"},
	{"landkreis"},
	{"kreis"},
}

var defaultScorer = NewScorer()

// StripAdministrative removes known administrative prefixes and suffixes
// from the folded tokens of name. It never strips a name down to nothing.
func StripAdministrative(name string) []string {
	tokens := normalizers.Tokens(name)

	for changed := true; changed; {
		changed = false
		for _, prefix := range administrativePrefixes {
			if len(tokens) > len(prefix) && hasTokenPrefix(tokens, prefix) {
				tokens = tokens[len(prefix):]
				changed = true
				break
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, suffix := range administrativeSuffixes {
			if len(tokens) > len(suffix) && hasTokenPrefix(tokens[len(tokens)-len(suffix):], suffix) {
				tokens = tokens[:len(tokens)-len(suffix)]
				changed = true
				break
			}
		}
	}

	return tokens
}

func hasTokenPrefix(tokens, prefix []string) bool {
	if len(tokens) < len(prefix) {
		return false
	}
	for i := range prefix {
		if tokens[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Similarity returns a 0.0-1.0 match confidence between two names.
func Similarity(a, b string) float64 {
	keyA, keyB := normalizers.Normalize(a), normalizers.Normalize(b)
	if keyA == "" || keyB == "" {
		return 0.0
	}
	if keyA == keyB {
		return 1.0
	}

	tokensA, tokensB := StripAdministrative(a), StripAdministrative(b)
	strippedA, strippedB := strings.Join(tokensA, ""), strings.Join(tokensB, "")
	if strippedA == strippedB {
		return strippedEqualScore
	}

	if score, ok := substringScore(strippedA, strippedB); ok {
		return score
	}

	return max(
		defaultScorer.JaroWinkler(strippedA, strippedB),
		defaultScorer.Levenshtein(strippedA, strippedB),
		defaultScorer.TokenJaccard(tokensA, tokensB),
	)
}

// substringScore boosts toward 1.0 when one key contains the other.
func substringScore(a, b string) (float64, bool) {
	short, long := a, b
	if len([]rune(short)) > len([]rune(long)) {
		short, long = long, short
	}

	shortLen, longLen := len([]rune(short)), len([]rune(long))
	if shortLen < MinSubstringLength || longLen < MinSubstringLength {
		return 0, false
	}
	if !strings.Contains(long, short) {
		return 0, false
	}

	return substringBase + substringRange*float64(shortLen)/float64(longLen), true
}

// IsLikelyDuplicate reports whether a and b should be treated as the same name.
// Exact and normalized-equal names always match, whatever the threshold.
func IsLikelyDuplicate(a, b string, threshold float64) bool {
	if a == b {
		return true
	}
	keyA := normalizers.Normalize(a)
	if keyA != "" && keyA == normalizers.Normalize(b) {
		return true
	}
	return Similarity(a, b) >= threshold
}
