// Package fingerprint computes content hashes of external records for cheap
// change detection between sync passes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Generate hashes data in a key-order independent way.
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions hashes data, skipping the dot-notation paths in
// exclude ("fetched_at", "meta.etag"). Excluding a path excludes everything
// below it.
func GenerateWithExclusions(data map[string]any, exclude []string) string {
	excluded := make(map[string]bool, len(exclude))
	for _, path := range exclude {
		excluded[path] = true
	}

	var sb strings.Builder
	writeCanonical(&sb, data, excluded, "")

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(sb *strings.Builder, v any, excluded map[string]bool, path string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			if isExcluded(child, excluded) {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			key, _ := json.Marshal(k)
			sb.Write(key)
			sb.WriteByte(':')
			writeCanonical(sb, val[k], excluded, child)
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item, excluded, path)
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			sb.WriteString("null")
			return
		}
		sb.Write(b)
	}
}

func isExcluded(path string, excluded map[string]bool) bool {
	if len(excluded) == 0 {
		return false
	}
	if excluded[path] {
		return true
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		if excluded[path[:i]] {
			return true
		}
	}
	return false
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
