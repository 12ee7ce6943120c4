// Package extractor reads values out of nested record fields by path, so a
// source can name "properties.ags" or "codes[0]" as its identifying field.
// Paths are compiled to JMESPath expressions and cached.
package extractor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jmespath/go-jmespath"
)

var expressions = &cache{compiled: make(map[string]*jmespath.JMESPath)}

type cache struct {
	compiled map[string]*jmespath.JMESPath
	mu       sync.RWMutex
}

func (c *cache) getOrCompile(path string) (*jmespath.JMESPath, error) {
	c.mu.RLock()
	compiled, ok := c.compiled[path]
	c.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(Expression(path))
	if err != nil {
		return nil, fmt.Errorf("invalid field path %q: %w", path, err)
	}

	c.mu.Lock()
	c.compiled[path] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// Expression converts a field path into a JMESPath expression. Keys are
// quoted so names like "kreis-ags" or "GEN" need no escaping in config.
//
//	properties.ags -> "properties"."ags"
//	parts[1].name  -> "parts"[1]."name"
func Expression(path string) string {
	var b strings.Builder
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		key, index := seg, ""
		if open := strings.Index(seg, "["); open != -1 {
			key, index = seg[:open], seg[open:]
		}
		if key != "" {
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			quoted, _ := json.Marshal(key)
			b.Write(quoted)
		} else if b.Len() == 0 {
			b.WriteByte('@')
		}
		b.WriteString(index)
	}
	return b.String()
}

// Lookup returns the value at path. Supported syntax:
//   - keys: "name", "address.city"
//   - indexes: "codes[0]", "parts[1].name", "codes[-1]"
//
// A top-level key is matched literally first, so "dotted.key" finds a key
// with a dot in it. Below the top level a null and a missing key both report
// false.
func Lookup(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := fields[path]; ok {
		return v, true
	}
	if !IsNested(path) {
		return nil, false
	}

	compiled, err := expressions.getOrCompile(path)
	if err != nil {
		return nil, false
	}
	result, err := compiled.Search(fields)
	if err != nil || result == nil {
		return nil, false
	}
	return result, true
}

// String returns the value at path rendered as text. Whole numbers print
// without a fraction so numeric ids decoded from JSON stay stable.
func String(fields map[string]any, path string) string {
	v, ok := Lookup(fields, path)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(v))
}

// Validate reports whether path compiles. Sources call it at load time so a
// typo fails fast instead of silently yielding empty names.
func Validate(path string) error {
	if path == "" || !IsNested(path) {
		return nil
	}
	_, err := expressions.getOrCompile(path)
	return err
}

// IsNested reports whether path reaches below the top level of a record.
func IsNested(path string) bool {
	return strings.ContainsAny(path, ".[")
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
