package schema

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Violation is one attribute that does not satisfy the schema.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Result is the outcome of validating one attribute map.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

func (r *Result) add(field, format string, args ...any) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Messages flattens the violations for error reporting.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}

// Validate checks attrs against s. Violations are ordered by field so the
// result is stable across calls.
func (s *AttributeSchema) Validate(attrs models.Attributes) Result {
	res := Result{Valid: true}
	if s.IsEmpty() {
		return res
	}

	for _, field := range s.Required {
		if v, ok := attrs[field]; !ok || v == nil {
			res.add(field, "is required")
		}
	}

	for _, field := range sortedKeys(attrs) {
		value := attrs[field]
		prop, declared := s.Properties[field]
		if !declared {
			if s.Strict {
				res.add(field, "is not declared on the entity type")
			}
			continue
		}
		if value == nil {
			continue
		}
		checkProperty(&res, field, value, prop)
	}

	sort.SliceStable(res.Violations, func(i, j int) bool {
		return res.Violations[i].Field < res.Violations[j].Field
	})
	return res
}

func checkProperty(res *Result, field string, value any, prop Property) {
	if prop.Type != "" && !hasType(value, prop.Type) {
		res.add(field, "expected %s, got %s", prop.Type, typeName(value))
		return
	}

	if len(prop.Enum) > 0 && !inEnum(value, prop.Enum) {
		res.add(field, "must be one of %v", prop.Enum)
	}

	if n, ok := number(value); ok {
		if prop.Minimum != nil && n < *prop.Minimum {
			res.add(field, "must be >= %v", *prop.Minimum)
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			res.add(field, "must be <= %v", *prop.Maximum)
		}
	}

	if str, ok := value.(string); ok && prop.Format != "" {
		if msg := checkFormat(str, prop.Format); msg != "" {
			res.add(field, "%s", msg)
		}
	}

	switch v := value.(type) {
	case map[string]any:
		for _, key := range sortedKeys(v) {
			nested, ok := prop.Properties[key]
			if !ok || v[key] == nil {
				continue
			}
			checkProperty(res, field+"."+key, v[key], nested)
		}
	case []any:
		if prop.Items == nil {
			return
		}
		for i, item := range v {
			if item != nil {
				checkProperty(res, fmt.Sprintf("%s[%d]", field, i), item, *prop.Items)
			}
		}
	}
}

func hasType(value any, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := number(value)
		return ok
	case "integer":
		n, ok := number(value)
		return ok && n == float64(int64(n))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		k := reflect.ValueOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	}
	// unknown type names are not enforced
	return true
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	}
	if _, ok := number(value); ok {
		return "number"
	}
	k := reflect.ValueOf(value).Kind()
	if k == reflect.Slice || k == reflect.Array {
		return "array"
	}
	return fmt.Sprintf("%T", value)
}

func inEnum(value any, enum []any) bool {
	vn, vIsNum := number(value)
	for _, e := range enum {
		if en, ok := number(e); ok && vIsNum && en == vn {
			return true
		}
		if reflect.DeepEqual(e, value) {
			return true
		}
	}
	return false
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]{2,}$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	phonePattern = regexp.MustCompile(`^\+?[\d\s\-/()]{6,24}$`)
	agsPattern   = regexp.MustCompile(`^\d{8}$`)
)

// checkFormat returns an empty string when str satisfies format.
func checkFormat(str, format string) string {
	switch format {
	case "email":
		if !emailPattern.MatchString(str) {
			return "invalid email"
		}
	case "date":
		if !datePattern.MatchString(str) {
			return "invalid date, expected YYYY-MM-DD"
		}
		if _, err := time.Parse(time.DateOnly, str); err != nil {
			return "invalid date, expected YYYY-MM-DD"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, str); err != nil {
			return "invalid date-time, expected RFC 3339"
		}
	case "phone":
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, str)
		if !phonePattern.MatchString(str) || len(digits) < 6 || len(digits) > 15 {
			return "invalid phone number"
		}
	case "uri", "url":
		u, err := url.Parse(str)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return "invalid URL"
		}
	case "uuid":
		if _, err := uuid.Parse(str); err != nil {
			return "invalid UUID"
		}
	case "ags":
		// German official municipality key
		if !agsPattern.MatchString(str) {
			return "invalid AGS, expected 8 digits"
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
