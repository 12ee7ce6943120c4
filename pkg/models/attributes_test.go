package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributes_Apply(t *testing.T) {
	existing := Attributes{"population": 1084831.0, "state": "NRW", "mayor": "Henriette Reker"}

	tests := []struct {
		name     string
		incoming Attributes
		policy   MergePolicy
		expected Attributes
	}{
		{
			name:     "merge overwrites incoming keys and keeps the rest",
			incoming: Attributes{"population": 1087863.0},
			policy:   MergePolicyMerge,
			expected: Attributes{"population": 1087863.0, "state": "NRW", "mayor": "Henriette Reker"},
		},
		{
			name:     "merge removes keys set to null",
			incoming: Attributes{"mayor": nil},
			policy:   MergePolicyMerge,
			expected: Attributes{"population": 1084831.0, "state": "NRW"},
		},
		{
			name:     "replace takes the incoming map wholesale",
			incoming: Attributes{"population": 1087863.0},
			policy:   MergePolicyReplace,
			expected: Attributes{"population": 1087863.0},
		},
		{
			name:     "nil incoming leaves attributes unchanged",
			incoming: nil,
			policy:   MergePolicyReplace,
			expected: existing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := existing.Apply(tt.incoming, tt.policy)
			assert.Equal(t, tt.expected, result)
		})
	}

	t.Run("does not mutate the receiver", func(t *testing.T) {
		before := existing.Clone()
		_ = existing.Apply(Attributes{"state": "BY"}, MergePolicyMerge)
		assert.Equal(t, before, existing)
	})

	t.Run("merge into nil", func(t *testing.T) {
		var empty Attributes
		assert.Equal(t, Attributes{"a": "b"}, empty.Apply(Attributes{"a": "b"}, MergePolicyMerge))
	})
}

func TestNewAttributes(t *testing.T) {
	t.Run("normalizes numbers to float64", func(t *testing.T) {
		attrs, err := NewAttributes(map[string]any{
			"int":    3,
			"int64":  int64(4),
			"number": json.Number("5.5"),
			"nested": map[string]any{"n": 1},
			"list":   []any{1, "x"},
			"tags":   []string{"a", "b"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3.0, attrs["int"])
		assert.Equal(t, 4.0, attrs["int64"])
		assert.Equal(t, 5.5, attrs["number"])
		assert.Equal(t, map[string]any{"n": 1.0}, attrs["nested"])
		assert.Equal(t, []any{1.0, "x"}, attrs["list"])
		assert.Equal(t, []any{"a", "b"}, attrs["tags"])
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		_, err := NewAttributes(map[string]any{"ch": make(chan int)})
		assert.Error(t, err)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		attrs, err := NewAttributes(nil)
		require.NoError(t, err)
		assert.Nil(t, attrs)
	})
}

func TestAttributes_Getters(t *testing.T) {
	attrs := Attributes{"name": "Köln", "population": 1.0, "capital": false}

	s, ok := attrs.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Köln", s)

	_, ok = attrs.String("population")
	assert.False(t, ok)

	f, ok := attrs.Float("population")
	assert.True(t, ok)
	assert.Equal(t, 1.0, f)

	b, ok := attrs.Bool("capital")
	assert.True(t, ok)
	assert.False(t, b)

	assert.Equal(t, []string{"capital", "name", "population"}, attrs.Keys())
}

func TestAttributes_ScanValue(t *testing.T) {
	attrs := Attributes{"a": "b", "n": 2.0}
	v, err := attrs.Value()
	require.NoError(t, err)

	var scanned Attributes
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, attrs, scanned)

	t.Run("null column scans to empty", func(t *testing.T) {
		var a Attributes
		require.NoError(t, a.Scan(nil))
		assert.Equal(t, Attributes{}, a)
	})

	t.Run("nil attributes store as empty object", func(t *testing.T) {
		var a Attributes
		v, err := a.Value()
		require.NoError(t, err)
		assert.Equal(t, []byte("{}"), v)
	})
}
