package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTTLCache_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string](time.Minute, WithClock(clock.Now))

	c.Set("a", "1")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestTTLCache_ZeroTTLDisablesCaching(t *testing.T) {
	c := New[int](0)
	c.Set("a", 1)

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCache_MaxEntriesEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[int](time.Hour, WithMaxEntries(2), WithClock(clock.Now))

	c.Set("a", 1)
	clock.Advance(time.Second)
	c.Set("b", 2)
	clock.Advance(time.Second)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestTTLCache_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	c := New[int](time.Minute)

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	for range 3 {
		v, err := c.GetOrLoad(ctx, "answer", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrLoad(ctx, "broken", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	_, ok := c.Get("broken")
	assert.False(t, ok)
}

func TestTTLCache_InvalidationHooks(t *testing.T) {
	c := New[int](time.Minute)

	var invalidated []string
	c.OnInvalidate(func(key string) { invalidated = append(invalidated, key) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.InvalidateAll()
	assert.Zero(t, c.Len())
	assert.Equal(t, []string{"a", ""}, invalidated)
}
