package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMildWriter(t *testing.T) {
	c := New(nil)
	v := c.Get("threshold", 0.5)
	assert.Equal(t, 0.5, v)
	assert.True(t, c.Contains("threshold"))
	assert.Equal(t, 0.5, c.Get("threshold", 1.0))
}

func TestGetNestedPath(t *testing.T) {
	c := New(nil)
	c.Set("stage-a/threshold", 0.25)
	assert.True(t, c.Contains("stage-a/threshold"))
	assert.Equal(t, 0.25, c.Get("stage-a/threshold", nil))
}

func TestPop(t *testing.T) {
	c := New(map[string]any{"enabled": true})
	v := c.Pop("enabled", false)
	assert.Equal(t, true, v)
	assert.False(t, c.Contains("enabled"))
	assert.Equal(t, "fallback", c.Pop("missing", "fallback"))
}

func TestSetDefaultWritesOnlyWhenMissing(t *testing.T) {
	c := New(map[string]any{"threshold": 0.75})
	v := c.SetDefault("threshold", 0.5, false)
	assert.Equal(t, 0.75, v)
	assert.Equal(t, 0.75, c.Get("threshold", nil))

	v = c.SetDefault("enabled", true, false)
	assert.Equal(t, true, v)
	assert.Equal(t, true, c.Get("enabled", nil))
}

func TestSetDefaultOverrideNoneReplacesNilValue(t *testing.T) {
	c := New(map[string]any{"threshold": nil})

	v := c.SetDefault("threshold", 0.5, false)
	assert.Nil(t, v)
	assert.Nil(t, c.Get("threshold", nil))

	v = c.SetDefault("threshold", 0.5, true)
	assert.Equal(t, 0.5, v)
	assert.Equal(t, 0.5, c.Get("threshold", nil))
}

func TestMergeRightWins(t *testing.T) {
	base := New(map[string]any{
		"a": 1.0,
		"nested": map[string]any{
			"x": 1.0,
			"y": 2.0,
		},
	})
	overlay := New(map[string]any{
		"a": 2.0,
		"nested": map[string]any{
			"y": 20.0,
			"z": 30.0,
		},
	})
	base.Merge(overlay)
	assert.Equal(t, 2.0, base.Get("a", nil))
	assert.Equal(t, 1.0, base.Get("nested/x", nil))
	assert.Equal(t, 20.0, base.Get("nested/y", nil))
	assert.Equal(t, 30.0, base.Get("nested/z", nil))
}

func TestShaStableAcrossInsertionOrder(t *testing.T) {
	a := New(nil)
	a.Set("x", 1.0)
	a.Set("y", 2.0)

	b := New(nil)
	b.Set("y", 2.0)
	b.Set("x", 1.0)

	shaA, err := a.Sha()
	require.NoError(t, err)
	shaB, err := b.Sha()
	require.NoError(t, err)
	assert.Equal(t, shaA, shaB)
}

func TestShaChangesWithContent(t *testing.T) {
	a := New(map[string]any{"x": 1.0})
	b := New(map[string]any{"x": 2.0})
	shaA, _ := a.Sha()
	shaB, _ := b.Sha()
	assert.NotEqual(t, shaA, shaB)
}

func TestCopyIsDeep(t *testing.T) {
	a := New(map[string]any{"nested": map[string]any{"x": 1.0}})
	b := a.Copy()
	b.Set("nested/x", 99.0)
	assert.Equal(t, 1.0, a.Get("nested/x", nil))
	assert.Equal(t, 99.0, b.Get("nested/x", nil))
}

func TestEqual(t *testing.T) {
	a := New(map[string]any{"x": 1.0, "y": 2.0})
	b := New(map[string]any{"y": 2.0, "x": 1.0})
	assert.True(t, a.Equal(b))
}
