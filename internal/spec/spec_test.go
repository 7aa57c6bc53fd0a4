package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInputIDsSingleInt(t *testing.T) {
	ids, err := DecodeInputIDs("3")
	require.NoError(t, err)
	assert.Equal(t, []any{3}, ids)
}

func TestDecodeInputIDsRange(t *testing.T) {
	ids, err := DecodeInputIDs("1-3")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, ids)
}

func TestDecodeInputIDsMixedCommaList(t *testing.T) {
	ids, err := DecodeInputIDs("5, 1-3, 3")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3, 5}, ids)
}

func TestDecodeInputIDsStringIdentifiers(t *testing.T) {
	ids, err := DecodeInputIDs("foo,bar")
	require.NoError(t, err)
	assert.Equal(t, []any{"bar", "foo"}, ids)
}

func TestDecodeInputIDsInvalidRange(t *testing.T) {
	_, err := DecodeInputIDs("5-1")
	assert.Error(t, err)
}

func TestDecodeInputIDsFromList(t *testing.T) {
	ids, err := DecodeInputIDs([]any{3, 1, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, ids)
}

func TestResolvePathSubstitutesPlaceholders(t *testing.T) {
	p, err := ResolvePath("{ROOTDIR}/out/{DIRNAME}.csv", "/tasks/child", "/tasks")
	require.NoError(t, err)
	assert.Equal(t, "/tasks/out/child.csv", p)
}

func TestResolvePathRelativeToTaskDir(t *testing.T) {
	p, err := ResolvePath("data.dill.gz", "/tasks/child", "/tasks")
	require.NoError(t, err)
	assert.Equal(t, "/tasks/child/data.dill.gz", p)
}

func TestMergeChildWins(t *testing.T) {
	base := Spec{"runnable": false, "config": map[string]any{"a": 1}}
	overlay := Spec{"runnable": true}
	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.True(t, merged.Runnable())
	assert.Equal(t, map[string]any{"a": 1}, merged["config"])
}
