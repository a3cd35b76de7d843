package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsend/perspectivedb/internal/revision"
)

func TestMergeUnchangedOnBothSides(t *testing.T) {
	lca := revision.Body{"a": 1}
	merged, conflicts := Merge(lca, lca, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, revision.Body{"a": 1}, merged)
}

func TestMergeOneSidedModification(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{"a": 2}
	y := revision.Body{"a": 1}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, 2, merged["a"])
}

func TestMergeBothSidesIdenticalModification(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{"a": 2}
	y := revision.Body{"a": 2}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, 2, merged["a"])
}

func TestMergeConflictingModifications(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{"a": 2}
	y := revision.Body{"a": 3}
	merged, conflicts := Merge(x, y, lca, lca)
	assert.Nil(t, merged)
	assert.Equal(t, []string{"a"}, conflicts)
}

func TestMergeBothSidesDeleteField(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{}
	y := revision.Body{}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	_, present := merged["a"]
	assert.False(t, present)
}

func TestMergeDeleteWinsOverUnchanged(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{} // deleted
	y := revision.Body{"a": 1}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	_, present := merged["a"]
	assert.False(t, present)
}

func TestMergeModWinsOverUnchanged(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{"a": 1}
	y := revision.Body{"a": 5}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, 5, merged["a"])
}

func TestMergeBothSidesAddSameField(t *testing.T) {
	lca := revision.Body{}
	x := revision.Body{"b": 9}
	y := revision.Body{"b": 9}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, 9, merged["b"])
}

func TestMergeBothSidesAddDifferentValue(t *testing.T) {
	lca := revision.Body{}
	x := revision.Body{"b": 9}
	y := revision.Body{"b": 10}
	merged, conflicts := Merge(x, y, lca, lca)
	assert.Nil(t, merged)
	assert.Equal(t, []string{"b"}, conflicts)
}

func TestMergeAddAgainstOtherSideSamePresentIsConflict(t *testing.T) {
	// x's lca never had field "c"; y's lca had "c" unchanged. The addition
	// on x's side is not grounded in shared history.
	lcaX := revision.Body{}
	lcaY := revision.Body{"c": 1}
	x := revision.Body{"c": 2}
	y := revision.Body{"c": 1}
	merged, conflicts := Merge(x, y, lcaX, lcaY)
	assert.Nil(t, merged)
	assert.Equal(t, []string{"c"}, conflicts)
}

func TestMergeUnrelatedFieldsNeverConflict(t *testing.T) {
	lca := revision.Body{"a": 1}
	x := revision.Body{"a": 1, "x_only": "x"}
	y := revision.Body{"a": 1, "y_only": "y"}
	merged, conflicts := Merge(x, y, lca, lca)
	require.Nil(t, conflicts)
	assert.Equal(t, "x", merged["x_only"])
	assert.Equal(t, "y", merged["y_only"])
}
