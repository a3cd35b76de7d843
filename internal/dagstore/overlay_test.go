package dagstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsend/perspectivedb/internal/revision"
)

func TestOverlayHasSeesCommittedAndPending(t *testing.T) {
	s := openTestStore(t)
	committed := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	require.NoError(t, s.Put(committed))

	pending := &revision.Revision{ID: []byte("doc1"), V: "v2", Pe: revision.Local, Pa: []revision.Version{"v1"}}
	ov := NewOverlay(s, []*revision.Revision{pending})

	assert.True(t, ov.Has([]byte("doc1"), "v1", revision.Local))
	assert.True(t, ov.Has([]byte("doc1"), "v2", revision.Local))
	assert.False(t, ov.Has([]byte("doc1"), "v3", revision.Local))
}

func TestOverlayGetPrefersPendingOverCommitted(t *testing.T) {
	s := openTestStore(t)
	pending := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local, Body: revision.Body{"a": 1}}
	ov := NewOverlay(s, []*revision.Revision{pending})

	got, found, err := ov.Get([]byte("doc1"), "v1", revision.Local)
	require.NoError(t, err)
	require.True(t, found)
	assert.Same(t, pending, got)
}

func TestOverlayHeadsIncludesPending(t *testing.T) {
	s := openTestStore(t)
	root := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	require.NoError(t, s.Put(root))

	pendingChild := &revision.Revision{ID: []byte("doc1"), V: "v2", Pe: revision.Local, Pa: []revision.Version{"v1"}}
	ov := NewOverlay(s, []*revision.Revision{pendingChild})

	heads, err := ov.Heads([]byte("doc1"), revision.Local, false)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, revision.Version("v2"), heads[0].V)
}

func TestOverlayIterHistoryPrependsPending(t *testing.T) {
	s := openTestStore(t)
	root := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	require.NoError(t, s.Put(root))

	pendingChild := &revision.Revision{ID: []byte("doc1"), V: "v2", Pe: revision.Local, Pa: []revision.Version{"v1"}}
	ov := NewOverlay(s, []*revision.Revision{pendingChild})

	it, err := ov.IterHistory([]byte("doc1"), revision.Local, "v2")
	require.NoError(t, err)

	var order []revision.Version
	for {
		r, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, r.V)
	}
	assert.Equal(t, []revision.Version{"v2", "v1"}, order)
}
