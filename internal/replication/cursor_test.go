package replication

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsend/perspectivedb/internal/dagstore"
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

func openTestStore(t *testing.T) *dagstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := dagstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putLocal(t *testing.T, s *dagstore.Store, v revision.Version, pa ...revision.Version) *revision.Revision {
	t.Helper()
	s.Lock()
	i := s.NextIncrement()
	s.Unlock()
	r := &revision.Revision{ID: []byte("doc1"), V: v, Pe: revision.Local, Pa: pa, I: i}
	require.NoError(t, s.Put(r))
	return r
}

func TestCursorOpenFromStartEmitsEverything(t *testing.T) {
	store := openTestStore(t)
	putLocal(t, store, "v1")
	putLocal(t, store, "v2", "v1")

	c, err := Open(store, []byte("doc1"), "", nil)
	require.NoError(t, err)

	out, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, revision.Version("v1"), out[0].V)
	assert.Equal(t, revision.Version("v2"), out[1].V)
}

func TestCursorResumesFromOffset(t *testing.T) {
	store := openTestStore(t)
	putLocal(t, store, "v1")
	putLocal(t, store, "v2", "v1")
	putLocal(t, store, "v3", "v2")

	c, err := Open(store, []byte("doc1"), "v1", nil)
	require.NoError(t, err)

	out, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, revision.Version("v2"), out[0].V)
	assert.Equal(t, revision.Version("v3"), out[1].V)
}

func TestCursorUnknownOffsetIsOffsetNotFound(t *testing.T) {
	store := openTestStore(t)
	putLocal(t, store, "v1")

	_, err := Open(store, []byte("doc1"), "nope", nil)
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.OffsetNotFound))
}

func TestCursorFilterExcludesAndRewritesParents(t *testing.T) {
	store := openTestStore(t)
	putLocal(t, store, "v1")
	putLocal(t, store, "v2", "v1") // excluded
	putLocal(t, store, "v3", "v2")

	filter := func(r *revision.Revision) bool { return r.V != "v2" }
	c, err := Open(store, []byte("doc1"), "", filter)
	require.NoError(t, err)

	out, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2) // v1, v3 (v2 suppressed)
	assert.Equal(t, revision.Version("v1"), out[0].V)
	assert.Equal(t, revision.Version("v3"), out[1].V)
	assert.Equal(t, []revision.Version{"v1"}, out[1].Pa) // rewritten past v2
}

func TestCursorHookCanSuppressSilently(t *testing.T) {
	store := openTestStore(t)
	putLocal(t, store, "v1")
	putLocal(t, store, "v2", "v1")

	suppressV1 := func(ctx context.Context, rev *revision.Revision) (*revision.Revision, bool, error) {
		if rev.V == "v1" {
			return nil, false, nil
		}
		return rev, true, nil
	}
	c, err := Open(store, []byte("doc1"), "", nil, suppressV1)
	require.NoError(t, err)

	out, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, revision.Version("v2"), out[0].V)
}
