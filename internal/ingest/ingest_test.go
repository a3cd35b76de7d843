package ingest

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

func TestIngestNewLocalRoot(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	rev := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local, Body: revision.Body{"a": 1}}
	committed, err := p.Ingest(context.Background(), Batch{
		Perspective: revision.Local,
		Items:       []Item{{Rev: rev}},
	})
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, uint64(1), committed[0].I)

	got, found, err := store.Get([]byte("doc1"), "v1", revision.Local)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, revision.Body{"a": int32(1)}, got.Body)
}

func TestIngestRemoteMaterializesLocalCopy(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	remoteRev := &revision.Revision{ID: []byte("doc1"), V: "r1", Pe: "peerA", Body: revision.Body{"a": 1}}
	committed, err := p.Ingest(context.Background(), Batch{
		Perspective: "peerA",
		Items:       []Item{{Rev: remoteRev}},
	})
	require.NoError(t, err)

	var sawLocal, sawRemote bool
	for _, r := range committed {
		if r.Pe == revision.Local {
			sawLocal = true
			assert.Equal(t, revision.Body{"a": 1}, r.Body)
		}
		if r.Pe == "peerA" {
			sawRemote = true
		}
	}
	assert.True(t, sawRemote)
	assert.True(t, sawLocal)

	localHead, found, err := store.LastByPerspective([]byte("doc1"), revision.Local, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, revision.Body{"a": int32(1)}, localHead.Body)
}

func TestMaterializeLocalGeneralMergeStampsFreshVersion(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	// A shared ancestor known to both peerA and the local perspective.
	g1 := &revision.Revision{ID: []byte("doc1"), V: "g1", Pe: "peerA", Body: revision.Body{"a": 1}}
	require.NoError(t, store.Put(g1))
	g1Local := &revision.Revision{ID: []byte("doc1"), V: "g1", Pe: revision.Local, Body: revision.Body{"a": 1}}
	require.NoError(t, store.Put(g1Local))

	// A local-only edit diverges from g1 without peerA's knowledge.
	l2 := &revision.Revision{ID: []byte("doc1"), V: "l2", Pe: revision.Local, Pa: []revision.Version{"g1"}, Body: revision.Body{"c": 3}}
	require.NoError(t, store.Put(l2))

	// peerA offers its own divergent edit off the same ancestor: exactly one
	// LCA (g1), neither side a descendant of the other, so materializeLocal
	// must take the general-merge branch (spec §8 scenario 3's criss-cross
	// case) and commit a genuinely new LOCAL revision.
	r2 := &revision.Revision{ID: []byte("doc1"), V: "r2", Pe: "peerA", Pa: []revision.Version{"g1"}, Body: revision.Body{"b": 2}}
	extra1, err := p.materializeLocal([]*revision.Revision{r2}, false)
	require.NoError(t, err)
	require.Len(t, extra1, 1)
	merged1 := extra1[0]
	assert.Equal(t, revision.Local, merged1.Pe)
	assert.NotEmpty(t, merged1.V)
	for _, pa := range merged1.Pa {
		assert.NotEqual(t, merged1.V, pa, "merged revision must not cite itself as its own parent")
	}

	// A second, independent divergence off the same ancestor (peerB) must
	// get its own fresh version rather than colliding with the first merge
	// on a shared degenerate (empty-version) key.
	g1PeerB := &revision.Revision{ID: []byte("doc1"), V: "g1", Pe: "peerB", Body: revision.Body{"a": 1}}
	require.NoError(t, store.Put(g1PeerB))
	r3 := &revision.Revision{ID: []byte("doc1"), V: "r3", Pe: "peerB", Pa: []revision.Version{"g1"}, Body: revision.Body{"d": 4}}
	extra2, err := p.materializeLocal([]*revision.Revision{r3}, false)
	require.NoError(t, err)
	require.Len(t, extra2, 1)
	merged2 := extra2[0]
	assert.NotEmpty(t, merged2.V)
	assert.NotEqual(t, merged1.V, merged2.V, "each divergent merge must get its own fresh version")
}

func TestIngestRejectsDuplicateVersionInBatch(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	// Two literal roots for the same id in one batch: step 2 (single new
	// head per id) rejects this before version uniqueness is ever checked.
	rev1 := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	rev2 := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	_, err := p.Ingest(context.Background(), Batch{
		Perspective: revision.Local,
		Items:       []Item{{Rev: rev1}, {Rev: rev2}},
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.NotExactlyOneHead))
}

func TestIngestRejectsVersionAlreadyCommitted(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	first := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	_, err := p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: first}}})
	require.NoError(t, err)

	// Re-offering the very same (id, v, pe) as a non-root continuation off
	// itself: single-head and parent-coverage pass, so step 4's
	// version-uniqueness check is what must catch it.
	replay := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local, Pa: []revision.Version{"v1"}}
	_, err = p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: replay}}})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.VersionExists))
}

func TestIngestRejectsMismatchedPerspective(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	rev := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: "other"}
	_, err := p.Ingest(context.Background(), Batch{
		Perspective: revision.Local,
		Items:       []Item{{Rev: rev}},
	})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.PerspectiveMismatch))
}

func TestIngestRejectsSecondRootWhileHeadLive(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	first := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	_, err := p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: first}}})
	require.NoError(t, err)

	second := &revision.Revision{ID: []byte("doc1"), V: "v2", Pe: revision.Local}
	_, err = p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: second}}})
	require.Error(t, err)
	assert.True(t, perr.Is(err, perr.RootPreceded))
}

func TestIngestAllowsRootAfterTombstone(t *testing.T) {
	store := openTestStore(t)
	p := &Pipeline{Store: store}

	first := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local}
	_, err := p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: first}}})
	require.NoError(t, err)

	tomb := &revision.Revision{ID: []byte("doc1"), V: "v2", Pe: revision.Local, Pa: []revision.Version{"v1"}, Del: true}
	_, err = p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: tomb}}})
	require.NoError(t, err)

	reinsert := &revision.Revision{ID: []byte("doc1"), V: "v3", Pe: revision.Local, Pa: []revision.Version{"v2"}}
	committed, err := p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: reinsert}}})
	require.NoError(t, err)
	require.Len(t, committed, 1)
}

type fakeMirror struct {
	upserts []revision.Revision
	removes [][]byte
}

func (m *fakeMirror) Upsert(ctx context.Context, rev *revision.Revision) error {
	m.upserts = append(m.upserts, *rev)
	return nil
}

func (m *fakeMirror) Remove(ctx context.Context, rev *revision.Revision) error {
	m.removes = append(m.removes, rev.ID)
	return nil
}

func TestIngestMirrorsNewLocalHeads(t *testing.T) {
	store := openTestStore(t)
	mirror := &fakeMirror{}
	p := &Pipeline{Store: store, Mirror: mirror}

	rev := &revision.Revision{ID: []byte("doc1"), V: "v1", Pe: revision.Local, Body: revision.Body{"a": 1}}
	_, err := p.Ingest(context.Background(), Batch{Perspective: revision.Local, Items: []Item{{Rev: rev}}})
	require.NoError(t, err)

	require.Len(t, mirror.upserts, 1)
	assert.Equal(t, revision.Body{"a": 1}, mirror.upserts[0].Body)
}
