package dagstore

import (
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// HistoryIterator walks one perspective's revisions for an id in
// leaf-to-root order, satisfying lca.HistoryIter. For pe=LOCAL this follows
// the `i` index; for remote perspectives it follows insertion (storage)
// order — both realized here as "most-recent-storage-order first", which
// coincides with leaf-to-root because a revision is always committed after
// its parents (spec §4.3).
type HistoryIterator struct {
	revs []*revision.Revision
	pos  int
}

// Next returns the next revision leaf-to-root, or ok=false when exhausted.
func (it *HistoryIterator) Next() (*revision.Revision, bool, error) {
	if it.pos >= len(it.revs) {
		return nil, false, nil
	}
	r := it.revs[it.pos]
	it.pos++
	return r, true, nil
}

// IterHistory returns a leaf-to-root iterator for (id, pe) starting at
// fromVersion, inclusive.
func (s *Store) IterHistory(id []byte, pe string, fromVersion revision.Version) (*HistoryIterator, error) {
	all, err := s.allForPerspective(id, pe)
	if err != nil {
		return nil, err
	}
	for i, r := range all {
		if r.V == fromVersion {
			return &HistoryIterator{revs: all[i:]}, nil
		}
	}
	return nil, perr.New(perr.MissingVersion, "iter_history: version %s not found under (%s, %s)", fromVersion, id, pe)
}
