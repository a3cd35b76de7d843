package dagstore

import (
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// Overlay answers reads as if a batch of not-yet-committed revisions were
// already committed, without mutating the underlying store. The ingestion
// pipeline uses it to validate intra-batch parent references and to
// compute LCAs that include not-yet-committed LOCAL-perspective revisions
// (spec §4.2, §4.6).
type Overlay struct {
	store   *Store
	pending []*revision.Revision
	byKey   map[string]*revision.Revision
}

// NewOverlay builds an overlay of store with pending layered on top, in
// batch order (the order they'll be committed in).
func NewOverlay(store *Store, pending []*revision.Revision) *Overlay {
	byKey := make(map[string]*revision.Revision, len(pending))
	for _, r := range pending {
		byKey[string(idvpeKey(r.ID, r.V, r.Pe))] = r
	}
	return &Overlay{store: store, pending: pending, byKey: byKey}
}

// Get implements lca.PerspectiveLookup: pending entries shadow committed
// ones.
func (o *Overlay) Get(id []byte, v revision.Version, pe string) (*revision.Revision, bool, error) {
	if r, ok := o.byKey[string(idvpeKey(id, v, pe))]; ok {
		return r, true, nil
	}
	return o.store.Get(id, v, pe)
}

// Has reports whether (id, v, pe) exists in the overlay (pending or
// committed) — used for parent-coverage validation (spec §4.6 step 3).
func (o *Overlay) Has(id []byte, v revision.Version, pe string) bool {
	if _, ok := o.byKey[string(idvpeKey(id, v, pe))]; ok {
		return true
	}
	_, found, _ := o.store.Get(id, v, pe)
	return found
}

// Heads returns the overlay's view of (id, pe) heads: the set-difference
// computation run over committed revisions plus pending ones.
func (o *Overlay) Heads(id []byte, pe string, includeDeleted bool) ([]*revision.Revision, error) {
	committed, err := o.store.allForPerspective(id, pe)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[revision.Version]*revision.Revision, len(committed)+len(o.pending))
	for _, r := range committed {
		byVersion[r.V] = r
	}
	for _, r := range o.pending {
		if string(r.ID) == string(id) && r.Pe == pe {
			byVersion[r.V] = r
		}
	}
	referenced := make(map[revision.Version]struct{})
	for _, r := range byVersion {
		for _, p := range r.Pa {
			referenced[p] = struct{}{}
		}
	}
	var heads []*revision.Revision
	for v, r := range byVersion {
		if _, ok := referenced[v]; ok {
			continue
		}
		if r.Del && !includeDeleted {
			continue
		}
		heads = append(heads, r)
	}
	return heads, nil
}

// IterHistory returns a leaf-to-root iterator over (id, pe) starting at
// fromVersion inclusive, considering pending revisions as already
// committed and ordered ahead of the store's history (they are newer).
func (o *Overlay) IterHistory(id []byte, pe string, fromVersion revision.Version) (*HistoryIterator, error) {
	var pendingForIdPe []*revision.Revision
	for i := len(o.pending) - 1; i >= 0; i-- {
		r := o.pending[i]
		if string(r.ID) == string(id) && r.Pe == pe {
			pendingForIdPe = append(pendingForIdPe, r)
		}
	}
	committed, err := o.store.allForPerspective(id, pe)
	if err != nil {
		return nil, err
	}
	combined := append(pendingForIdPe, committed...)
	for i, r := range combined {
		if r.V == fromVersion {
			return &HistoryIterator{revs: combined[i:]}, nil
		}
	}
	return nil, perr.New(perr.MissingVersion, "overlay iter_history: version %s not found under (%s, %s)", fromVersion, id, pe)
}
