// Package ingest implements the ingestion pipeline (C6): it validates
// incoming revision batches (from a local change stream or a remote peer),
// ensures a LOCAL perspective of each remote revision exists, merges new
// heads with the latest local head, and commits the resulting revisions
// into the DAG store.
package ingest

import (
	"context"
	"sort"

	"github.com/netsend/perspectivedb/internal/dagstore"
	"github.com/netsend/perspectivedb/internal/lca"
	"github.com/netsend/perspectivedb/internal/merge"
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// Origin tags where a candidate revision came from.
type Origin int

const (
	OriginSourceLocal Origin = iota
	OriginRemote
)

// Item is one candidate revision plus its origin tag.
type Item struct {
	Rev    *revision.Revision
	Origin Origin
}

// Batch is a set of candidate revisions, all sharing one perspective.
type Batch struct {
	Perspective    string
	Items          []Item
	ProceedOnError bool
}

// Mirror is the source-collection-mirroring capability (C8's ingest-facing
// side): upsert on a non-deletion commit, remove on a deletion commit.
type Mirror interface {
	Upsert(ctx context.Context, rev *revision.Revision) error
	Remove(ctx context.Context, rev *revision.Revision) error
}

// Pipeline runs the ingestion gate against one collection's DAG store.
type Pipeline struct {
	Store  *dagstore.Store
	Mirror Mirror // optional; nil disables step 9
}

// Ingest runs the full gate described in spec §4.6. A failure in steps 1-7
// rejects the whole batch before anything is written. Step 8 writes each
// revision with its own Store.Put (one store transaction each), so the
// commit is not atomic: an error part-way through step 8 leaves the
// revisions written before it committed. A step-9 mirror error is returned
// after the commit, together with the committed revisions. On success it
// returns every revision that was actually committed (including any
// synthesized LOCAL-materialization and merge revisions).
func (p *Pipeline) Ingest(ctx context.Context, batch Batch) ([]*revision.Revision, error) {
	if len(batch.Items) == 0 {
		return nil, nil
	}

	p.Store.Lock()
	defer p.Store.Unlock()

	// Step 1: perspective uniform, normalize ack/op.
	pe := batch.Perspective
	for _, it := range batch.Items {
		if it.Rev.Pe == "" {
			it.Rev.Pe = pe
		}
		if it.Rev.Pe != pe {
			return nil, perr.New(perr.PerspectiveMismatch, "batch perspective %q, item carries %q", pe, it.Rev.Pe)
		}
		if err := it.Rev.Validate(); err != nil {
			return nil, err
		}
	}

	pending := make([]*revision.Revision, 0, len(batch.Items))
	for _, it := range batch.Items {
		pending = append(pending, it.Rev)
	}
	overlay := dagstore.NewOverlay(p.Store, pending)

	// Step 2: single new head per id (deletions excluded from the tally);
	// a literal new root is rejected if the store already has a live head.
	if err := validateSingleHeadPerId(pending, p.Store); err != nil {
		return nil, err
	}

	// Step 3: parent coverage (store or earlier in the same batch).
	for _, r := range pending {
		for _, parentV := range r.Pa {
			if !overlay.Has(r.ID, parentV, r.Pe) {
				return nil, perr.New(perr.ParentMissing, "parent %s of %s/%s/%s not found in store or batch", parentV, r.ID, r.V, r.Pe)
			}
		}
	}

	// Step 4: version uniqueness.
	seen := make(map[string]struct{}, len(pending))
	for _, r := range pending {
		key := string(r.ID) + "\x00" + string(r.V) + "\x00" + r.Pe
		if _, dup := seen[key]; dup {
			return nil, perr.New(perr.VersionExists, "duplicate %s/%s/%s within batch", r.ID, r.V, r.Pe)
		}
		seen[key] = struct{}{}
		if _, exists, err := p.Store.Get(r.ID, r.V, r.Pe); err != nil {
			return nil, err
		} else if exists {
			return nil, perr.New(perr.VersionExists, "%s/%s/%s already committed", r.ID, r.V, r.Pe)
		}
	}

	toCommit := append([]*revision.Revision(nil), pending...)

	// Step 5: local perspective materialization (non-LOCAL batches only).
	if pe != revision.Local {
		extra, err := p.materializeLocal(pending, batch.ProceedOnError)
		if err != nil {
			return nil, err
		}
		toCommit = append(toCommit, extra...)
	}

	// Step 6: merge new heads with the current LOCAL head.
	mergeExtra, err := p.mergeWithLocalHeads(pending, toCommit, batch.ProceedOnError)
	if err != nil {
		return nil, err
	}
	toCommit = append(toCommit, mergeExtra...)

	// Step 7: increment assignment in stable (commit) order.
	for _, r := range toCommit {
		if r.Pe == revision.Local && r.I == 0 {
			r.I = p.Store.NextIncrement()
		}
	}

	// Step 8: commit. Failures here are always fatal.
	for _, r := range toCommit {
		if err := p.Store.Put(r); err != nil {
			return nil, err
		}
	}

	// Step 9: mirror new LOCAL heads back to the source collection.
	if p.Mirror != nil {
		for _, r := range toCommit {
			if r.Pe != revision.Local {
				continue
			}
			var err error
			if r.Del {
				err = p.Mirror.Remove(ctx, r)
			} else {
				err = p.Mirror.Upsert(ctx, r)
			}
			if err != nil {
				return toCommit, err
			}
		}
	}

	return toCommit, nil
}

// validateSingleHeadPerId implements spec §4.6 step 2.
func validateSingleHeadPerId(pending []*revision.Revision, store *dagstore.Store) error {
	byId := make(map[string][]*revision.Revision)
	for _, r := range pending {
		byId[string(r.ID)] = append(byId[string(r.ID)], r)
	}

	for idStr, items := range byId {
		referenced := make(map[revision.Version]struct{})
		for _, r := range items {
			for _, p := range r.Pa {
				referenced[p] = struct{}{}
			}
		}
		var nonDeletedHeads int
		for _, r := range items {
			if _, ok := referenced[r.V]; ok {
				continue
			}
			if !r.Del {
				nonDeletedHeads++
			}
		}
		if nonDeletedHeads > 1 {
			return perr.New(perr.NotExactlyOneHead, "id %s: %d new heads in batch", idStr, nonDeletedHeads)
		}

		for _, r := range items {
			if len(r.Pa) != 0 {
				continue
			}
			existing, err := store.Heads([]byte(idStr), r.Pe, false)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return perr.New(perr.RootPreceded, "id %s already has a live head", idStr)
			}
		}
	}
	return nil
}

// materializeLocal implements spec §4.6 step 5.
func (p *Pipeline) materializeLocal(pending []*revision.Revision, proceedOnError bool) ([]*revision.Revision, error) {
	var extra []*revision.Revision

	for _, r := range pending {
		localHead, hasLocalHead, err := p.Store.LastByPerspective(r.ID, revision.Local, nil)
		if err != nil {
			return nil, err
		}

		if !hasLocalHead {
			extra = append(extra, cloneAsLocal(r))
			continue
		}

		if localHead.Del && len(r.Pa) == 0 {
			extra = append(extra, cloneAsLocal(r))
			continue
		}

		isAnc, err := isAncestor(p.Store, r.ID, revision.Local, localHead.V, r.V)
		if err != nil {
			return nil, err
		}
		if isAnc {
			continue
		}

		treeRemote, err := dagstore.NewOverlay(p.Store, append(pending, extra...)).IterHistory(r.ID, r.Pe, r.V)
		if err != nil {
			return nil, err
		}
		treeLocal, err := p.Store.IterHistory(r.ID, revision.Local, localHead.V)
		if err != nil {
			return nil, err
		}
		lookup := dagstore.NewOverlay(p.Store, append(pending, extra...))

		lcas, err := lca.Find(r, localHead, r.Pe, revision.Local, treeRemote, treeLocal, lookup)
		if err != nil {
			if perr.Is(err, perr.NoLca) {
				if proceedOnError {
					continue
				}
				return nil, err
			}
			return nil, err
		}
		if len(lcas) > 1 {
			if proceedOnError {
				continue
			}
			return nil, perr.New(perr.MultipleLcas, "materializeLocal: %d lcas for %s", len(lcas), r.ID)
		}

		res, err := merge.FromLcas(r, localHead, lcas)
		if err != nil {
			if perr.Is(err, perr.MergeConflict) && proceedOnError {
				continue
			}
			return nil, err
		}

		// A fast-forward that leaves the local head unchanged needs no new
		// commit (r is already an ancestor of it).
		if res.MergedY == localHead || (!res.MergedY.IsVirtual() && res.MergedY.V == localHead.V) {
			continue
		}
		// The general-merge branch of FromLcas leaves MergedY virtual (no V)
		// since it defers stamping to whichever caller commits it; this
		// fast-forward-by-merge synthetic LOCAL revision is ours to stamp.
		// Reusing r.V would be wrong: mergeParents already placed r.V in
		// MergedY.Pa, so that would make the commit its own parent.
		if res.MergedY.IsVirtual() {
			v, err := revision.NewVersion()
			if err != nil {
				return nil, err
			}
			res.MergedY.V = v
			res.MergedY.Ack = false
		}
		extra = append(extra, res.MergedY) // LOCAL-perspective fast-forward/merge result
	}
	return extra, nil
}

// mergeWithLocalHeads implements spec §4.6 step 6.
func (p *Pipeline) mergeWithLocalHeads(newHeadsCandidates, alreadyPending []*revision.Revision, proceedOnError bool) ([]*revision.Revision, error) {
	var extra []*revision.Revision

	byId := make(map[string]*revision.Revision)
	for _, r := range newHeadsCandidates {
		byId[string(r.ID)] = r // last writer in batch order stands as the id's new head candidate
	}

	ids := make([]string, 0, len(byId))
	for id := range byId {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, idStr := range ids {
		newHead := byId[idStr]
		id := []byte(idStr)

		localHead, has, err := p.Store.LastByPerspective(id, revision.Local, nil)
		if err != nil {
			return nil, err
		}
		if !has || localHead.Del || localHead.V == newHead.V {
			continue
		}

		all := append(append([]*revision.Revision(nil), alreadyPending...), extra...)
		overlay := dagstore.NewOverlay(p.Store, all)

		treeNew, err := overlay.IterHistory(id, newHead.Pe, newHead.V)
		if err != nil {
			return nil, err
		}
		treeLocal, err := p.Store.IterHistory(id, revision.Local, localHead.V)
		if err != nil {
			return nil, err
		}

		res, err := merge.MergeRevisions(newHead, localHead, treeNew, treeLocal, overlay)
		if err != nil {
			if perr.Is(err, perr.MergeConflict) && proceedOnError {
				continue
			}
			return nil, err
		}

		// A fast-forward (either side returned unchanged) needs no new commit.
		if res.MergedY == localHead || res.MergedY.V == localHead.V {
			continue
		}
		if res.MergedY.IsVirtual() {
			v, err := revision.NewVersion()
			if err != nil {
				return nil, err
			}
			res.MergedY.V = v
			res.MergedY.Ack = false
			extra = append(extra, res.MergedY)
		}
	}
	return extra, nil
}

func cloneAsLocal(r *revision.Revision) *revision.Revision {
	c := r.Clone()
	c.Pe = revision.Local
	c.Lo = false
	c.Ack = false
	return c
}

// isAncestor reports whether target is a (transitive) ancestor of head
// under perspective pe, walking via the store's parent links.
func isAncestor(store *dagstore.Store, id []byte, pe string, head, target revision.Version) (bool, error) {
	if head == target {
		return true, nil
	}
	visited := map[revision.Version]struct{}{head: {}}
	queue := []revision.Version{head}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		r, found, err := store.Get(id, v, pe)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		for _, p := range r.Pa {
			if p == target {
				return true, nil
			}
			if _, ok := visited[p]; !ok {
				visited[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}
