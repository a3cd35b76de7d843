package merge

import (
	"sort"

	"github.com/netsend/perspectivedb/internal/lca"
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// Result is the outcome of MergeRevisions/FromLcas: the merged revision from X's perspective
// and from Y's perspective (identical when the two perspectives coincide),
// and the LCA set that was used.
type Result struct {
	MergedX *revision.Revision
	MergedY *revision.Revision
	Lcas    []lca.Result
}

// MergeRevisions composes the LCA finder (C3) with the field merger (C4): fast-
// forward detection, multi-LCA reduction by recursive virtual merging, and
// per-perspective result construction, per spec §4.5.
func MergeRevisions(x, y *revision.Revision, treeX, treeY lca.HistoryIter, lookup lca.PerspectiveLookup) (*Result, error) {
	if string(x.ID) != string(y.ID) {
		return nil, perr.New(perr.IdMismatch, "x and y belong to different ids")
	}
	if x.IsVirtual() && y.IsVirtual() {
		return nil, perr.New(perr.MissingVersion, "both x and y are virtual")
	}

	// Case: equal versions — fast-forward to self.
	if !x.IsVirtual() && !y.IsVirtual() && x.V == y.V {
		return &Result{MergedX: x, MergedY: y}, nil
	}

	lcas, err := lca.Find(x, y, x.Pe, y.Pe, treeX, treeY, lookup)
	if err != nil {
		return nil, err
	}
	return FromLcas(x, y, lcas)
}

// FromLcas builds the merge result given an already-computed LCA set,
// letting callers (such as the ingestion pipeline's step 5, which forbids
// silent multi-LCA reduction) inspect or reject the LCA count before
// committing to the fold-and-merge path.
func FromLcas(x, y *revision.Revision, lcas []lca.Result) (*Result, error) {
	reduced, err := reduceLcas(lcas, x.ID, x.Pe, y.Pe)
	if err != nil {
		return nil, err
	}

	lcaX := reduced.ByPe[x.Pe]
	lcaY := reduced.ByPe[y.Pe]
	if lcaX == nil || lcaY == nil {
		return nil, perr.New(perr.MissingPerspective, "lca missing a required perspective copy")
	}

	// Case: LCA == X.v — Y is a descendant of X.
	if !x.IsVirtual() && reduced.Version == x.V {
		ffX, err := fastForwardCopy(x, y, lcaX, lcaY)
		if err != nil {
			return nil, err
		}
		return &Result{MergedX: ffX, MergedY: y, Lcas: lcas}, nil
	}

	// Case: LCA == Y.v — symmetric.
	if !y.IsVirtual() && reduced.Version == y.V {
		ffY, err := fastForwardCopy(y, x, lcaY, lcaX)
		if err != nil {
			return nil, err
		}
		return &Result{MergedX: x, MergedY: ffY, Lcas: lcas}, nil
	}

	// General merge.
	mergedBody, conflicts := Merge(x.Body, y.Body, lcaX.Body, lcaY.Body)
	if conflicts != nil {
		return nil, perr.Conflict(conflicts)
	}
	del := x.Del && y.Del

	parents := mergeParents(x, y)
	newRev := &revision.Revision{
		ID:   x.ID,
		Pa:   parents,
		Body: mergedBody,
		Del:  del,
	}

	result := &Result{Lcas: lcas}
	if x.Pe == y.Pe {
		newRev.Pe = x.Pe
		result.MergedX = newRev
		result.MergedY = newRev
		return result, nil
	}

	// Cross-perspective: independently merge from Y's side too, always
	// producing a separate revision for Y's perspective.
	mergedBodyY, conflictsY := Merge(y.Body, x.Body, lcaY.Body, lcaX.Body)
	if conflictsY != nil {
		return nil, perr.Conflict(conflictsY)
	}
	newRevX := newRev
	newRevX.Pe = x.Pe
	newRevY := &revision.Revision{
		ID:   y.ID,
		Pa:   mergeParents(y, x),
		Pe:   y.Pe,
		Body: mergedBodyY,
		Del:  del,
	}
	result.MergedX = newRevX
	result.MergedY = newRevY
	return result, nil
}

// fastForwardCopy builds a recreated fast-forward copy of `descendant` in
// `ancestor`'s perspective, per spec §4.5 case 3/4: built by three-way
// merging ancestor with descendant against the two LCAs (which, in the
// fast-forward case, are the ancestor itself) so the copy carries the
// descendant's body under the ancestor's perspective.
func fastForwardCopy(ancestor, descendant *revision.Revision, lcaAncestor, lcaDescendant *revision.Revision) (*revision.Revision, error) {
	body, conflicts := Merge(ancestor.Body, descendant.Body, lcaAncestor.Body, lcaDescendant.Body)
	if conflicts != nil {
		// A fast-forward can never conflict since one side is a strict
		// ancestor of the other; surface it rather than hide a bug.
		return nil, perr.Conflict(conflicts)
	}
	return &revision.Revision{
		ID:   ancestor.ID,
		V:    descendant.V,
		Pa:   descendant.Pa,
		Pe:   ancestor.Pe,
		Del:  ancestor.Del && descendant.Del,
		Body: body,
	}, nil
}

// mergeParents orders the new merge header's parents deterministically: X's
// version (or, for a virtual X, X's own parents spliced in) then Y's.
func mergeParents(x, y *revision.Revision) []revision.Version {
	var out []revision.Version
	if x.IsVirtual() {
		out = append(out, x.Pa...)
	} else {
		out = append(out, x.V)
	}
	if y.IsVirtual() {
		out = append(out, y.Pa...)
	} else {
		out = append(out, y.V)
	}
	return out
}

// reduceLcas folds more than one LCA into a single synthetic one by
// repeated virtual merging, per spec §4.5 "Multi-LCA reduction": sort by
// (v, perspective), fold pairwise until one remains. Virtual revisions
// never touch the store.
func reduceLcas(lcas []lca.Result, id []byte, peX, peY string) (lca.Result, error) {
	if len(lcas) == 0 {
		return lca.Result{}, perr.New(perr.NoLca, "no lca to reduce")
	}
	if len(lcas) == 1 {
		return lcas[0], nil
	}

	sorted := append([]lca.Result(nil), lcas...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Version != sorted[j].Version {
			return sorted[i].Version < sorted[j].Version
		}
		return false
	})

	acc := sorted[0]
	for _, next := range sorted[1:] {
		merged, err := foldPair(acc, next, id, peX, peY)
		if err != nil {
			return lca.Result{}, err
		}
		acc = merged
	}
	return acc, nil
}

// foldPair virtually merges two LCA candidates into one synthetic LCA whose
// parents are the two input versions.
func foldPair(a, b lca.Result, id []byte, peX, peY string) (lca.Result, error) {
	out := lca.Result{ByPe: map[string]*revision.Revision{}}
	for _, pe := range []string{peX, peY} {
		ra, ok := a.ByPe[pe]
		if !ok {
			return lca.Result{}, perr.New(perr.MissingPerspective, "fold: missing perspective %s on first lca", pe)
		}
		rb, ok := b.ByPe[pe]
		if !ok {
			return lca.Result{}, perr.New(perr.MissingPerspective, "fold: missing perspective %s on second lca", pe)
		}
		body, conflicts := Merge(ra.Body, rb.Body, ra.Body, rb.Body)
		if conflicts != nil {
			// Virtual ancestors: deterministic convergence is assumed;
			// arbitrate by preferring `a` (the earlier-sorted version) on
			// conflict so reduction always terminates.
			body = ra.Body
		}
		virtual := &revision.Revision{
			ID:   id,
			Pa:   []revision.Version{a.Version, b.Version},
			Pe:   pe,
			Body: body,
		}
		out.ByPe[pe] = virtual
	}
	// A synthetic LCA has no assigned version; reductions after the first
	// fold key off of identity rather than Version equality, so an empty
	// Version is fine as long as every caller treats ByPe as authoritative.
	return out, nil
}
