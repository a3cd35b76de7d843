// Package lca implements the lowest-common-ancestor finder (C3): given two
// leaf revisions and leaf-to-root history streams from each side, it finds
// the set of lowest common ancestor versions between them.
package lca

import (
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// HistoryIter yields revisions for one side of the search, leaf-to-root.
// It is the interface dagstore.IterHistory satisfies.
type HistoryIter interface {
	// Next returns the next revision in leaf-to-root order, or ok=false
	// once exhausted.
	Next() (rev *revision.Revision, ok bool, err error)
}

// PerspectiveLookup resolves a version to its revision under a specific
// perspective. dagstore.Store.Get (or an overlay view of it) satisfies this.
type PerspectiveLookup interface {
	Get(id []byte, v revision.Version, pe string) (*revision.Revision, bool, error)
}

// Result describes one lowest common ancestor: its version, and its
// materialized revision under each of the two perspectives being compared
// (perspective-aware merging needs both bodies, which may differ if a
// revision was independently edited post-merge under each perspective
// before converging — in the common single-perspective case the two
// entries are identical).
type Result struct {
	Version Version
	ByPe    map[string]*revision.Revision
}

// Version is a thin alias kept local so callers don't need to import
// revision just to read lca.Result.Version.
type Version = revision.Version

// Find returns the set of lowest common ancestors of x and y (same id),
// walking streamX and streamY cooperatively. peX/peY are the perspectives
// the two streams are drawn from (used to resolve each LCA's per-perspective
// copy via lookup).
func Find(x, y *revision.Revision, peX, peY string, streamX, streamY HistoryIter, lookup PerspectiveLookup) ([]Result, error) {
	if len(x.ID) == 0 || len(y.ID) == 0 || string(x.ID) != string(y.ID) {
		return nil, perr.New(perr.IdMismatch, "lca: x and y must share an id")
	}

	// Shortcut: one side's leaf is a direct parent of the other.
	if !x.IsVirtual() {
		for _, p := range y.Pa {
			if p == x.V {
				return singleResult(x.ID, x.V, peX, peY, lookup)
			}
		}
	}
	if !y.IsVirtual() {
		for _, p := range x.Pa {
			if p == y.V {
				return singleResult(x.ID, y.V, peX, peY, lookup)
			}
		}
	}

	openX := newVersionSet(startVersions(x))
	openY := newVersionSet(startVersions(y))
	ancX := map[revision.Version]struct{}{}
	ancY := map[revision.Version]struct{}{}
	shadowed := map[revision.Version]struct{}{}

	var order []revision.Version // first-seen order of recorded LCAs
	recorded := map[revision.Version]struct{}{}

	record := func(v revision.Version, parents []revision.Version) {
		if _, ok := shadowed[v]; ok {
			return
		}
		if _, ok := recorded[v]; !ok {
			recorded[v] = struct{}{}
			order = append(order, v)
		}
		for _, p := range parents {
			shadowed[p] = struct{}{}
		}
	}

	converged := func() bool {
		return openX.subsetOf(openY) && openY.subsetOf(openX)
	}

	for !openX.empty() || !openY.empty() {
		if converged() {
			break
		}
		advanced := false

		if !openX.empty() {
			r, ok, err := streamX.Next()
			if err != nil {
				return nil, err
			}
			if ok {
				advanced = true
				if openX.has(r.V) {
					openX.remove(r.V)
					openX.addAll(r.Pa)
					ancX[r.V] = struct{}{}
					if _, ok := ancY[r.V]; ok {
						record(r.V, r.Pa)
					}
				}
			}
		}

		if !openY.empty() {
			r, ok, err := streamY.Next()
			if err != nil {
				return nil, err
			}
			if ok {
				advanced = true
				if openY.has(r.V) {
					openY.remove(r.V)
					openY.addAll(r.Pa)
					ancY[r.V] = struct{}{}
					if _, ok := ancX[r.V]; ok {
						record(r.V, r.Pa)
					}
				}
			}
		}

		if !advanced {
			break
		}
	}

	if converged() {
		for v := range openX.set {
			if _, ok := shadowed[v]; ok {
				continue
			}
			record(v, nil)
		}
	}

	if len(order) == 0 {
		return nil, perr.New(perr.NoLca, "no common ancestor found")
	}

	results := make([]Result, 0, len(order))
	for _, v := range order {
		res := Result{Version: v, ByPe: map[string]*revision.Revision{}}
		for _, pe := range []string{peX, peY} {
			if _, ok := res.ByPe[pe]; ok {
				continue
			}
			rv, found, err := lookup.Get(x.ID, v, pe)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, perr.New(perr.MissingPerspective, "lca %s missing under perspective %s", v, pe)
			}
			res.ByPe[pe] = rv
		}
		results = append(results, res)
	}
	return results, nil
}

// singleResult builds the one-LCA Result for version v, populating its
// per-perspective copies via lookup (used by the direct-parent shortcut;
// the general walk builds its results inline with the same lookup).
func singleResult(id []byte, v revision.Version, peX, peY string, lookup PerspectiveLookup) ([]Result, error) {
	res := Result{Version: v, ByPe: map[string]*revision.Revision{}}
	for _, pe := range []string{peX, peY} {
		if _, ok := res.ByPe[pe]; ok {
			continue
		}
		rv, found, err := lookup.Get(id, v, pe)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, perr.New(perr.MissingPerspective, "lca %s missing under perspective %s", v, pe)
		}
		res.ByPe[pe] = rv
	}
	return []Result{res}, nil
}

func startVersions(r *revision.Revision) []revision.Version {
	if r.IsVirtual() {
		return append([]revision.Version(nil), r.Pa...)
	}
	return []revision.Version{r.V}
}

type versionSet struct {
	set map[revision.Version]struct{}
}

func newVersionSet(vs []revision.Version) *versionSet {
	s := &versionSet{set: make(map[revision.Version]struct{}, len(vs))}
	for _, v := range vs {
		s.set[v] = struct{}{}
	}
	return s
}

func (s *versionSet) has(v revision.Version) bool { _, ok := s.set[v]; return ok }
func (s *versionSet) remove(v revision.Version)    { delete(s.set, v) }
func (s *versionSet) empty() bool                  { return len(s.set) == 0 }
func (s *versionSet) addAll(vs []revision.Version) {
	for _, v := range vs {
		s.set[v] = struct{}{}
	}
}
func (s *versionSet) subsetOf(other *versionSet) bool {
	for v := range s.set {
		if _, ok := other.set[v]; !ok {
			return false
		}
	}
	return true
}
