// Package merge implements the three-way field merger (C4) and the merge
// engine (C5) built on top of it.
package merge

import (
	"sort"

	"github.com/netsend/perspectivedb/internal/revision"
)

// delta classifies a field's change relative to its common ancestor.
type delta int

const (
	deltaSameAbsent  delta = iota // absent from the item and its LCA
	deltaSamePresent              // present in both, equal value — unchanged
	deltaAdd                      // present in the item, absent from the LCA
	deltaMod                      // present in both, unequal value
	deltaDel                      // absent from the item, present in the LCA
)

func fieldDelta(val any, in bool, lcaVal any, lcaIn bool) (delta, any) {
	switch {
	case in && !lcaIn:
		return deltaAdd, val
	case in && lcaIn:
		if revision.FieldEqual(val, lcaVal) {
			return deltaSamePresent, val
		}
		return deltaMod, val
	case !in && lcaIn:
		return deltaDel, nil
	default:
		return deltaSameAbsent, nil
	}
}

// Merge is the pure three-way field merge described in spec §4.4. X is the
// leading side: ties and "no opinion" resolution favor X's reading of
// unresolved ambiguity only where the spec is explicit about it; all other
// rules are symmetric. lcaY defaults to lcaX when the two perspectives share
// a common ancestor body (the common, single-perspective case).
//
// Returns either the merged body, or the (non-empty) list of field names
// that could not be reconciled.
func Merge(x, y, lcaX, lcaY revision.Body) (revision.Body, []string) {
	if lcaY == nil {
		lcaY = lcaX
	}

	fields := fieldSet(x, y, lcaX, lcaY)
	merged := make(revision.Body, len(fields))
	var conflicts []string

	for _, f := range fields {
		xv, xin := x[f]
		yv, yin := y[f]
		lxv, lxin := lcaX[f]
		lyv, lyin := lcaY[f]

		dx, dxVal := fieldDelta(xv, xin, lxv, lxin)
		dy, dyVal := fieldDelta(yv, yin, lyv, lyin)

		val, include, conflict := resolveField(dx, dxVal, dy, dyVal)
		if conflict {
			conflicts = append(conflicts, f)
			continue
		}
		if include {
			merged[f] = val
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, conflicts
	}
	return merged, nil
}

// resolveField applies the per-field combination rules from spec §4.4.
func resolveField(dx delta, xv any, dy delta, yv any) (val any, include bool, conflict bool) {
	switch {
	case dx == deltaDel && dy == deltaDel:
		return nil, false, false
	case dx == deltaMod && dy == deltaMod:
		if revision.FieldEqual(xv, yv) {
			return xv, true, false
		}
		return nil, false, true
	case dx == deltaAdd && dy == deltaAdd:
		if revision.FieldEqual(xv, yv) {
			return xv, true, false
		}
		return nil, false, true
	case dx == deltaSamePresent && dy == deltaSamePresent:
		if revision.FieldEqual(xv, yv) {
			return xv, true, false
		}
		return nil, false, true

	// Only one side carries an opinion different from "unchanged": the
	// other side's unchanged-present value yields to it.
	case dx == deltaSamePresent && dy == deltaDel:
		return nil, false, false
	case dx == deltaDel && dy == deltaSamePresent:
		return nil, false, false
	case dx == deltaSamePresent && dy == deltaMod:
		return yv, true, false
	case dx == deltaMod && dy == deltaSamePresent:
		return xv, true, false

	// Neither side has an opinion grounded in a shared LCA value: one side
	// adds a field the other never knew about.
	case dx == deltaSameAbsent && dy == deltaAdd:
		return yv, true, false
	case dx == deltaAdd && dy == deltaSameAbsent:
		return xv, true, false
	case dx == deltaSameAbsent && dy == deltaDel:
		return nil, false, false
	case dx == deltaDel && dy == deltaSameAbsent:
		return nil, false, false
	case dx == deltaSameAbsent && dy == deltaSameAbsent:
		return nil, false, false

	// Special case from spec §4.4: one side added a field the other side's
	// LCA already knew about (a present-and-unchanged delta on the other
	// side) — the addition is not grounded in shared history, so it's a
	// conflict even though the deltas aren't both "add".
	case dx == deltaAdd && dy == deltaSamePresent:
		return nil, false, true
	case dx == deltaSamePresent && dy == deltaAdd:
		return nil, false, true

	default:
		// Any other combination (add/mod, add/del, mod/del and their
		// mirrors, or cross-perspective LCA divergence) is a disagreement.
		return nil, false, true
	}
}

func fieldSet(bodies ...revision.Body) []string {
	seen := make(map[string]struct{})
	for _, b := range bodies {
		for f := range b {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
