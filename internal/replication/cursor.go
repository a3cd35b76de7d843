// Package replication implements the replication cursor (C7): tailing the
// LOCAL DAG from a caller-supplied offset and emitting a filtered, connected
// stream of revisions to a remote subscriber, with an async hook chain.
package replication

import (
	"context"
	"sync"

	"github.com/netsend/perspectivedb/internal/dagstore"
	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

// Filter decides whether a revision should be emitted to this subscriber.
type Filter func(*revision.Revision) bool

// Hook transforms or suppresses an emitted revision. Returning ok=false
// suppresses it silently without terminating the stream.
type Hook func(ctx context.Context, rev *revision.Revision) (out *revision.Revision, ok bool, err error)

// Cursor tails one document id's LOCAL DAG by increasing `i`.
type Cursor struct {
	store  *dagstore.Store
	id     []byte
	filter Filter
	hooks  []Hook

	mu       sync.Mutex
	lastI    uint64
	rewrites map[revision.Version]revision.Version // excluded version -> nearest included ancestor
}

// Open creates a cursor for id, positioned just after offset (a version
// already present in the LOCAL DAG, or the zero Version for "from the
// start"). Returns OffsetNotFound if offset is non-zero and not present.
func Open(store *dagstore.Store, id []byte, offset revision.Version, filter Filter, hooks ...Hook) (*Cursor, error) {
	c := &Cursor{
		store:    store,
		id:       id,
		filter:   filter,
		hooks:    hooks,
		rewrites: make(map[revision.Version]revision.Version),
	}
	if offset == "" {
		return c, nil
	}
	rev, found, err := store.Get(id, offset, revision.Local)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, perr.New(perr.OffsetNotFound, "offset %s not found under LOCAL", offset)
	}
	c.lastI = rev.I
	return c, nil
}

// Poll returns every LOCAL revision with i > the cursor's current position,
// in increasing i order, after filtering and hook transformation, and
// advances the cursor. An empty result with a nil error means "caught up";
// callers poll again later (spec §4.7 "blocks for new data").
func (c *Cursor) Poll(ctx context.Context) ([]*revision.Revision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// LOCAL perspective already stores revisions in commit (and hence i)
	// order, so a straight ascending scan over the stored sequence suffices;
	// no need to walk parent links from the heads.
	ascending, err := c.ascendingSince(c.lastI)
	if err != nil {
		return nil, err
	}

	var out []*revision.Revision
	for _, rev := range ascending {
		emitted, rewrote := c.applyFilterAndRewrite(rev)
		if rev.I > c.lastI {
			c.lastI = rev.I
		}
		if !rewrote {
			continue
		}
		final := emitted
		for _, h := range c.hooks {
			var ok bool
			final, ok, err = h(ctx, final)
			if err != nil {
				return nil, err
			}
			if !ok {
				final = nil
				break
			}
		}
		if final != nil {
			out = append(out, final)
		}
	}
	return out, nil
}

// ascendingSince returns every LOCAL revision for id with i > since, in
// increasing i order.
func (c *Cursor) ascendingSince(since uint64) ([]*revision.Revision, error) {
	all, err := c.store.IterHistory(c.id, revision.Local, firstVersion(c.store, c.id))
	if err != nil {
		// Empty DAG for this id: nothing committed yet.
		return nil, nil
	}
	var descending []*revision.Revision
	for {
		r, ok, err := all.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		descending = append(descending, r)
	}
	// descending is leaf-to-root (most recent first); reverse and filter.
	var asc []*revision.Revision
	for i := len(descending) - 1; i >= 0; i-- {
		r := descending[i]
		if r.I > since {
			asc = append(asc, r)
		}
	}
	return asc, nil
}

func firstVersion(store *dagstore.Store, id []byte) revision.Version {
	heads, err := store.Heads(id, revision.Local, true)
	if err != nil || len(heads) == 0 {
		return ""
	}
	return heads[0].V
}

// applyFilterAndRewrite applies the filter and, if the revision passes,
// rewrites its `pa` list to skip any ancestor excluded by the filter,
// replacing it with the nearest included ancestor on that branch (spec
// §4.7 "filtered connected" stream).
func (c *Cursor) applyFilterAndRewrite(rev *revision.Revision) (*revision.Revision, bool) {
	if c.filter == nil || c.filter(rev) {
		out := rev.Clone()
		out.Pa = c.rewriteParents(rev)
		c.rewrites[rev.V] = rev.V
		return out, true
	}
	// Excluded: record that descendants should skip to *its* nearest
	// included ancestor instead.
	nearest := rev.V
	if len(rev.Pa) > 0 {
		if mapped, ok := c.rewrites[rev.Pa[0]]; ok {
			nearest = mapped
		} else {
			nearest = "" // unknown ancestor chain; descendants become new roots
		}
	} else {
		nearest = ""
	}
	c.rewrites[rev.V] = nearest
	return nil, false
}

func (c *Cursor) rewriteParents(rev *revision.Revision) []revision.Version {
	out := make([]revision.Version, 0, len(rev.Pa))
	for _, p := range rev.Pa {
		if mapped, ok := c.rewrites[p]; ok {
			if mapped != "" {
				out = append(out, mapped)
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// Offset returns the cursor's current resume point: the i value of the
// last LOCAL revision Poll scanned, whether it was emitted, filtered out or
// suppressed by a hook. Before any revision is scanned it is the i of the
// offset passed to Open (0 when opened from the start).
func (c *Cursor) Offset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastI
}
