// Package sourcebridge implements the change bridge (C8): it translates a
// source collection's documents and change feed into revisions for
// ingestion, and mirrors committed LOCAL revisions back out.
package sourcebridge

import (
	"context"

	"github.com/netsend/perspectivedb/internal/ingest"
	"github.com/netsend/perspectivedb/internal/revision"
)

// EventKind tags one change-feed event.
type EventKind int

const (
	Insert EventKind = iota
	UpdateFull
	UpdateModifier
	Delete
)

// ChangeEvent is one source-collection change, per spec §6.
type ChangeEvent struct {
	Kind EventKind

	ID []byte

	// Body carries the new full document for Insert/UpdateFull; it is not
	// used for Delete, whose tombstone takes the current LOCAL head's body.
	// Modifier carries a partial-update expression for UpdateModifier; Body
	// is nil in that case.
	Body     revision.Body
	Modifier revision.Body

	// Version, when non-empty, is the document's own version field as
	// stored in the source collection (used to detect "this update already
	// matches the current DAG head" no-op acks).
	Version revision.Version

	// Cursor is the adapter's opaque resume token for this event.
	Cursor string
}

// Document is one source-collection document returned by Snapshot.
type Document struct {
	ID      []byte
	Body    revision.Body
	Version revision.Version
}

// SourceAdapter is the source-database integration point (spec §6): a
// snapshot iterator for startup backfill, a change-feed iterator for
// steady-state tailing, and the two mirroring operations the ingestion
// pipeline's step 9 drives.
type SourceAdapter interface {
	Snapshot(ctx context.Context) (DocumentIterator, error)
	Changes(ctx context.Context, fromCursor string) (ChangeIterator, error)
	Upsert(ctx context.Context, doc Document) error
	Remove(ctx context.Context, id []byte) error
}

// DocumentIterator yields Snapshot results one at a time.
type DocumentIterator interface {
	Next(ctx context.Context) (Document, bool, error)
	Close() error
}

// ChangeIterator yields Changes results one at a time.
type ChangeIterator interface {
	Next(ctx context.Context) (ChangeEvent, bool, error)
	Close() error
}

// Bridge drives one collection's adapter into the ingestion pipeline.
type Bridge struct {
	Adapter  SourceAdapter
	Pipeline *ingest.Pipeline
}

var _ ingest.Mirror = (*adapterMirror)(nil)

// AsMirror adapts a SourceAdapter to ingest.Mirror, for wiring a Bridge's
// adapter as the ingestion pipeline's step-9 mirror target.
func AsMirror(a SourceAdapter) ingest.Mirror {
	return &adapterMirror{a: a}
}

type adapterMirror struct{ a SourceAdapter }

func (m *adapterMirror) Upsert(ctx context.Context, rev *revision.Revision) error {
	return m.a.Upsert(ctx, Document{ID: rev.ID, Body: rev.Body, Version: rev.V})
}

func (m *adapterMirror) Remove(ctx context.Context, rev *revision.Revision) error {
	return m.a.Remove(ctx, rev.ID)
}

// Backfill walks the source collection's current snapshot and ingests every
// document as a new LOCAL revision, per spec §4.8 startup behavior. The
// daemon calls it once, before steady-state tailing begins, and only when
// the DAG store holds no revisions yet; a non-empty DAG that is behind the
// source collection is not backfilled.
func (br *Bridge) Backfill(ctx context.Context) error {
	it, err := br.Adapter.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	const batchSize = 500
	var batch []ingest.Item
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := br.Pipeline.Ingest(ctx, ingest.Batch{Perspective: revision.Local, Items: batch})
		batch = batch[:0]
		return err
	}

	for {
		doc, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		v, err := revision.NewVersion()
		if err != nil {
			return err
		}
		batch = append(batch, ingest.Item{
			Rev: &revision.Revision{
				ID:   doc.ID,
				V:    v,
				Pe:   revision.Local,
				Body: doc.Body,
				Lo:   true,
				Ack:  false,
			},
		})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// Tail consumes the source change feed from fromCursor and translates each
// event into a revision per spec §4.8, ingesting one event at a time. It
// runs until the iterator is exhausted or ctx is canceled. It does not
// report the cursor of the last event it applied; the daemon's retry loop
// re-opens the feed with an empty cursor.
func (br *Bridge) Tail(ctx context.Context, fromCursor string) error {
	it, err := br.Adapter.Changes(ctx, fromCursor)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		ev, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := br.applyEvent(ctx, ev); err != nil {
			return err
		}
	}
}

// applyEvent implements the per-event translation rules of spec §4.8.
func (br *Bridge) applyEvent(ctx context.Context, ev ChangeEvent) error {
	head, hasHead, err := br.Pipeline.Store.LastByPerspective(ev.ID, revision.Local, nil)
	if err != nil {
		return err
	}

	switch ev.Kind {
	case UpdateFull:
		if hasHead && ev.Version != "" && ev.Version == head.V {
			// The document already carries the version we last wrote: this is
			// our own mirrored write echoing back. Just acknowledge it.
			return br.Pipeline.Store.MarkAcked(ev.ID, head.V, revision.Local, ev.Cursor)
		}
		rev, err := br.newRevision(ev.ID, ev.Body, head, hasHead)
		if err != nil {
			return err
		}
		rev.Op = ev.Cursor
		return br.ingestOne(ctx, rev)

	case Insert:
		rev, err := br.newRevision(ev.ID, ev.Body, head, hasHead)
		if err != nil {
			return err
		}
		rev.Op = ev.Cursor
		return br.ingestOne(ctx, rev)

	case UpdateModifier:
		if !hasHead {
			return nil // nothing to apply a partial update against
		}
		body := head.Body.Clone()
		for k, v := range ev.Modifier {
			body[k] = v
		}
		rev, err := br.newRevision(ev.ID, body, head, hasHead)
		if err != nil {
			return err
		}
		rev.Op = ev.Cursor
		return br.ingestOne(ctx, rev)

	case Delete:
		var parents []revision.Version
		var body revision.Body
		if hasHead {
			parents = []revision.Version{head.V}
			body = head.Body
		}
		v, err := revision.NewVersion()
		if err != nil {
			return err
		}
		rev := &revision.Revision{
			ID:   ev.ID,
			V:    v,
			Pa:   parents,
			Pe:   revision.Local,
			Body: body,
			Del:  true,
			Op:   ev.Cursor,
		}
		return br.ingestOne(ctx, rev)
	}
	return nil
}

// newRevision builds a fresh LOCAL revision for id/body, parented on the
// current head if one exists (including a tombstone, per spec §4.6
// scenario 6 "insert after a tombstone").
func (br *Bridge) newRevision(id []byte, body revision.Body, head *revision.Revision, hasHead bool) (*revision.Revision, error) {
	v, err := revision.NewVersion()
	if err != nil {
		return nil, err
	}
	var parents []revision.Version
	if hasHead {
		parents = []revision.Version{head.V}
	}
	return &revision.Revision{
		ID:   id,
		V:    v,
		Pa:   parents,
		Pe:   revision.Local,
		Body: body,
	}, nil
}

func (br *Bridge) ingestOne(ctx context.Context, rev *revision.Revision) error {
	_, err := br.Pipeline.Ingest(ctx, ingest.Batch{
		Perspective: revision.Local,
		Items:       []ingest.Item{{Rev: rev}},
	})
	return err
}
