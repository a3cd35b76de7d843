// Package dagstore implements the append-only, per-identifier DAG store
// (C2): revision persistence with secondary indexes by version, by
// perspective, and by monotonic increment, plus the virtual overlay used
// by the ingestion pipeline to validate a not-yet-committed batch.
package dagstore

import (
	"sync"

	"go.etcd.io/bbolt"

	"github.com/netsend/perspectivedb/internal/perr"
	"github.com/netsend/perspectivedb/internal/revision"
)

var (
	bucketBySeq         = []byte("byseq")
	bucketByIdVPe        = []byte("byidvpe")
	bucketByIdPeSeqDesc  = []byte("byidpeseqdesc")
	bucketMeta           = []byte("meta")
	metaKeySeq           = []byte("seq")
	metaKeyLocalInc      = []byte("local_inc")
)

// Store is the append-only DAG store for one collection. It is
// single-writer (the ingestion pipeline holds Lock for the duration of one
// batch) and many-reader.
type Store struct {
	db *bbolt.DB

	mu          sync.Mutex // serializes Put/mutation; guards the two counters below
	seq         uint64     // last-assigned internal storage sequence
	localInc    uint64     // last-assigned LOCAL replication increment
}

// Open opens or creates the DAG store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketBySeq, bucketByIdVPe, bucketByIdPeSeqDesc, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCounters() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaKeySeq); v != nil {
			s.seq = decodeSeq(v)
		}
		if v := meta.Get(metaKeyLocalInc); v != nil {
			s.localInc = decodeSeq(v)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Lock acquires the single-writer lock for the duration of a batch commit.
// The ingestion pipeline holds this for an entire batch (spec §5).
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// NextIncrement returns the next strictly-increasing LOCAL replication
// increment. Must be called while holding Lock, so increments are never
// reused even under concurrent batch attempts (spec §9 "_lastReturnedInc").
func (s *Store) NextIncrement() uint64 {
	s.localInc++
	return s.localInc
}

// persistCounters writes the in-memory counters back, called at the end of
// a Put that advanced either.
func (s *Store) persistCounters(tx *bbolt.Tx) error {
	meta := tx.Bucket(bucketMeta)
	if err := meta.Put(metaKeySeq, encodeSeq(s.seq)); err != nil {
		return err
	}
	return meta.Put(metaKeyLocalInc, encodeSeq(s.localInc))
}

// Put appends rev to the store. Caller must hold Lock.
func (s *Store) Put(rev *revision.Revision) error {
	if err := rev.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.putLocked(tx, rev)
	})
}

func (s *Store) putLocked(tx *bbolt.Tx, rev *revision.Revision) error {
	byIdVPe := tx.Bucket(bucketByIdVPe)
	key := idvpeKey(rev.ID, rev.V, rev.Pe)
	if byIdVPe.Get(key) != nil {
		return perr.New(perr.VersionExists, "revision %s/%s/%s already exists", rev.ID, rev.V, rev.Pe)
	}

	for _, p := range rev.Pa {
		pkey := idvpeKey(rev.ID, p, rev.Pe)
		if byIdVPe.Get(pkey) == nil {
			return perr.New(perr.ParentMissing, "parent %s of %s/%s missing", p, rev.ID, rev.V)
		}
	}

	s.seq++
	seq := s.seq
	if rev.Pe == revision.Local && rev.I == 0 {
		// The caller is expected to have assigned I via NextIncrement; this
		// guards direct test-only Puts from silently losing the field.
		rev.I = seq
		if rev.I > s.localInc {
			s.localInc = rev.I
		}
	}

	raw, err := encodeRevision(rev)
	if err != nil {
		return err
	}

	if err := tx.Bucket(bucketBySeq).Put(encodeSeq(seq), raw); err != nil {
		return err
	}
	if err := byIdVPe.Put(key, encodeSeq(seq)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByIdPeSeqDesc).Put(idpeSeqDescKey(rev.ID, rev.Pe, seq), nil); err != nil {
		return err
	}
	return s.persistCounters(tx)
}

// Get looks up a single revision by its primary key.
func (s *Store) Get(id []byte, v revision.Version, pe string) (*revision.Revision, bool, error) {
	var rev *revision.Revision
	err := s.db.View(func(tx *bbolt.Tx) error {
		seqB := tx.Bucket(bucketByIdVPe).Get(idvpeKey(id, v, pe))
		if seqB == nil {
			return nil
		}
		raw := tx.Bucket(bucketBySeq).Get(seqB)
		if raw == nil {
			return nil
		}
		r, err := decodeRevision(raw)
		if err != nil {
			return err
		}
		rev = r
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rev, rev != nil, nil
}

// allForPerspective returns every revision under (id, pe), most-recent-first.
func (s *Store) allForPerspective(id []byte, pe string) ([]*revision.Revision, error) {
	var out []*revision.Revision
	prefix := idpePrefix(id, pe)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByIdPeSeqDesc).Cursor()
		bySeq := tx.Bucket(bucketBySeq)
		byIdVPe := tx.Bucket(bucketByIdVPe)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			seq := seqFromIdpeSeqDescKey(k, len(prefix))
			raw := bySeq.Get(encodeSeq(seq))
			if raw == nil {
				continue
			}
			r, err := decodeRevision(raw)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		_ = byIdVPe
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Heads returns the leaves of the (id, pe) branch: revisions no other
// revision of the same (id, pe) names as a parent. Deleted revisions are
// excluded unless includeDeleted is set.
func (s *Store) Heads(id []byte, pe string, includeDeleted bool) ([]*revision.Revision, error) {
	all, err := s.allForPerspective(id, pe)
	if err != nil {
		return nil, err
	}
	referenced := make(map[revision.Version]struct{})
	byVersion := make(map[revision.Version]*revision.Revision, len(all))
	for _, r := range all {
		byVersion[r.V] = r
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

// LastAckedOrLocal returns the most recent pe=LOCAL revision with Lo=true
// or Ack=true: the graft point for source-collection-originated edits.
func (s *Store) LastAckedOrLocal(id []byte) (*revision.Revision, bool, error) {
	all, err := s.allForPerspective(id, revision.Local)
	if err != nil {
		return nil, false, err
	}
	for _, r := range all {
		if r.Lo || r.Ack {
			return r, true, nil
		}
	}
	return nil, false, nil
}

// LastByPerspective returns the most recent revision under (id, pe)
// matching the optional ack filter (nil means no filter).
func (s *Store) LastByPerspective(id []byte, pe string, ackFilter *bool) (*revision.Revision, bool, error) {
	all, err := s.allForPerspective(id, pe)
	if err != nil {
		return nil, false, err
	}
	for _, r := range all {
		if ackFilter == nil || r.Ack == *ackFilter {
			return r, true, nil
		}
	}
	return nil, false, nil
}

// MarkAcked sets ack=true and op once for a committed revision.
func (s *Store) MarkAcked(id []byte, v revision.Version, pe string, op string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		byIdVPe := tx.Bucket(bucketByIdVPe)
		key := idvpeKey(id, v, pe)
		seqB := byIdVPe.Get(key)
		if seqB == nil {
			return perr.New(perr.ParentMissing, "revision %s/%s/%s not found", id, v, pe)
		}
		bySeq := tx.Bucket(bucketBySeq)
		raw := bySeq.Get(seqB)
		r, err := decodeRevision(raw)
		if err != nil {
			return err
		}
		r.Ack = true
		if r.Op == "" {
			r.Op = op
		}
		newRaw, err := encodeRevision(r)
		if err != nil {
			return err
		}
		return bySeq.Put(seqB, newRaw)
	})
}
