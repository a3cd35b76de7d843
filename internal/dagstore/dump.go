package dagstore

import (
	"fmt"
	"io"

	"go.etcd.io/bbolt"
)

// Dump writes every committed revision to w, one line per revision, in
// commit (seq) order — an operational troubleshooting aid mirroring the
// teacher's dag dump, gated behind a CLI flag in cmd/perspectivedbd.
func (s *Store) Dump(w io.Writer) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBySeq).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := decodeRevision(v)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "seq=%d id=%q v=%s pe=%s i=%d pa=%v del=%t lo=%t ack=%t op=%q\n",
				decodeSeq(k), r.ID, r.V, r.Pe, r.I, r.Pa, r.Del, r.Lo, r.Ack, r.Op)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// AllIds returns every distinct document id with at least one committed
// revision, for callers (such as the replication cursor driver) that need
// to discover what to poll rather than track one id at a time.
func (s *Store) AllIds() ([][]byte, error) {
	seen := make(map[string]struct{})
	var ids [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBySeq).Cursor()
		for _, v := c.First(); v != nil; _, v = c.Next() {
			r, err := decodeRevision(v)
			if err != nil {
				return err
			}
			key := string(r.ID)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, append([]byte(nil), r.ID...))
		}
		return nil
	})
	return ids, err
}
