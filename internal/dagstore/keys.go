package dagstore

import (
	"bytes"
	"encoding/binary"

	"github.com/netsend/perspectivedb/internal/revision"
)

// Key encoding for the three secondary key families named in spec §6:
//
//   byseq              seq(8 bytes, BE)                      -> encoded Revision
//   byidvpe            id | 0x00 | v | 0x00 | pe              -> seq(8 bytes, BE)
//   byidpeseqdesc      id | 0x00 | pe | 0x00 | ^seq(8B, BE)    -> (empty)
//
// `seq` is a store-wide monotonic counter assigned to every committed
// revision regardless of perspective (used purely as an internal storage
// locator); the public `i` field on a Revision is populated only for
// pe=LOCAL, per spec §3. See DESIGN.md's C2 entry ("internal `seq` vs
// public `i`") for the rationale.

const sep = 0x00

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeSeqDesc(seq uint64) []byte {
	return encodeSeq(^seq)
}

func idvpeKey(id []byte, v revision.Version, pe string) []byte {
	var buf bytes.Buffer
	buf.Write(id)
	buf.WriteByte(sep)
	buf.WriteString(string(v))
	buf.WriteByte(sep)
	buf.WriteString(pe)
	return buf.Bytes()
}

func idpeSeqDescKey(id []byte, pe string, seq uint64) []byte {
	var buf bytes.Buffer
	buf.Write(id)
	buf.WriteByte(sep)
	buf.WriteString(pe)
	buf.WriteByte(sep)
	buf.Write(encodeSeqDesc(seq))
	return buf.Bytes()
}

func idpePrefix(id []byte, pe string) []byte {
	var buf bytes.Buffer
	buf.Write(id)
	buf.WriteByte(sep)
	buf.WriteString(pe)
	buf.WriteByte(sep)
	return buf.Bytes()
}

// seqFromIdpeSeqDescKey extracts the (^seq) suffix from a byidpeseqdesc key
// given the id/pe prefix already matched by the caller.
func seqFromIdpeSeqDescKey(key []byte, prefixLen int) uint64 {
	return ^decodeSeq(key[prefixLen:])
}
