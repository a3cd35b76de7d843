// Package wire implements the peer protocol framing (spec §6): a
// line-delimited JSON handshake followed by length-prefixed binary revision
// frames, carried over a full-duplex stream (a TLS-wrapped WebSocket; see
// internal/peer).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/netsend/perspectivedb/internal/revision"
)

// maxFrameSize bounds a single revision frame to guard against a corrupt or
// hostile length prefix driving an unbounded allocation.
const maxFrameSize = 64 << 20

// AuthRequest is the client's opening handshake line.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// DataRequest is the server's reply to a successful AuthRequest: the
// version to resume from, or true meaning "from the start".
type DataRequest struct {
	Start json.RawMessage `json:"start"`
}

// StartFromVersion decodes Start as a resume version, reporting ok=false if
// Start instead encodes the boolean `true` ("from the start").
func (d DataRequest) StartFromVersion() (revision.Version, bool) {
	var v string
	if err := json.Unmarshal(d.Start, &v); err == nil {
		return revision.Version(v), true
	}
	return "", false
}

// header is the on-wire frame header, bit-exact with spec §6's
// `h={id,v,pa,[i],[d]}`.
type header struct {
	ID []byte            `bson:"id"`
	V  revision.Version  `bson:"v"`
	Pa []revision.Version `bson:"pa"`
	I  uint64            `bson:"i,omitempty"`
	D  bool              `bson:"d,omitempty"`
}

type frame struct {
	H header      `bson:"h"`
	B revision.Body `bson:"b"`
}

// WriteAuth writes the client's opening handshake line.
func WriteAuth(w io.Writer, req AuthRequest) error {
	return writeJSONLine(w, req)
}

// ReadAuth reads the client's opening handshake line.
func ReadAuth(r *bufio.Reader) (AuthRequest, error) {
	var req AuthRequest
	err := readJSONLine(r, &req)
	return req, err
}

// WriteDataRequest writes the server's reply: a resume version, or nil for
// "from the start".
func WriteDataRequest(w io.Writer, start *revision.Version) error {
	var raw json.RawMessage
	var err error
	if start == nil {
		raw, err = json.Marshal(true)
	} else {
		raw, err = json.Marshal(string(*start))
	}
	if err != nil {
		return err
	}
	return writeJSONLine(w, DataRequest{Start: raw})
}

// ReadDataRequest reads the server's reply.
func ReadDataRequest(r *bufio.Reader) (DataRequest, error) {
	var dr DataRequest
	err := readJSONLine(r, &dr)
	return dr, err
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func readJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	return json.Unmarshal(line, v)
}

// WriteRevision writes one length-prefixed BSON revision frame. Receiver
// identity fills `pe` on decode, so it is never put on the wire; `lo`,
// `ack`, `op` are local-only bookkeeping and are likewise omitted.
func WriteRevision(w io.Writer, rev *revision.Revision) error {
	f := frame{
		H: header{ID: rev.ID, V: rev.V, Pa: rev.Pa, I: rev.I, D: rev.Del},
		B: rev.Body,
	}
	raw, err := bson.Marshal(f)
	if err != nil {
		return err
	}
	if len(raw) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit", len(raw))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadRevision reads one length-prefixed BSON revision frame and fills `pe`
// from the authenticated peer identity.
func ReadRevision(r io.Reader, pe string) (*revision.Revision, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	var f frame
	if err := bson.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &revision.Revision{
		ID:   f.H.ID,
		V:    f.H.V,
		Pa:   f.H.Pa,
		Pe:   pe,
		I:    f.H.I,
		Del:  f.H.D,
		Body: f.B,
	}, nil
}
