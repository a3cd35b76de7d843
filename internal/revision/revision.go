// Package revision implements the canonical revision record (C1): the
// atomic unit stored in a per-identifier version DAG, its construction,
// validation and field-level equality.
package revision

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"

	json "github.com/goccy/go-json"

	"github.com/netsend/perspectivedb/internal/perr"
)

// Local is the reserved perspective name denoting the owning peer's own
// viewpoint on the DAG.
const Local = "LOCAL"

// Version is a short, printable, ~48-bit random identifier assigned to a
// revision when it is created. The zero value denotes "no version", used
// by virtual (unmaterialized merge) revisions.
type Version string

// versionEncoding is unpadded base32, lowercase, so the ~48-bit (6-byte)
// value prints as 10 characters — short and printable, per spec §3.
var versionEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewVersion generates a fresh, globally-unique-with-overwhelming-probability
// version identifier.
func NewVersion() (Version, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return Version(versionEncoding.EncodeToString(buf[:])), nil
}

// Body is the document payload: field name to JSON-comparable value.
type Body map[string]any

// Clone returns a deep-enough copy of the body (safe for mutation by the
// field merger without aliasing the original map or its slice/map values).
func (b Body) Clone() Body {
	if b == nil {
		return nil
	}
	out := make(Body, len(b))
	for k, v := range b {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Revision is the atomic unit stored in the DAG. Field names mirror the
// wire/on-disk tags from spec §3 exactly.
type Revision struct {
	ID   []byte    `bson:"id" json:"id"`
	V    Version   `bson:"v,omitempty" json:"v,omitempty"`
	Pa   []Version `bson:"pa" json:"pa"`
	Pe   string    `bson:"pe" json:"pe"`
	I    uint64    `bson:"i,omitempty" json:"i,omitempty"`
	Del  bool      `bson:"d,omitempty" json:"d,omitempty"`
	Lo   bool      `bson:"lo,omitempty" json:"lo,omitempty"`
	Ack  bool      `bson:"ack,omitempty" json:"ack,omitempty"`
	Op   string    `bson:"op,omitempty" json:"op,omitempty"`
	Body Body      `bson:"body" json:"body"`
}

// IsVirtual reports whether r is a transient, unmaterialized merge result:
// no assigned version and (by construction) no increment.
func (r *Revision) IsVirtual() bool { return r.V == "" }

// Validate checks the structural invariants from spec §4.1.
func (r *Revision) Validate() error {
	if len(r.ID) == 0 {
		return perr.New(perr.InvalidRevision, "id is required")
	}
	if r.V != "" && !isShortPrintable(string(r.V)) {
		return perr.New(perr.InvalidRevision, "v is not a short printable identifier: %q", r.V)
	}
	if r.Pa == nil {
		// nil is fine (root); but a non-nil, non-slice shape can't happen in
		// Go's type system, so this only guards the "not a list" case when
		// decoded from an untyped wire payload upstream.
	}
	if r.Pe == "" {
		return perr.New(perr.InvalidRevision, "pe (perspective) is required")
	}
	return nil
}

func isShortPrintable(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of r.
func (r *Revision) Clone() *Revision {
	if r == nil {
		return nil
	}
	out := &Revision{
		ID:  append([]byte(nil), r.ID...),
		V:   r.V,
		Pe:  r.Pe,
		I:   r.I,
		Del: r.Del,
		Lo:  r.Lo,
		Ack: r.Ack,
		Op:  r.Op,
	}
	if r.Pa != nil {
		out.Pa = append([]Version(nil), r.Pa...)
	}
	out.Body = r.Body.Clone()
	return out
}

// FieldEqual compares two field values the way the three-way merger does:
// scalars by strict equality (same Go type and value, so int 1 and int32 1
// differ), everything else (arrays, nested maps, and any value needing
// structural comparison such as dates) by canonical JSON serialization
// equality, so structured values compare by content.
func FieldEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string, bool, int, int32, int64, float32, float64:
		return a == b
	default:
		_ = av
	}
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// BodyEqual compares two bodies field-by-field using FieldEqual.
func BodyEqual(a, b Body) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !FieldEqual(av, bv) {
			return false
		}
	}
	return true
}
