package dagstore

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/netsend/perspectivedb/internal/revision"
)

// Revisions are serialized deterministically with ordered-key BSON, the
// same codec used on the wire (spec §6: "Revisions themselves are
// serialized deterministically").

func encodeRevision(r *revision.Revision) ([]byte, error) {
	return bson.Marshal(r)
}

func decodeRevision(b []byte) (*revision.Revision, error) {
	var r revision.Revision
	if err := bson.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
