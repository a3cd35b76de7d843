// Package mongo provides a sourcebridge.SourceAdapter backed by a MongoDB
// collection and its change stream, per SPEC_FULL.md §6.2.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/netsend/perspectivedb/internal/revision"
	"github.com/netsend/perspectivedb/internal/sourcebridge"
)

// idField and versionField name the document fields used as the
// collection's primary key and optimistic-version marker.
const (
	idField      = "_id"
	versionField = "_v"
)

// Adapter implements sourcebridge.SourceAdapter over one mongo.Collection.
type Adapter struct {
	coll *mongo.Collection
}

// New wraps coll as a SourceAdapter.
func New(coll *mongo.Collection) *Adapter {
	return &Adapter{coll: coll}
}

func (a *Adapter) Snapshot(ctx context.Context) (sourcebridge.DocumentIterator, error) {
	cur, err := a.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	return &docIter{cur: cur}, nil
}

func (a *Adapter) Changes(ctx context.Context, fromCursor string) (sourcebridge.ChangeIterator, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if fromCursor != "" {
		opts.SetResumeAfter(bson.D{{Key: "_data", Value: fromCursor}})
	}
	pipeline := mongo.Pipeline{}
	stream, err := a.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, err
	}
	return &changeIter{stream: stream}, nil
}

func (a *Adapter) Upsert(ctx context.Context, doc sourcebridge.Document) error {
	filter := bson.D{{Key: idField, Value: doc.ID}}
	update := bson.D{{Key: "$set", Value: toMongoBody(doc.Body, doc.Version)}}
	_, err := a.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (a *Adapter) Remove(ctx context.Context, id []byte) error {
	_, err := a.coll.DeleteOne(ctx, bson.D{{Key: idField, Value: id}})
	return err
}

func toMongoBody(body revision.Body, v revision.Version) bson.M {
	out := bson.M{}
	for k, val := range body {
		out[k] = val
	}
	out[versionField] = string(v)
	return out
}

type docIter struct {
	cur *mongo.Cursor
}

func (it *docIter) Next(ctx context.Context) (sourcebridge.Document, bool, error) {
	if !it.cur.Next(ctx) {
		return sourcebridge.Document{}, false, it.cur.Err()
	}
	var raw bson.M
	if err := it.cur.Decode(&raw); err != nil {
		return sourcebridge.Document{}, false, err
	}
	return decodeDocument(raw), true, nil
}

func (it *docIter) Close() error { return it.cur.Close(context.Background()) }

type changeIter struct {
	stream *mongo.ChangeStream
}

func (it *changeIter) Next(ctx context.Context) (sourcebridge.ChangeEvent, bool, error) {
	if !it.stream.Next(ctx) {
		return sourcebridge.ChangeEvent{}, false, it.stream.Err()
	}
	var raw struct {
		OperationType string `bson:"operationType"`
		DocumentKey   bson.M `bson:"documentKey"`
		FullDocument  bson.M `bson:"fullDocument"`
		UpdateDesc    struct {
			UpdatedFields bson.M   `bson:"updatedFields"`
			RemovedFields []string `bson:"removedFields"`
		} `bson:"updateDescription"`
		ID bson.Raw `bson:"_id"`
	}
	if err := it.stream.Decode(&raw); err != nil {
		return sourcebridge.ChangeEvent{}, false, err
	}

	ev := sourcebridge.ChangeEvent{
		ID:     idBytes(raw.DocumentKey),
		Cursor: raw.ID.String(),
	}
	switch raw.OperationType {
	case "insert":
		ev.Kind = sourcebridge.Insert
		doc := decodeDocument(raw.FullDocument)
		ev.Body = doc.Body
		ev.Version = doc.Version
	case "replace":
		ev.Kind = sourcebridge.UpdateFull
		doc := decodeDocument(raw.FullDocument)
		ev.Body = doc.Body
		ev.Version = doc.Version
	case "update":
		if len(raw.UpdateDesc.UpdatedFields) > 0 && raw.FullDocument != nil {
			ev.Kind = sourcebridge.UpdateFull
			doc := decodeDocument(raw.FullDocument)
			ev.Body = doc.Body
			ev.Version = doc.Version
		} else {
			ev.Kind = sourcebridge.UpdateModifier
			mod := revision.Body{}
			for k, v := range raw.UpdateDesc.UpdatedFields {
				mod[k] = v
			}
			for _, k := range raw.UpdateDesc.RemovedFields {
				mod[k] = nil
			}
			ev.Modifier = mod
		}
	case "delete":
		ev.Kind = sourcebridge.Delete
	}
	return ev, true, nil
}

func (it *changeIter) Close() error { return it.stream.Close(context.Background()) }

func decodeDocument(raw bson.M) sourcebridge.Document {
	doc := sourcebridge.Document{Body: revision.Body{}}
	for k, v := range raw {
		switch k {
		case idField:
			doc.ID = idBytes(raw)
		case versionField:
			if s, ok := v.(string); ok {
				doc.Version = revision.Version(s)
			}
		default:
			doc.Body[k] = v
		}
	}
	return doc
}

func idBytes(m bson.M) []byte {
	v, ok := m[idField]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return []byte(bson.Raw(nil))
	}
}
