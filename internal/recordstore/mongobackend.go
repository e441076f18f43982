package recordstore

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

// MongoBackend implements state.PersistenceBackend over a single Mongo
// collection of {_key, data} documents, letting every repository in
// this package share one physical collection while staying keyed the
// same way the in-memory backend is keyed in tests.
type MongoBackend struct {
	coll *mongo.Collection
}

type doc struct {
	Key  string `bson:"_key"`
	Data []byte `bson:"data"`
}

// NewMongoBackend wraps an existing collection handle. Callers are
// expected to have already called coll.Indexes().CreateOne for _key.
func NewMongoBackend(coll *mongo.Collection) *MongoBackend {
	return &MongoBackend{coll: coll}
}

func (m *MongoBackend) Save(ctx context.Context, key string, data []byte) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_key": key},
		bson.M{"$set": bson.M{"_key": key, "data": data}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var d doc
	err := m.coll.FindOne(ctx, bson.M{"_key": key}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.Data, nil
}

func (m *MongoBackend) Delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_key": key})
	return err
}

func (m *MongoBackend) List(ctx context.Context, prefix string) ([]string, error) {
	cur, err := m.coll.Find(ctx, bson.M{"_key": bson.M{"$regex": "^" + escapeRegex(prefix)}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var keys []string
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			continue
		}
		keys = append(keys, d.Key)
	}
	return keys, cur.Err()
}

func (m *MongoBackend) Close(ctx context.Context) error {
	return nil
}

func escapeRegex(s string) string {
	replacer := strings.NewReplacer(
		".", `\.`, "+", `\+`, "*", `\*`, "?", `\?`, "(", `\(`, ")", `\)`,
		"[", `\[`, "]", `\]`, "^", `\^`, "$", `\$`,
	)
	return replacer.Replace(s)
}
