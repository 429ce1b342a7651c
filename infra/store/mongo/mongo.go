// Package mongo implements store.Store on a MongoDB collection. The record
// key is the document _id and compare-and-swap filters on {_id, version}.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kilianp07/ambulance/core/apperr"
	"github.com/kilianp07/ambulance/core/store"
)

// Config locates the collection.
type Config struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// Store persists records as documents.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects to MongoDB and ensures the kind index.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "ambulance"
	}
	if cfg.Collection == "" {
		cfg.Collection = "records"
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(cctx, mongo.IndexModel{Keys: bson.D{{Key: "kind", Value: 1}}})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("index mongo: %w", err)
	}
	return &Store{client: client, coll: coll}, nil
}

func (s *Store) Put(ctx context.Context, rec store.Record, expectedVersion int64) (store.Record, error) {
	if err := store.Validate(rec, expectedVersion); err != nil {
		return store.Record{}, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	out := store.Clone(rec)
	out.UpdatedAt = now

	if expectedVersion == 0 {
		out.Version = 1
		if _, err := s.coll.InsertOne(ctx, out); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return store.Record{}, s.conflict(ctx, rec.Key, expectedVersion)
			}
			return store.Record{}, apperr.Transient("mongo put", err)
		}
		return out, nil
	}

	filter := bson.M{"_id": rec.Key}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	if expectedVersion == store.Any {
		opts.SetUpsert(true)
	} else {
		filter["version"] = expectedVersion
	}
	update := bson.M{
		"$set": bson.M{"kind": rec.Kind, "attrs": rec.Attrs, "value": rec.Value, "updated_at": now},
		"$inc": bson.M{"version": int64(1)},
	}
	var stored store.Record
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.Record{}, s.conflict(ctx, rec.Key, expectedVersion)
	case expectedVersion == store.Any && mongo.IsDuplicateKeyError(err):
		// Two upserts raced on a missing key; the loser retries as an update.
		return s.Put(ctx, rec, expectedVersion)
	case err != nil:
		return store.Record{}, apperr.Transient("mongo put", err)
	}
	out.Version = stored.Version
	return out, nil
}

func (s *Store) conflict(ctx context.Context, key string, expected int64) error {
	var cur struct {
		Version int64 `bson:"version"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&cur)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.Transient("mongo put", err)
	}
	return store.VersionConflict(key, expected, cur.Version)
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, error) {
	var rec store.Record
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Record{}, store.NotFound(key)
	}
	if err != nil {
		return store.Record{}, apperr.Transient("mongo get", err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	filter := bson.M{}
	if q.Kind != "" {
		filter["kind"] = q.Kind
	}
	for k, v := range q.Where {
		if !store.ValidAttr(k) {
			return nil, apperr.Validationf("invalid attribute name %q", k)
		}
		filter["attrs."+k] = v
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, apperr.Transient("mongo query", err)
	}
	var out []store.Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.Transient("mongo query", err)
	}
	for i := range out {
		out[i].UpdatedAt = out[i].UpdatedAt.UTC()
	}
	return store.Apply(out, q), nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
