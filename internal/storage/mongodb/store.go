// Package mongodb implements the storage provider interface using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/storage"
)

// Name is the registered provider name
const Name = "mongodb"

// maxCASAttempts bounds the compare-and-append loop of TrySetState
const maxCASAttempts = 16

func init() {
	storage.Register(Name, func(ctx context.Context, s storage.Settings) (storage.Provider, error) {
		timeout, err := s.Duration("connectTimeout", 10*time.Second)
		if err != nil {
			return nil, err
		}
		return NewStore(ctx, &Config{
			URI:            s.Get("uri", "mongodb://localhost:27017"),
			Database:       s.Get("database", "msh"),
			Collection:     s.Get("collection", "message_units"),
			ConnectTimeout: timeout,
		})
	})
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Store implements storage.Provider using MongoDB
type Store struct {
	client *mongo.Client
	units  *mongo.Collection
}

// document is the persisted form of a message unit. The current state and
// its sequence number are duplicated at the top level so they can be
// indexed and used as the guard of the conditional update.
type document struct {
	message.MessageUnit `bson:",inline"`
	CurrentState        message.ProcessingState `bson:"current_state"`
	StateSeq            int64                   `bson:"state_seq"`
}

func newDocument(u *message.MessageUnit) *document {
	d := &document{MessageUnit: *u.Clone()}
	if e, ok := u.CurrentEntry(); ok {
		d.CurrentState = e.State
		d.StateSeq = e.Seq
	}
	return d
}

func (d *document) unit(full bool) *message.MessageUnit {
	u := d.MessageUnit.Clone()
	u.FullyLoaded = full
	return u
}

// NewStore connects to MongoDB and prepares the collection
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "message_units"
	}
	s := &Store{
		client: client,
		units:  client.Database(cfg.Database).Collection(collection),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.units.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "direction", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "direction", Value: 1}, {Key: "current_state", Value: 1}}},
		{Keys: bson.D{{Key: "pmode_id", Value: 1}, {Key: "current_state", Value: 1}}},
		{Keys: bson.D{{Key: "ref_to_message_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	return err
}

// Name implements storage.Provider
func (s *Store) Name() string { return Name }

// Capabilities implements storage.Provider. State updates are guarded by
// the sequence number of the current state and therefore atomic.
func (s *Store) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicStateUpdate: true}
}

// Store implements storage.Provider
func (s *Store) Store(ctx context.Context, unit *message.MessageUnit) error {
	_, err := s.units.InsertOne(ctx, newDocument(unit))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", unit.CoreID, storage.ErrAlreadyExists)
	}
	return err
}

// TrySetState implements storage.Provider
func (s *Store) TrySetState(ctx context.Context, coreID string, expected message.ProcessingState, entry message.StateEntry) (*message.MessageUnit, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.load(ctx, coreID, nil)
		if err != nil {
			return nil, err
		}
		if expected != message.StateAny && current.CurrentState != expected {
			return current.unit(true), storage.ErrConflict
		}

		entry.Seq = current.StateSeq + 1
		var updated document
		err = s.units.FindOneAndUpdate(ctx,
			bson.M{"_id": coreID, "state_seq": current.StateSeq},
			bson.M{
				"$push": bson.M{"states": entry},
				"$set":  bson.M{"current_state": entry.State, "state_seq": entry.Seq},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&updated)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// the history moved on between read and update, evaluate again
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated.unit(true), nil
	}
	return nil, fmt.Errorf("state of %s kept changing during update", coreID)
}

// Delete implements storage.Provider
func (s *Store) Delete(ctx context.Context, coreID string) error {
	res, err := s.units.DeleteOne(ctx, bson.M{"_id": coreID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	return nil
}

// Get implements storage.Provider
func (s *Store) Get(ctx context.Context, coreID string) (*message.MessageUnit, error) {
	doc, err := s.load(ctx, coreID, nil)
	if err != nil {
		return nil, err
	}
	return doc.unit(true), nil
}

func (s *Store) load(ctx context.Context, coreID string, opts *options.FindOneOptions) (*document, error) {
	var doc document
	err := s.units.FindOne(ctx, bson.M{"_id": coreID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", coreID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// summaryProjection leaves out the detail data of a unit
var summaryProjection = bson.M{
	"user_message.properties": 0,
	"user_message.payloads":   0,
	"receipt.content":         0,
}

// Find implements storage.Provider. Results are summaries.
func (s *Store) Find(ctx context.Context, filter storage.Filter) ([]*message.MessageUnit, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(summaryProjection)
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.units.Find(ctx, buildQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []*document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	units := make([]*message.MessageUnit, len(docs))
	for i, d := range docs {
		units[i] = d.unit(false)
	}
	return units, nil
}

func buildQuery(filter storage.Filter) bson.M {
	query := bson.M{}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	if filter.Direction != "" {
		query["direction"] = filter.Direction
	}
	if filter.MessageID != "" {
		query["message_id"] = filter.MessageID
	}
	if filter.RefToMessageID != "" {
		query["ref_to_message_id"] = filter.RefToMessageID
	}
	if len(filter.PModeIDs) > 0 {
		query["pmode_id"] = bson.M{"$in": filter.PModeIDs}
	}
	if len(filter.States) > 0 {
		query["current_state"] = bson.M{"$in": filter.StateNames()}
	}
	return query
}

// CountTransmissions implements storage.Provider
func (s *Store) CountTransmissions(ctx context.Context, messageID string) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"message_id": messageID, "direction": message.DirectionOut}}},
		{{Key: "$unwind", Value: "$states"}},
		{{Key: "$match", Value: bson.M{"states.state": message.StateSending}}},
		{{Key: "$count", Value: "n"}},
	}
	cursor, err := s.units.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var result []struct {
		N int `bson:"n"`
	}
	if err := cursor.All(ctx, &result); err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, nil
	}
	return result[0].N, nil
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
