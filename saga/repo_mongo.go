package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDoc is the on-disk shape of an instance: Data and Compensations are
// stored as raw BSON-wrapped JSON so the collection schema doesn't need to
// track every concrete state type.
type mongoDoc struct {
	CorrelationID string                 `bson:"_id"`
	CurrentState  string                 `bson:"currentState"`
	Version       int64                  `bson:"version"`
	Data          string                 `bson:"data"`
	Compensations string                 `bson:"compensations"`
	Compensating  bool                   `bson:"compensating"`
	CreatedAt     time.Time              `bson:"createdAt"`
	UpdatedAt     time.Time              `bson:"updatedAt"`
	ArchivedAt    *time.Time             `bson:"archivedAt,omitempty"`
}

// MongoRepository persists instances as documents, using a conditional
// update keyed on (_id, version) to enforce optimistic concurrency and a TTL
// index on archivedAt to expire old archived instances automatically.
type MongoRepository struct {
	collection *mongo.Collection
}

// NewMongoRepository wraps collection. If archiveTTL is positive, it
// attempts to create a TTL index on archivedAt expiring documents that many
// seconds after being archived.
func NewMongoRepository(ctx context.Context, collection *mongo.Collection, archiveTTL time.Duration) (*MongoRepository, error) {
	r := &MongoRepository{collection: collection}
	if archiveTTL > 0 {
		_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "archivedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(archiveTTL.Seconds())),
		})
		if err != nil {
			return nil, fmt.Errorf("saga: create archivedAt ttl index: %w", err)
		}
	}
	return r, nil
}

func (r *MongoRepository) FindByCorrelationID(ctx context.Context, id string) (*Instance, error) {
	var doc mongoDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": id, "archivedAt": bson.M{"$exists": false}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("saga: find %s: %w", id, err)
	}
	return docToInstance(&doc)
}

func (r *MongoRepository) Save(ctx context.Context, instance *Instance) error {
	doc, err := instanceToDoc(instance)
	if err != nil {
		return err
	}
	doc.Version = instance.Version + 1

	filter := bson.M{"_id": instance.CorrelationID, "version": instance.Version}
	update := bson.M{"$set": doc}
	opts := options.Update()
	if instance.Version == 0 {
		opts = opts.SetUpsert(true)
	}
	res, err := r.collection.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// The upsert for version 0 collided with a document already stored.
		return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: instance.Version}
	}
	if err != nil {
		return fmt.Errorf("saga: save %s: %w", instance.CorrelationID, err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: instance.Version}
	}
	instance.Version = doc.Version
	return nil
}

func (r *MongoRepository) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r *MongoRepository) Archive(ctx context.Context, id string) error {
	res, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"archivedAt": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoRepository) FindByState(ctx context.Context, stateName string) ([]*Instance, error) {
	cur, err := r.collection.Find(ctx, bson.M{"currentState": stateName, "archivedAt": bson.M{"$exists": false}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*Instance
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := docToInstance(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, cur.Err()
}

func (r *MongoRepository) Count(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"archivedAt": bson.M{"$exists": false}})
}

func instanceToDoc(i *Instance) (*mongoDoc, error) {
	compensations, err := json.Marshal(i.Compensations)
	if err != nil {
		return nil, err
	}
	return &mongoDoc{
		CorrelationID: i.CorrelationID,
		CurrentState:  i.CurrentState,
		Data:          string(i.Data),
		Compensations: string(compensations),
		Compensating:  i.Compensating,
		CreatedAt:     i.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}, nil
}

func docToInstance(doc *mongoDoc) (*Instance, error) {
	inst := &Instance{
		CorrelationID: doc.CorrelationID,
		CurrentState:  doc.CurrentState,
		Version:       doc.Version,
		Data:          json.RawMessage(doc.Data),
		Compensating:  doc.Compensating,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		ArchivedAt:    doc.ArchivedAt,
	}
	if doc.Compensations != "" {
		if err := json.Unmarshal([]byte(doc.Compensations), &inst.Compensations); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

var _ Repository = (*MongoRepository)(nil)
