package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/indexsync/pkg/logger"
	"github.com/BartekS5/indexsync/pkg/models"
)

const (
	mongoDocumentCollection   = "graph_documents"
	mongoCheckpointCollection = "sync_checkpoints"
)

// MongoStore keeps graph documents and checkpoints in one MongoDB database.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{db: client.Database(database)}
}

func (m *MongoStore) Upload(ctx context.Context, graphContext, body string, replace bool) error {
	coll := m.db.Collection(mongoDocumentCollection)
	doc := bson.M{"context": graphContext, "body": body, "seq": time.Now().UnixNano()}

	var writes []mongo.WriteModel
	if replace {
		writes = append(writes, mongo.NewDeleteManyModel().SetFilter(bson.M{"context": graphContext}))
	}
	writes = append(writes, mongo.NewInsertOneModel().SetDocument(doc))

	res, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("failed to upload graph document: %w", err)
	}
	logger.Debugf("Mongo BulkWrite %s: Ins %d, Del %d", graphContext, res.InsertedCount, res.DeletedCount)
	return nil
}

func (m *MongoStore) Clear(ctx context.Context, graphContext string) error {
	_, err := m.db.Collection(mongoDocumentCollection).DeleteMany(ctx, bson.M{"context": graphContext})
	if err != nil {
		return fmt.Errorf("failed to clear graph context: %w", err)
	}
	return nil
}

func (m *MongoStore) Documents(ctx context.Context, graphContext string) ([]string, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := m.db.Collection(mongoDocumentCollection).Find(ctx, bson.M{"context": graphContext}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph context: %w", err)
	}
	defer cursor.Close(ctx)

	var out []string
	for cursor.Next(ctx) {
		var doc struct {
			Body string `bson:"body"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode graph document: %w", err)
		}
		out = append(out, doc.Body)
	}
	return out, cursor.Err()
}

func (m *MongoStore) Checkpoints() *MongoCheckpoints {
	return &MongoCheckpoints{coll: m.db.Collection(mongoCheckpointCollection)}
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.db.Client().Disconnect(ctx)
}

// MongoCheckpoints upserts one document per (chain, section).
type MongoCheckpoints struct {
	coll *mongo.Collection
}

type mongoCheckpoint struct {
	Chain     string    `bson:"chain"`
	Section   string    `bson:"section"`
	Value     string    `bson:"cursor_value"`
	ID        string    `bson:"cursor_id"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d mongoCheckpoint) checkpoint() (models.Checkpoint, error) {
	cp := models.Checkpoint{Partition: d.Chain, Section: d.Section, UpdatedAt: d.UpdatedAt.UTC()}
	if d.Value == "" {
		return cp, nil
	}
	v, ok := new(big.Int).SetString(d.Value, 10)
	if !ok {
		return cp, fmt.Errorf("invalid stored cursor value %q", d.Value)
	}
	cp.Cursor = models.Cursor{Value: v, ID: d.ID}
	return cp, nil
}

func (c *MongoCheckpoints) Get(ctx context.Context, partition, section string) (models.Cursor, bool, error) {
	var doc mongoCheckpoint
	err := c.coll.FindOne(ctx, bson.M{"chain": partition, "section": section}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return models.Cursor{}, false, nil
	}
	if err != nil {
		return models.Cursor{}, false, fmt.Errorf("get checkpoint %s/%s: %w", partition, section, err)
	}
	cp, err := doc.checkpoint()
	if err != nil {
		return models.Cursor{}, false, err
	}
	return cp.Cursor, true, nil
}

func (c *MongoCheckpoints) Set(ctx context.Context, partition, section string, cursor models.Cursor) error {
	doc := mongoCheckpoint{Chain: partition, Section: section, ID: cursor.ID, UpdatedAt: time.Now().UTC()}
	if cursor.Value != nil {
		doc.Value = cursor.Value.String()
	}
	filter := bson.M{"chain": partition, "section": section}
	_, err := c.coll.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set checkpoint %s/%s: %w", partition, section, err)
	}
	return nil
}

func (c *MongoCheckpoints) Reset(ctx context.Context, partition string) error {
	if _, err := c.coll.DeleteMany(ctx, bson.M{"chain": partition}); err != nil {
		return fmt.Errorf("reset checkpoints for %s: %w", partition, err)
	}
	return nil
}

func (c *MongoCheckpoints) List(ctx context.Context) ([]models.Checkpoint, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "chain", Value: 1}, {Key: "section", Value: 1}})
	cursor, err := c.coll.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.Checkpoint
	for cursor.Next(ctx) {
		var doc mongoCheckpoint
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		cp, err := doc.checkpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, cursor.Err()
}
