package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,   // task ID
//	  payload:     []byte,   // gob-encoded Task
//	  not_before:  int64,    // unix nanoseconds
//	  enqueued_at: int64,
//	}
type MongoQueue struct {
	coll *mongo.Collection
	opts queueOptions
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "reelflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string, opts ...Option) *MongoQueue {
	if dbName == "" {
		dbName = "reelflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		opts: buildOptions(opts, 100*time.Millisecond),
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string `bson:"_id"`
	Payload    []byte `bson:"payload"`
	NotBefore  int64  `bson:"not_before"`
	EnqueuedAt int64  `bson:"enqueued_at"`
}

// Enqueue inserts a document for the given Task. A duplicate ID is ignored.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	now := q.opts.clock.Now()
	t.EnqueuedAt = now
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	doc := mongoQueueDoc{
		ID:         t.ID,
		Payload:    data,
		NotBefore:  t.NotBefore.UnixNano(),
		EnqueuedAt: now.UnixNano(),
	}

	_, err = q.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// Dequeue blocks (via polling) until a task is eligible or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": q.opts.clock.Now().UnixNano()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "enqueued_at", Value: 1},
			}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				if err := sleep(ctx, tmr, q.opts.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		return DecodeTask(doc.Payload)
	}
}

func (q *MongoQueue) Cancel(ctx context.Context, id string) error {
	_, err := q.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
