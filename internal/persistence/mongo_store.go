package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/reelflow/pkg/api"
)

// MongoStore is a Store and ApprovalStore backed by MongoDB.
//
// Each instance is a single document that embeds its current history, so a
// commit is one conditional update: the filter carries the expected
// generation and history length, and the update replaces the status fields
// while pushing the new events.
type MongoStore struct {
	instances *mongo.Collection
	approvals *mongo.Collection
}

var _ Backend = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "reelflow"
// if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "reelflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		instances: db.Collection("instances"),
		approvals: db.Collection("approvals"),
	}

	_, err := s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "name", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

type mongoFailureDoc struct {
	Type         string `bson:"type,omitempty"`
	Message      string `bson:"message"`
	NonRetryable bool   `bson:"non_retryable,omitempty"`
}

type mongoEventDoc struct {
	Index      int              `bson:"idx"`
	At         int64            `bson:"at"`
	Type       string           `bson:"type"`
	TaskID     int              `bson:"task_id"`
	Name       string           `bson:"name,omitempty"`
	InstanceID string           `bson:"instance_id,omitempty"`
	Input      []byte           `bson:"input,omitempty"`
	Result     []byte           `bson:"result,omitempty"`
	Failure    *mongoFailureDoc `bson:"failure,omitempty"`
	FireAt     int64            `bson:"fire_at,omitempty"`
}

type mongoInstanceDoc struct {
	ID           string           `bson:"_id"`
	Name         string           `bson:"name"`
	Status       string           `bson:"status"`
	Generation   int              `bson:"generation"`
	Input        []byte           `bson:"input,omitempty"`
	Output       []byte           `bson:"output,omitempty"`
	Failure      *mongoFailureDoc `bson:"failure,omitempty"`
	HistoryLen   int              `bson:"history_len"`
	Checkpoint   int              `bson:"checkpoint"`
	ParentID     string           `bson:"parent_id,omitempty"`
	ParentTaskID int              `bson:"parent_task_id,omitempty"`
	CreatedAt    int64            `bson:"created_at"`
	UpdatedAt    int64            `bson:"updated_at"`
	History      []mongoEventDoc  `bson:"history,omitempty"`
}

func toMongoFailure(f *api.FailureDetails) *mongoFailureDoc {
	if f == nil {
		return nil
	}
	return &mongoFailureDoc{Type: f.Type, Message: f.Message, NonRetryable: f.NonRetryable}
}

func (d *mongoFailureDoc) details() *api.FailureDetails {
	if d == nil {
		return nil
	}
	return &api.FailureDetails{Type: d.Type, Message: d.Message, NonRetryable: d.NonRetryable}
}

func toMongoEvents(events []api.HistoryEvent) []mongoEventDoc {
	docs := make([]mongoEventDoc, len(events))
	for i, ev := range events {
		docs[i] = mongoEventDoc{
			Index:      ev.Index,
			At:         toNanos(ev.At),
			Type:       string(ev.Type),
			TaskID:     ev.TaskID,
			Name:       ev.Name,
			InstanceID: ev.InstanceID,
			Input:      ev.Input,
			Result:     ev.Result,
			Failure:    toMongoFailure(ev.Failure),
			FireAt:     toNanos(ev.FireAt),
		}
	}
	return docs
}

func (d mongoEventDoc) event() api.HistoryEvent {
	return api.HistoryEvent{
		Index:      d.Index,
		At:         fromNanos(d.At),
		Type:       api.EventType(d.Type),
		TaskID:     d.TaskID,
		Name:       d.Name,
		InstanceID: d.InstanceID,
		Input:      d.Input,
		Result:     d.Result,
		Failure:    d.Failure.details(),
		FireAt:     fromNanos(d.FireAt),
	}
}

func (d *mongoInstanceDoc) instance() *api.Instance {
	return &api.Instance{
		ID:           d.ID,
		Name:         d.Name,
		Status:       api.Status(d.Status),
		Generation:   d.Generation,
		Input:        d.Input,
		Output:       d.Output,
		Failure:      d.Failure.details(),
		HistoryLen:   d.HistoryLen,
		Checkpoint:   d.Checkpoint,
		ParentID:     d.ParentID,
		ParentTaskID: d.ParentTaskID,
		CreatedAt:    fromNanos(d.CreatedAt),
		UpdatedAt:    fromNanos(d.UpdatedAt),
	}
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	inst.HistoryLen = len(events)
	doc := mongoInstanceDoc{
		ID:           inst.ID,
		Name:         inst.Name,
		Status:       string(inst.Status),
		Generation:   inst.Generation,
		Input:        inst.Input,
		Output:       inst.Output,
		Failure:      toMongoFailure(inst.Failure),
		HistoryLen:   inst.HistoryLen,
		Checkpoint:   inst.Checkpoint,
		ParentID:     inst.ParentID,
		ParentTaskID: inst.ParentTaskID,
		CreatedAt:    toNanos(inst.CreatedAt),
		UpdatedAt:    toNanos(inst.UpdatedAt),
		History:      toMongoEvents(indexEvents(events, 0)),
	}

	_, err := s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *MongoStore) Commit(ctx context.Context, inst *api.Instance, expect Version, events []api.HistoryEvent) error {
	base, length := nextLength(inst, expect, len(events))
	docs := toMongoEvents(indexEvents(events, base))

	set := bson.M{
		"name":           inst.Name,
		"status":         string(inst.Status),
		"generation":     inst.Generation,
		"input":          inst.Input,
		"output":         inst.Output,
		"failure":        toMongoFailure(inst.Failure),
		"history_len":    length,
		"checkpoint":     inst.Checkpoint,
		"parent_id":      inst.ParentID,
		"parent_task_id": inst.ParentTaskID,
		"updated_at":     toNanos(inst.UpdatedAt),
	}
	update := bson.M{"$set": set}
	if base == 0 {
		set["history"] = docs
	} else if len(docs) > 0 {
		update["$push"] = bson.M{"history": bson.M{"$each": docs}}
	}

	filter := bson.M{
		"_id":         inst.ID,
		"generation":  expect.Generation,
		"history_len": expect.HistoryLen,
	}
	res, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := s.instances.CountDocuments(ctx, bson.M{"_id": inst.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInstanceNotFound
		}
		return ErrHistoryConflict
	}
	inst.HistoryLen = length
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var doc mongoInstanceDoc
	opts := options.FindOne().SetProjection(bson.M{"history": 0})
	err := s.instances.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.instance(), nil
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	bfilter := bson.M{}
	if filter.Name != "" {
		bfilter["name"] = filter.Name
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().
		SetProjection(bson.M{"history": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.instance())
	}
	return out, cur.Err()
}

func (s *MongoStore) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	var doc mongoInstanceDoc
	opts := options.FindOne().SetProjection(bson.M{"history": 1})
	err := s.instances.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	out := make([]api.HistoryEvent, len(doc.History))
	for i, d := range doc.History {
		out[i] = d.event()
	}
	return out, nil
}

type mongoApprovalDoc struct {
	Code            string `bson:"_id"`
	OrchestrationID string `bson:"orchestration_id"`
}

func (s *MongoStore) SaveApproval(ctx context.Context, rec api.ApprovalRecord) error {
	doc := mongoApprovalDoc{Code: rec.Code, OrchestrationID: rec.OrchestrationID}
	_, err := s.approvals.ReplaceOne(ctx, bson.M{"_id": rec.Code}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetApproval(ctx context.Context, code string) (api.ApprovalRecord, error) {
	var doc mongoApprovalDoc
	err := s.approvals.FindOne(ctx, bson.M{"_id": code}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.ApprovalRecord{}, ErrApprovalNotFound
	}
	if err != nil {
		return api.ApprovalRecord{}, err
	}
	return api.ApprovalRecord{Code: doc.Code, OrchestrationID: doc.OrchestrationID}, nil
}
