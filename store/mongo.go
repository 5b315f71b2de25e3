package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/edgar-durand/cloud-taskmq-go/observability"
)

// MongoStore implements the Store interface on a document database. One
// collection per entity kind: tasks are indexed on (queueName, status) and
// (chain.id, chain.index); uniqueness locks and rate-limit windows carry TTL
// indexes on their time fields so Mongo reaps expired documents itself.
type MongoStore struct {
	client *mongo.Client
	tasks  *mongo.Collection
	unique *mongo.Collection
	rates  *mongo.Collection
}

// MongoOptions configures NewMongoStore.
type MongoOptions struct {
	URI      string
	Database string
}

type uniquenessDoc struct {
	Key       string    `bson:"_id"`
	TaskID    string    `bson:"taskId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

type rateLimitDoc struct {
	Key       string    `bson:"_id"`
	Count     int64     `bson:"count"`
	ResetTime time.Time `bson:"resetTime"`
}

func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %v: %w", err, ErrBackend)
	}
	if err := client.Ping(connCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %v: %w", err, ErrBackend)
	}

	db := client.Database(opts.Database)
	s := &MongoStore{
		client: client,
		tasks:  db.Collection("tasks"),
		unique: db.Collection("uniqueness"),
		rates:  db.Collection("ratelimits"),
	}
	if err := s.ensureIndexes(connCtx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "queueName", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "chain.id", Value: 1}, {Key: "chain.index", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("task indexes: %v: %w", err, ErrBackend)
	}
	_, err = s.unique.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("uniqueness ttl index: %v: %w", err, ErrBackend)
	}
	_, err = s.rates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "resetTime", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("ratelimit ttl index: %v: %w", err, ErrBackend)
	}
	return nil
}

func (s *MongoStore) observe(op string, start time.Time) {
	observability.StorageLatency.WithLabelValues("mongo", op).Observe(time.Since(start).Seconds())
}

// --- Task Operations ---

func (s *MongoStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrInvalidArgument)
	}
	defer s.observe("save_task", time.Now())

	_, err := s.tasks.ReplaceOne(ctx,
		bson.M{"_id": task.ID},
		task,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %v: %w", task.ID, err, ErrBackend)
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (*Task, error) {
	defer s.observe("get_task", time.Now())

	var task Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %v: %w", id, err, ErrBackend)
	}
	return &task, nil
}

func (s *MongoStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch *TaskPatch) error {
	defer s.observe("update_status", time.Now())

	set := bson.M{"status": status, "updatedAt": time.Now()}
	if patch != nil {
		if patch.Attempts != nil {
			set["attempts"] = *patch.Attempts
		}
		if patch.Result != nil {
			set["result"] = patch.Result
		}
		if patch.Error != nil {
			set["error"] = patch.Error
		}
		if patch.Progress != nil {
			set["progress"] = patch.Progress
		}
		if patch.ActiveAt != nil {
			set["activeAt"] = patch.ActiveAt
		}
		if patch.CompletedAt != nil {
			set["completedAt"] = patch.CompletedAt
		}
		if patch.FailedAt != nil {
			set["failedAt"] = patch.FailedAt
		}
	}

	res, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update task %s: %v: %w", id, err, ErrBackend)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	defer s.observe("delete_task", time.Now())

	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("delete task %s: %v: %w", id, err, ErrBackend)
	}
	return res.DeletedCount > 0, nil
}

func (f TaskFilter) mongoQuery() bson.M {
	q := bson.M{}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	if f.QueueName != "" {
		q["queueName"] = f.QueueName
	}
	if f.ChainID != "" {
		q["chain.id"] = f.ChainID
	}
	if f.UniquenessKey != "" {
		q["uniquenessKey"] = f.UniquenessKey
	}
	if f.CreatedAfter != nil || f.CreatedBefore != nil {
		rng := bson.M{}
		if f.CreatedAfter != nil {
			rng["$gte"] = *f.CreatedAfter
		}
		if f.CreatedBefore != nil {
			rng["$lt"] = *f.CreatedBefore
		}
		q["createdAt"] = rng
	}
	return q
}

func (s *MongoStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	defer s.observe("query_tasks", time.Now())

	opts := options.Find()
	if filter.SortBy != "" {
		dir := 1
		if filter.SortDesc {
			dir = -1
		}
		// Secondary sort on _id keeps ordering stable across calls.
		opts.SetSort(bson.D{{Key: string(filter.SortBy), Value: dir}, {Key: "_id", Value: 1}})
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.tasks.Find(ctx, filter.mongoQuery(), opts)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %v: %w", err, ErrBackend)
	}
	defer cur.Close(ctx)

	var tasks []*Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %v: %w", err, ErrBackend)
	}
	if tasks == nil {
		tasks = []*Task{}
	}
	return tasks, nil
}

func (s *MongoStore) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	defer s.observe("count_tasks", time.Now())

	n, err := s.tasks.CountDocuments(ctx, filter.mongoQuery())
	if err != nil {
		return 0, fmt.Errorf("count tasks: %v: %w", err, ErrBackend)
	}
	return int(n), nil
}

// --- Uniqueness Operations ---

func (s *MongoStore) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	// The TTL monitor only runs periodically, so the expiry check cannot
	// rely on document deletion alone.
	n, err := s.unique.CountDocuments(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$gt": time.Now()}})
	if err != nil {
		return false, fmt.Errorf("uniqueness check %s: %v: %w", key, err, ErrBackend)
	}
	return n > 0, nil
}

func (s *MongoStore) SetUniquenessKeyActive(ctx context.Context, key string, taskID string, ttl time.Duration) (bool, error) {
	defer s.observe("uniqueness_set", time.Now())

	now := time.Now()
	// Drop a stale lock first so the unique _id insert below is the only
	// arbiter between concurrent acquirers.
	if _, err := s.unique.DeleteOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}}); err != nil {
		return false, fmt.Errorf("uniqueness reap %s: %v: %w", key, err, ErrBackend)
	}
	_, err := s.unique.InsertOne(ctx, uniquenessDoc{Key: key, TaskID: taskID, ExpiresAt: now.Add(ttl)})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("uniqueness acquire %s: %v: %w", key, err, ErrBackend)
	}
	return true, nil
}

func (s *MongoStore) RemoveUniquenessKey(ctx context.Context, key string) error {
	if _, err := s.unique.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("uniqueness release %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Rate-Limit Operations ---

func (s *MongoStore) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %w", ErrInvalidArgument)
	}
	defer s.observe("rate_increment", time.Now())

	now := time.Now()
	// Reap windows whose resetTime has passed before incrementing, so a new
	// window opens with a fresh counter. $setOnInsert fixes the resetTime at
	// window creation; subsequent increments never touch it.
	if _, err := s.rates.DeleteMany(ctx, bson.M{"resetTime": bson.M{"$lte": now}}); err != nil {
		return nil, fmt.Errorf("rate limit reap: %v: %w", err, ErrBackend)
	}

	var doc rateLimitDoc
	err := s.rates.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{
			"$inc":         bson.M{"count": 1},
			"$setOnInsert": bson.M{"resetTime": now.Add(window)},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("rate limit increment %s: %v: %w", key, err, ErrBackend)
	}
	return &RateLimitResult{
		Allowed:   doc.Count <= int64(maxRequests),
		Count:     doc.Count,
		ResetTime: doc.ResetTime,
	}, nil
}

func (s *MongoStore) GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error) {
	var doc rateLimitDoc
	err := s.rates.FindOne(ctx, bson.M{"_id": key, "resetTime": bson.M{"$gt": time.Now()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("rate limit %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit get %s: %v: %w", key, err, ErrBackend)
	}
	return &RateLimitResult{Count: doc.Count, ResetTime: doc.ResetTime}, nil
}

func (s *MongoStore) DeleteRateLimit(ctx context.Context, key string) error {
	if _, err := s.rates.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("rate limit delete %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Chain Operations ---

func (s *MongoStore) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	n, err := s.tasks.CountDocuments(ctx, bson.M{"chain.id": chainID, "status": StatusActive})
	if err != nil {
		return false, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	return n > 0, nil
}

func (s *MongoStore) GetChainTasks(ctx context.Context, chainID string) ([]*Task, error) {
	cur, err := s.tasks.Find(ctx,
		bson.M{"chain.id": chainID},
		options.Find().SetSort(bson.D{{Key: "chain.index", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	defer cur.Close(ctx)

	var tasks []*Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode chain %s: %v: %w", chainID, err, ErrBackend)
	}
	return tasks, nil
}

func (s *MongoStore) GetNextTaskInChain(ctx context.Context, chainID string, index int) (*Task, error) {
	var task Task
	err := s.tasks.FindOne(ctx,
		bson.M{"chain.id": chainID, "chain.index": bson.M{"$gt": index}},
		options.FindOne().SetSort(bson.D{{Key: "chain.index", Value: 1}}),
	).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("chain %s has no task after index %d: %w", chainID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	return &task, nil
}

// --- Cleanup ---

func (s *MongoStore) Cleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	defer s.observe("cleanup", time.Now())

	var clauses []bson.M
	if len(policy.Statuses) > 0 {
		clauses = append(clauses, bson.M{"status": bson.M{"$in": policy.Statuses}})
	}
	if policy.RemoveCompleted {
		clauses = append(clauses, bson.M{"status": StatusCompleted})
	}
	if policy.RemoveFailed {
		clauses = append(clauses, bson.M{"status": StatusFailed})
	}

	q := bson.M{}
	switch {
	case len(clauses) > 0 && policy.OlderThan > 0:
		q = bson.M{"$and": []bson.M{
			{"$or": clauses},
			{"createdAt": bson.M{"$lt": time.Now().Add(-policy.OlderThan)}},
		}}
	case len(clauses) > 0:
		q = bson.M{"$or": clauses}
	case policy.OlderThan > 0:
		q = bson.M{"createdAt": bson.M{"$lt": time.Now().Add(-policy.OlderThan)}}
	default:
		return 0, nil
	}

	res, err := s.tasks.DeleteMany(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %v: %w", err, ErrBackend)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
