package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgar-durand/cloud-taskmq-go/observability"
)

// rateLimitScript atomically increments a fixed-window counter. The window's
// resetTime is written once with HSETNX and never overwritten, so later
// increments inside the same window cannot extend it. The key expires with
// the window.
const rateLimitScript = `
local count = redis.call("HINCRBY", KEYS[1], "count", 1)
redis.call("HSETNX", KEYS[1], "resetTime", ARGV[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {count, redis.call("HGET", KEYS[1], "resetTime")}
`

// RedisStore implements the Store interface using Redis. Task blobs live
// under {prefix}task:{id}; each queue keeps a sorted set of task ids scored
// by creation time and each chain a sorted set scored by chain index.
// Uniqueness locks and rate-limit windows use native TTLs.
type RedisStore struct {
	client *redis.Client
	prefix string

	// Preloaded Lua script SHA for the atomic rate-limit increment.
	rateLimitSHA string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %v: %w", err, ErrBackend)
	}

	// Preload the rate-limit script so increments do not ship script text
	// on every call.
	sha, err := client.ScriptLoad(pingCtx, rateLimitScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload rate limit script: %v: %w", err, ErrBackend)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, rateLimitSHA: sha}, nil
}

func (s *RedisStore) taskKey(id string) string    { return Key(s.prefix, ResourceTask, id) }
func (s *RedisStore) queueKey(name string) string { return Key(s.prefix, ResourceQueue, name) }
func (s *RedisStore) chainKey(id string) string   { return Key(s.prefix, ResourceChain, id) }
func (s *RedisStore) uniqueKey(key string) string { return Key(s.prefix, ResourceUnique, key) }
func (s *RedisStore) rateKey(key string) string   { return Key(s.prefix, ResourceRate, key) }

func (s *RedisStore) observe(op string, start time.Time) {
	observability.StorageLatency.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
}

// --- Task Operations ---

func (s *RedisStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrInvalidArgument)
	}
	defer s.observe("save_task", time.Now())

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %v: %w", err, ErrInvalidArgument)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	pipe.ZAdd(ctx, s.queueKey(task.QueueName), redis.Z{
		Score:  float64(task.CreatedAt.UnixMilli()),
		Member: task.ID,
	})
	if task.Chain != nil {
		pipe.ZAdd(ctx, s.chainKey(task.Chain.ID), redis.Z{
			Score:  float64(task.Chain.Index),
			Member: task.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %v: %w", task.ID, err, ErrBackend)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	defer s.observe("get_task", time.Now())

	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %v: %w", id, err, ErrBackend)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %v: %w", id, err, ErrBackend)
	}
	return &task, nil
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch *TaskPatch) error {
	defer s.observe("update_status", time.Now())

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	patch.Apply(task, status)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %v: %w", id, err, ErrBackend)
	}
	if err := s.client.Set(ctx, s.taskKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("update task %s: %v: %w", id, err, ErrBackend)
	}
	return nil
}

func (s *RedisStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	defer s.observe("delete_task", time.Now())

	task, err := s.GetTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.ZRem(ctx, s.queueKey(task.QueueName), id)
	if task.Chain != nil {
		pipe.ZRem(ctx, s.chainKey(task.Chain.ID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete task %s: %v: %w", id, err, ErrBackend)
	}
	return true, nil
}

// loadFiltered walks the relevant index (or the full task namespace) and
// returns tasks matching the filter. Filtering happens application-side so
// semantics match the reference adapter exactly.
func (s *RedisStore) loadFiltered(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var ids []string
	var err error
	switch {
	case filter.ChainID != "":
		ids, err = s.client.ZRange(ctx, s.chainKey(filter.ChainID), 0, -1).Result()
	case filter.QueueName != "":
		ids, err = s.client.ZRange(ctx, s.queueKey(filter.QueueName), 0, -1).Result()
	default:
		iter := s.client.Scan(ctx, 0, Prefix(s.prefix, ResourceTask)+"*", 0).Iterator()
		for iter.Next(ctx) {
			ids = append(ids, iter.Val()[len(Prefix(s.prefix, ResourceTask)):])
		}
		err = iter.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %v: %w", err, ErrBackend)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Index entry may outlive the blob briefly; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(task) {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (s *RedisStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	defer s.observe("query_tasks", time.Now())

	tasks, err := s.loadFiltered(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortTasks(tasks, filter)
	return paginate(tasks, filter.Offset, filter.Limit), nil
}

func (s *RedisStore) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	defer s.observe("count_tasks", time.Now())

	tasks, err := s.loadFiltered(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// --- Uniqueness Operations ---

func (s *RedisStore) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.uniqueKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("uniqueness check %s: %v: %w", key, err, ErrBackend)
	}
	return n > 0, nil
}

// SetUniquenessKeyActive uses SET NX with a native TTL, so expiry needs no
// cleanup pass.
func (s *RedisStore) SetUniquenessKeyActive(ctx context.Context, key string, taskID string, ttl time.Duration) (bool, error) {
	defer s.observe("uniqueness_set", time.Now())

	acquired, err := s.client.SetNX(ctx, s.uniqueKey(key), taskID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("uniqueness acquire %s: %v: %w", key, err, ErrBackend)
	}
	return acquired, nil
}

func (s *RedisStore) RemoveUniquenessKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.uniqueKey(key)).Err(); err != nil {
		return fmt.Errorf("uniqueness release %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Rate-Limit Operations ---

func (s *RedisStore) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %w", ErrInvalidArgument)
	}
	defer s.observe("rate_increment", time.Now())

	resetTime := time.Now().Add(window).UnixMilli()
	res, err := s.client.EvalSha(ctx, s.rateLimitSHA,
		[]string{s.rateKey(key)},
		resetTime, window.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit increment %s: %v: %w", key, err, ErrBackend)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("rate limit script returned %T: %w", res, ErrBackend)
	}
	count, _ := vals[0].(int64)
	resetStr, _ := vals[1].(string)
	resetMs, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("rate limit reset time %q: %w", resetStr, ErrBackend)
	}
	return &RateLimitResult{
		Allowed:   count <= int64(maxRequests),
		Count:     count,
		ResetTime: time.UnixMilli(resetMs),
	}, nil
}

func (s *RedisStore) GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error) {
	fields, err := s.client.HGetAll(ctx, s.rateKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit get %s: %v: %w", key, err, ErrBackend)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rate limit %s: %w", key, ErrNotFound)
	}
	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	resetMs, _ := strconv.ParseInt(fields["resetTime"], 10, 64)
	return &RateLimitResult{Count: count, ResetTime: time.UnixMilli(resetMs)}, nil
}

func (s *RedisStore) DeleteRateLimit(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.rateKey(key)).Err(); err != nil {
		return fmt.Errorf("rate limit delete %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Chain Operations ---

func (s *RedisStore) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	tasks, err := s.GetChainTasks(ctx, chainID)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *RedisStore) GetChainTasks(ctx context.Context, chainID string) ([]*Task, error) {
	ids, err := s.client.ZRange(ctx, s.chainKey(chainID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *RedisStore) GetNextTaskInChain(ctx context.Context, chainID string, index int) (*Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.chainKey(chainID), &redis.ZRangeBy{
		Min:   "(" + strconv.Itoa(index),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("chain %s has no task after index %d: %w", chainID, index, ErrNotFound)
	}
	return s.GetTask(ctx, ids[0])
}

// --- Cleanup ---

func (s *RedisStore) Cleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	defer s.observe("cleanup", time.Now())

	now := time.Now()
	deleted := 0
	iter := s.client.Scan(ctx, 0, Prefix(s.prefix, ResourceTask)+"*", 0).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(Prefix(s.prefix, ResourceTask)):]
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if !policy.Matches(task, now) {
			continue
		}
		ok, err := s.DeleteTask(ctx, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("cleanup scan: %v: %w", err, ErrBackend)
	}
	return deleted, nil
}

func (s *RedisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
