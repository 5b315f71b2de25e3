package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgar-durand/cloud-taskmq-go/observability"
)

// PostgresStore implements Store using a PostgreSQL backend. The full task
// record is stored as a JSONB document next to the columns the queries
// filter and sort on, so reads stay a single unmarshal and the schema does
// not chase the task model.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS taskmq_tasks (
	id             TEXT PRIMARY KEY,
	queue_name     TEXT NOT NULL,
	status         TEXT NOT NULL,
	chain_id       TEXT,
	chain_index    INT,
	uniqueness_key TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	doc            JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS taskmq_tasks_queue_status ON taskmq_tasks (queue_name, status);
CREATE INDEX IF NOT EXISTS taskmq_tasks_chain ON taskmq_tasks (chain_id, chain_index);

CREATE TABLE IF NOT EXISTS taskmq_uniqueness (
	key        TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS taskmq_ratelimit (
	key        TEXT PRIMARY KEY,
	count      BIGINT NOT NULL,
	reset_time TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and creates the schema when missing.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %v: %w", err, ErrInvalidArgument)
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %v: %w", err, ErrBackend)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %v: %w", err, ErrBackend)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres schema: %v: %w", err, ErrBackend)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) observe(op string, start time.Time) {
	observability.StorageLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
}

// --- Task Operations ---

func (s *PostgresStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrInvalidArgument)
	}
	defer s.observe("save_task", time.Now())

	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %v: %w", err, ErrInvalidArgument)
	}

	var chainID *string
	var chainIndex *int
	if task.Chain != nil {
		chainID = &task.Chain.ID
		chainIndex = &task.Chain.Index
	}
	var uniqKey *string
	if task.UniquenessKey != "" {
		uniqKey = &task.UniquenessKey
	}

	query := `
		INSERT INTO taskmq_tasks (id, queue_name, status, chain_id, chain_index, uniqueness_key, created_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc
	`
	_, err = s.pool.Exec(ctx, query,
		task.ID, task.QueueName, task.Status, chainID, chainIndex, uniqKey,
		task.CreatedAt, task.UpdatedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %v: %w", task.ID, err, ErrBackend)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	defer s.observe("get_task", time.Now())

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM taskmq_tasks WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %v: %w", id, err, ErrBackend)
	}
	var task Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %v: %w", id, err, ErrBackend)
	}
	return &task, nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch *TaskPatch) error {
	defer s.observe("update_status", time.Now())

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	patch.Apply(task, status)
	return s.SaveTask(ctx, task)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	defer s.observe("delete_task", time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM taskmq_tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %v: %w", id, err, ErrBackend)
	}
	return tag.RowsAffected() > 0, nil
}

// sqlFilter renders the filter into a WHERE clause with positional args.
func sqlFilter(f TaskFilter) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = arg(string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.QueueName != "" {
		conds = append(conds, "queue_name = "+arg(f.QueueName))
	}
	if f.ChainID != "" {
		conds = append(conds, "chain_id = "+arg(f.ChainID))
	}
	if f.UniquenessKey != "" {
		conds = append(conds, "uniqueness_key = "+arg(f.UniquenessKey))
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at < "+arg(*f.CreatedBefore))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	defer s.observe("query_tasks", time.Now())

	where, args := sqlFilter(filter)
	query := `SELECT doc FROM taskmq_tasks` + where

	if filter.SortBy != "" {
		col := "created_at"
		if filter.SortBy == SortByUpdatedAt {
			col = "updated_at"
		}
		dir := "ASC"
		if filter.SortDesc {
			dir = "DESC"
		}
		// Secondary sort on id keeps ordering stable.
		query += fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %v: %w", err, ErrBackend)
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan task: %v: %w", err, ErrBackend)
		}
		var task Task
		if err := json.Unmarshal(doc, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task: %v: %w", err, ErrBackend)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query tasks: %v: %w", err, ErrBackend)
	}
	return tasks, nil
}

func (s *PostgresStore) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	defer s.observe("count_tasks", time.Now())

	where, args := sqlFilter(filter)
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM taskmq_tasks`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %v: %w", err, ErrBackend)
	}
	return count, nil
}

// --- Uniqueness Operations ---

func (s *PostgresStore) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM taskmq_uniqueness WHERE key = $1 AND expires_at > now()`, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("uniqueness check %s: %v: %w", key, err, ErrBackend)
	}
	return n > 0, nil
}

// SetUniquenessKeyActive is a single atomic statement: the insert wins only
// when no row exists or the existing lock has expired.
func (s *PostgresStore) SetUniquenessKeyActive(ctx context.Context, key string, taskID string, ttl time.Duration) (bool, error) {
	defer s.observe("uniqueness_set", time.Now())

	query := `
		INSERT INTO taskmq_uniqueness (key, task_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			expires_at = EXCLUDED.expires_at
		WHERE taskmq_uniqueness.expires_at <= now()
	`
	tag, err := s.pool.Exec(ctx, query, key, taskID, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("uniqueness acquire %s: %v: %w", key, err, ErrBackend)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RemoveUniquenessKey(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM taskmq_uniqueness WHERE key = $1`, key); err != nil {
		return fmt.Errorf("uniqueness release %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Rate-Limit Operations ---

// IncrementRateLimit is a single atomic upsert. An expired window restarts
// at count 1 with a fresh reset_time; a live window only increments, its
// reset_time untouched.
func (s *PostgresStore) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %w", ErrInvalidArgument)
	}
	defer s.observe("rate_increment", time.Now())

	query := `
		INSERT INTO taskmq_ratelimit (key, count, reset_time)
		VALUES ($1, 1, $2)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE WHEN taskmq_ratelimit.reset_time <= now() THEN 1 ELSE taskmq_ratelimit.count + 1 END,
			reset_time = CASE WHEN taskmq_ratelimit.reset_time <= now() THEN $2 ELSE taskmq_ratelimit.reset_time END
		RETURNING count, reset_time
	`
	var count int64
	var resetTime time.Time
	err := s.pool.QueryRow(ctx, query, key, time.Now().Add(window)).Scan(&count, &resetTime)
	if err != nil {
		return nil, fmt.Errorf("rate limit increment %s: %v: %w", key, err, ErrBackend)
	}
	return &RateLimitResult{
		Allowed:   count <= int64(maxRequests),
		Count:     count,
		ResetTime: resetTime,
	}, nil
}

func (s *PostgresStore) GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error) {
	var count int64
	var resetTime time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT count, reset_time FROM taskmq_ratelimit WHERE key = $1 AND reset_time > now()`, key,
	).Scan(&count, &resetTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rate limit %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit get %s: %v: %w", key, err, ErrBackend)
	}
	return &RateLimitResult{Count: count, ResetTime: resetTime}, nil
}

func (s *PostgresStore) DeleteRateLimit(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM taskmq_ratelimit WHERE key = $1`, key); err != nil {
		return fmt.Errorf("rate limit delete %s: %v: %w", key, err, ErrBackend)
	}
	return nil
}

// --- Chain Operations ---

func (s *PostgresStore) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM taskmq_tasks WHERE chain_id = $1 AND status = $2`,
		chainID, StatusActive,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	return n > 0, nil
}

func (s *PostgresStore) GetChainTasks(ctx context.Context, chainID string) ([]*Task, error) {
	return s.QueryTasks(ctx, TaskFilter{ChainID: chainID, SortBy: SortByCreatedAt})
}

func (s *PostgresStore) GetNextTaskInChain(ctx context.Context, chainID string, index int) (*Task, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM taskmq_tasks
		WHERE chain_id = $1 AND chain_index > $2
		ORDER BY chain_index ASC
		LIMIT 1
	`, chainID, index).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chain %s has no task after index %d: %w", chainID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("chain %s: %v: %w", chainID, err, ErrBackend)
	}
	var task Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return nil, fmt.Errorf("unmarshal chain task: %v: %w", err, ErrBackend)
	}
	return &task, nil
}

// --- Cleanup ---

func (s *PostgresStore) Cleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	defer s.observe("cleanup", time.Now())

	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(policy.Statuses) > 0 {
		placeholders := make([]string, len(policy.Statuses))
		for i, st := range policy.Statuses {
			placeholders[i] = arg(string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if policy.RemoveCompleted {
		clauses = append(clauses, "status = "+arg(string(StatusCompleted)))
	}
	if policy.RemoveFailed {
		clauses = append(clauses, "status = "+arg(string(StatusFailed)))
	}

	var where string
	switch {
	case len(clauses) > 0 && policy.OlderThan > 0:
		where = "(" + strings.Join(clauses, " OR ") + ") AND created_at < " + arg(time.Now().Add(-policy.OlderThan))
	case len(clauses) > 0:
		where = strings.Join(clauses, " OR ")
	case policy.OlderThan > 0:
		where = "created_at < " + arg(time.Now().Add(-policy.OlderThan))
	default:
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM taskmq_tasks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %v: %w", err, ErrBackend)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
