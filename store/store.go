package store

import (
	"context"
	"time"
)

// Store is the synchronisation boundary of the engine. Every operation must
// behave atomically with respect to concurrent callers across multiple
// processes sharing the same backing store. It abstracts over the in-memory,
// Redis, Mongo and Postgres adapters.
type Store interface {
	// Task operations
	SaveTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTaskStatus merges patch over the existing record, sets the new
	// status and stamps UpdatedAt. Read-modify-write ordering is the
	// caller's job; the adapter does not CAS.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch *TaskPatch) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)

	// Uniqueness operations
	IsUniquenessKeyActive(ctx context.Context, key string) (bool, error)
	// SetUniquenessKeyActive is an atomic test-and-set. It returns false
	// when another live lock exists. Locks expire at now+ttl and expired
	// locks are ignored or cleaned.
	SetUniquenessKeyActive(ctx context.Context, key string, taskID string, ttl time.Duration) (bool, error)
	RemoveUniquenessKey(ctx context.Context, key string) error

	// Rate-limit operations. IncrementRateLimit is atomic: the returned
	// count reflects the counter after the increment, and the window's
	// ResetTime is fixed at window creation.
	IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error)
	GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error)
	DeleteRateLimit(ctx context.Context, key string) error

	// Chain operations
	HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error)
	GetChainTasks(ctx context.Context, chainID string) ([]*Task, error)
	GetNextTaskInChain(ctx context.Context, chainID string, index int) (*Task, error)

	// Cleanup bulk-deletes tasks matching the policy and returns the exact
	// deletion count.
	Cleanup(ctx context.Context, policy CleanupPolicy) (int, error)

	Close(ctx context.Context) error
}

// TaskPatch carries the fields merged over a task record by
// UpdateTaskStatus. Nil fields are left untouched.
type TaskPatch struct {
	Attempts    *int
	Result      []byte
	Error       *TaskError
	Progress    *Progress
	ActiveAt    *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Apply merges the patch into the task and stamps the new status and
// UpdatedAt. Shared by adapters so merge semantics stay consistent.
func (p *TaskPatch) Apply(t *Task, status TaskStatus) {
	t.Status = status
	t.UpdatedAt = time.Now()
	if p == nil {
		return
	}
	if p.Attempts != nil {
		t.Attempts = *p.Attempts
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.Error != nil {
		t.Error = p.Error
	}
	if p.Progress != nil {
		t.Progress = p.Progress
	}
	if p.ActiveAt != nil {
		t.ActiveAt = p.ActiveAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.FailedAt != nil {
		t.FailedAt = p.FailedAt
	}
}

// TaskFilter selects tasks for QueryTasks and CountTasks. Zero values mean
// "no constraint". Ordering within a sort is stable; with no sort the order
// is unspecified.
type TaskFilter struct {
	Statuses      []TaskStatus
	QueueName     string
	ChainID       string
	UniquenessKey string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	SortBy        SortField
	SortDesc      bool
	Limit         int
	Offset        int
}

// SortField names a sortable task attribute.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

// Matches reports whether the task satisfies every constraint of the filter
// (ignoring sort and pagination). Adapters that filter application-side share
// this so query semantics stay identical across backends.
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.QueueName != "" && t.QueueName != f.QueueName {
		return false
	}
	if f.ChainID != "" && (t.Chain == nil || t.Chain.ID != f.ChainID) {
		return false
	}
	if f.UniquenessKey != "" && t.UniquenessKey != f.UniquenessKey {
		return false
	}
	if f.CreatedAfter != nil && t.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// RateLimitResult reports the state of a fixed rate-limit window after an
// increment (or a read).
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Count     int64     `json:"count"`
	ResetTime time.Time `json:"resetTime"`
}

// CleanupPolicy selects tasks for bulk deletion. A task is deleted iff any
// enabled clause matches and the age gate, when set, is satisfied. When no
// clause is enabled but OlderThan is set, any task older than OlderThan is
// deleted.
type CleanupPolicy struct {
	OlderThan       time.Duration
	Statuses        []TaskStatus
	RemoveCompleted bool
	RemoveFailed    bool
}

// Matches evaluates the policy against a task at the given instant. Shared
// by adapters so cleanup semantics stay consistent.
func (p CleanupPolicy) Matches(t *Task, now time.Time) bool {
	ageOK := p.OlderThan <= 0 || now.Sub(t.CreatedAt) > p.OlderThan
	hasClause := len(p.Statuses) > 0 || p.RemoveCompleted || p.RemoveFailed
	if !hasClause {
		return p.OlderThan > 0 && ageOK
	}
	match := false
	for _, s := range p.Statuses {
		if t.Status == s {
			match = true
			break
		}
	}
	if p.RemoveCompleted && t.Status == StatusCompleted {
		match = true
	}
	if p.RemoveFailed && t.Status == StatusFailed {
		match = true
	}
	return match && ageOK
}
