package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds all engine state in process-local maps. It implements
// the Store interface and is the reference for adapter semantics. All
// atomicity comes from a single mutex, which also serialises rate-limit
// increments on a key so concurrent callers cannot overshoot the window.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	unique map[string]uniquenessLock
	rates  map[string]*rateWindow
}

type uniquenessLock struct {
	taskID    string
	expiresAt time.Time
}

type rateWindow struct {
	count     int64
	resetTime time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		unique: make(map[string]uniquenessLock),
		rates:  make(map[string]*rateWindow),
	}
}

// --- Task Operations ---

func (s *MemoryStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task id is required: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, patch *TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	patch.Apply(t, status)
	return nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

func (s *MemoryStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	matched := make([]*Task, 0)
	for _, t := range s.tasks {
		if filter.Matches(t) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.RUnlock()

	sortTasks(matched, filter)
	return paginate(matched, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, t := range s.tasks {
		if filter.Matches(t) {
			count++
		}
	}
	return count, nil
}

// sortTasks orders tasks per the filter. Ties break on ID so ordering within
// a sort is stable across calls.
func sortTasks(tasks []*Task, filter TaskFilter) {
	if filter.SortBy == "" {
		return
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		var a, b time.Time
		switch filter.SortBy {
		case SortByUpdatedAt:
			a, b = tasks[i].UpdatedAt, tasks[j].UpdatedAt
		default:
			a, b = tasks[i].CreatedAt, tasks[j].CreatedAt
		}
		if a.Equal(b) {
			return tasks[i].ID < tasks[j].ID
		}
		if filter.SortDesc {
			return a.After(b)
		}
		return a.Before(b)
	})
}

func paginate(tasks []*Task, offset, limit int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return []*Task{}
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

// --- Uniqueness Operations ---

func (s *MemoryStore) IsUniquenessKeyActive(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.unique[key]
	return ok && time.Now().Before(lock.expiresAt), nil
}

func (s *MemoryStore) SetUniquenessKeyActive(ctx context.Context, key string, taskID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if lock, ok := s.unique[key]; ok && now.Before(lock.expiresAt) {
		return false, nil
	}
	s.unique[key] = uniquenessLock{taskID: taskID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RemoveUniquenessKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unique, key)
	return nil
}

// --- Rate-Limit Operations ---

func (s *MemoryStore) IncrementRateLimit(ctx context.Context, key string, window time.Duration, maxRequests int) (*RateLimitResult, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %w", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.rates[key]
	if !ok || !now.Before(w.resetTime) {
		// Window creation fixes the reset time; later increments never
		// extend it.
		w = &rateWindow{resetTime: now.Add(window)}
		s.rates[key] = w
	}
	w.count++
	return &RateLimitResult{
		Allowed:   w.count <= int64(maxRequests),
		Count:     w.count,
		ResetTime: w.resetTime,
	}, nil
}

func (s *MemoryStore) GetRateLimit(ctx context.Context, key string) (*RateLimitResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.rates[key]
	if !ok || !time.Now().Before(w.resetTime) {
		return nil, fmt.Errorf("rate limit %s: %w", key, ErrNotFound)
	}
	return &RateLimitResult{Count: w.count, ResetTime: w.resetTime}, nil
}

func (s *MemoryStore) DeleteRateLimit(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rates, key)
	return nil
}

// --- Chain Operations ---

func (s *MemoryStore) HasActiveTaskInChain(ctx context.Context, chainID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.Chain != nil && t.Chain.ID == chainID && t.Status == StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetChainTasks(ctx context.Context, chainID string) ([]*Task, error) {
	s.mu.RLock()
	result := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.Chain != nil && t.Chain.ID == chainID {
			result = append(result, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Chain.Index < result[j].Chain.Index
	})
	return result, nil
}

func (s *MemoryStore) GetNextTaskInChain(ctx context.Context, chainID string, index int) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next *Task
	for _, t := range s.tasks {
		if t.Chain == nil || t.Chain.ID != chainID || t.Chain.Index <= index {
			continue
		}
		if next == nil || t.Chain.Index < next.Chain.Index {
			next = t
		}
	}
	if next == nil {
		return nil, fmt.Errorf("chain %s has no task after index %d: %w", chainID, index, ErrNotFound)
	}
	return next.Clone(), nil
}

// --- Cleanup ---

func (s *MemoryStore) Cleanup(ctx context.Context, policy CleanupPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	deleted := 0
	for id, t := range s.tasks {
		if policy.Matches(t, now) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
