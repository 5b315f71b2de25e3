package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTask(id, queue string, status TaskStatus) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		QueueName:   queue,
		Status:      status,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
		Data:        json.RawMessage(`{}`),
	}
}

func TestMemorySaveGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := newTask("t1", "q", StatusIdle)
	task.Chain = &ChainInfo{ID: "c1", Index: 0, Total: 1}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ID != "t1" || got.QueueName != "q" || got.Chain.ID != "c1" {
		t.Errorf("Round trip lost fields: %+v", got)
	}

	// The returned task must not alias the stored record.
	got.QueueName = "mutated"
	again, _ := s.GetTask(ctx, "t1")
	if again.QueueName != "q" {
		t.Error("GetTask returned an aliased record")
	}
}

func TestMemoryGetTaskNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemorySaveTaskRequiresID(t *testing.T) {
	s := NewMemoryStore()
	err := s.SaveTask(context.Background(), &Task{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestMemoryUpdateTaskStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveTask(ctx, newTask("t1", "q", StatusIdle))

	before, _ := s.GetTask(ctx, "t1")
	time.Sleep(time.Millisecond)

	attempts := 1
	now := time.Now()
	err := s.UpdateTaskStatus(ctx, "t1", StatusActive, &TaskPatch{Attempts: &attempts, ActiveAt: &now})
	if err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}

	got, _ := s.GetTask(ctx, "t1")
	if got.Status != StatusActive || got.Attempts != 1 || got.ActiveAt == nil {
		t.Errorf("Patch not applied: %+v", got)
	}
	if !got.UpdatedAt.After(before.UpdatedAt) {
		t.Error("UpdatedAt must advance on status update")
	}

	if err := s.UpdateTaskStatus(ctx, "absent", StatusActive, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for absent task, got %v", err)
	}
}

func TestMemoryDeleteTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SaveTask(ctx, newTask("t1", "q", StatusIdle))

	deleted, err := s.DeleteTask(ctx, "t1")
	if err != nil || !deleted {
		t.Fatalf("Expected delete to succeed, got %v %v", deleted, err)
	}
	deleted, err = s.DeleteTask(ctx, "t1")
	if err != nil || deleted {
		t.Errorf("Second delete must report false, got %v %v", deleted, err)
	}
}

func TestMemoryQueryTasks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		task := newTask(fmt.Sprintf("t%d", i), "q", StatusIdle)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i >= 3 {
			task.Status = StatusCompleted
		}
		s.SaveTask(ctx, task)
	}
	s.SaveTask(ctx, newTask("other", "q2", StatusIdle))

	got, err := s.QueryTasks(ctx, TaskFilter{QueueName: "q", Statuses: []TaskStatus{StatusIdle}})
	if err != nil {
		t.Fatalf("QueryTasks failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 idle tasks in q, got %d", len(got))
	}

	// Sorted descending with pagination.
	got, _ = s.QueryTasks(ctx, TaskFilter{QueueName: "q", SortBy: SortByCreatedAt, SortDesc: true, Limit: 2, Offset: 1})
	if len(got) != 2 || got[0].ID != "t3" || got[1].ID != "t2" {
		ids := make([]string, len(got))
		for i, task := range got {
			ids[i] = task.ID
		}
		t.Errorf("Expected [t3 t2], got %v", ids)
	}

	count, _ := s.CountTasks(ctx, TaskFilter{QueueName: "q"})
	if count != 5 {
		t.Errorf("Expected count 5, got %d", count)
	}

	cutoff := base.Add(2500 * time.Millisecond)
	count, _ = s.CountTasks(ctx, TaskFilter{QueueName: "q", CreatedBefore: &cutoff})
	if count != 3 {
		t.Errorf("Expected 3 tasks before cutoff, got %d", count)
	}
}

func TestMemoryUniquenessLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	acquired, err := s.SetUniquenessKeyActive(ctx, "k", "t1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("First acquire must succeed, got %v %v", acquired, err)
	}
	acquired, _ = s.SetUniquenessKeyActive(ctx, "k", "t2", time.Minute)
	if acquired {
		t.Error("Second acquire on a live lock must fail")
	}

	active, _ := s.IsUniquenessKeyActive(ctx, "k")
	if !active {
		t.Error("Lock should be active")
	}

	if err := s.RemoveUniquenessKey(ctx, "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	acquired, _ = s.SetUniquenessKeyActive(ctx, "k", "t3", time.Minute)
	if !acquired {
		t.Error("Acquire after release must succeed")
	}
}

func TestMemoryUniquenessLockExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SetUniquenessKeyActive(ctx, "k", "t1", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	active, _ := s.IsUniquenessKeyActive(ctx, "k")
	if active {
		t.Error("Expired lock must not be active")
	}
	acquired, _ := s.SetUniquenessKeyActive(ctx, "k", "t2", time.Minute)
	if !acquired {
		t.Error("Acquire over an expired lock must succeed")
	}
}

func TestMemoryRateLimitWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var resetTime time.Time
	for i := 1; i <= 5; i++ {
		res, err := s.IncrementRateLimit(ctx, "k", 200*time.Millisecond, 3)
		if err != nil {
			t.Fatalf("IncrementRateLimit failed: %v", err)
		}
		if res.Count != int64(i) {
			t.Errorf("Call %d: expected count %d, got %d", i, i, res.Count)
		}
		if got := res.Allowed; got != (i <= 3) {
			t.Errorf("Call %d: expected allowed=%v", i, i <= 3)
		}
		if i == 1 {
			resetTime = res.ResetTime
		} else if !res.ResetTime.Equal(resetTime) {
			// The window's reset time is fixed at creation.
			t.Errorf("Call %d extended the window: %v -> %v", i, resetTime, res.ResetTime)
		}
	}

	// New window after expiry restarts the counter.
	time.Sleep(250 * time.Millisecond)
	res, _ := s.IncrementRateLimit(ctx, "k", 200*time.Millisecond, 3)
	if res.Count != 1 || !res.Allowed {
		t.Errorf("Expected fresh window with count 1, got %+v", res)
	}
	if !res.ResetTime.After(resetTime) {
		t.Error("Fresh window must have a later reset time")
	}
}

func TestMemoryRateLimitConcurrentNoOvershoot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const callers = 20
	const max = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.IncrementRateLimit(ctx, "k", time.Minute, max)
			if err != nil {
				t.Errorf("IncrementRateLimit failed: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != max {
		t.Errorf("Expected exactly %d allowed calls, got %d", max, allowed)
	}
}

func TestMemoryGetRateLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetRateLimit(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound without a window, got %v", err)
	}

	s.IncrementRateLimit(ctx, "k", time.Minute, 3)
	res, err := s.GetRateLimit(ctx, "k")
	if err != nil || res.Count != 1 {
		t.Errorf("Expected live window with count 1, got %+v %v", res, err)
	}

	s.DeleteRateLimit(ctx, "k")
	if _, err := s.GetRateLimit(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryChainOperations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := newTask(fmt.Sprintf("t%d", i), "q", StatusIdle)
		task.Chain = &ChainInfo{ID: "c1", Index: i, Total: 3}
		s.SaveTask(ctx, task)
	}

	tasks, err := s.GetChainTasks(ctx, "c1")
	if err != nil || len(tasks) != 3 {
		t.Fatalf("Expected 3 chain tasks, got %d %v", len(tasks), err)
	}
	for i, task := range tasks {
		if task.Chain.Index != i {
			t.Errorf("Chain tasks out of order at %d: %+v", i, task.Chain)
		}
	}

	next, err := s.GetNextTaskInChain(ctx, "c1", 0)
	if err != nil || next.Chain.Index != 1 {
		t.Errorf("Expected next index 1, got %+v %v", next, err)
	}
	if _, err := s.GetNextTaskInChain(ctx, "c1", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound past the last step, got %v", err)
	}

	active, _ := s.HasActiveTaskInChain(ctx, "c1")
	if active {
		t.Error("No chain task is active yet")
	}
	s.UpdateTaskStatus(ctx, "t1", StatusActive, nil)
	active, _ = s.HasActiveTaskInChain(ctx, "c1")
	if !active {
		t.Error("Chain should report an active task")
	}
}

func TestMemoryCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	completed := newTask("done", "q", StatusCompleted)
	completed.CreatedAt = time.Now().Add(-time.Hour)
	s.SaveTask(ctx, completed)
	s.SaveTask(ctx, newTask("idle", "q", StatusIdle))
	failed := newTask("failed", "q", StatusFailed)
	failed.CreatedAt = time.Now().Add(-time.Hour)
	s.SaveTask(ctx, failed)

	n, err := s.Cleanup(ctx, CleanupPolicy{Statuses: []TaskStatus{StatusCompleted, StatusFailed}})
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 deletions, got %d %v", n, err)
	}

	count, _ := s.CountTasks(ctx, TaskFilter{Statuses: []TaskStatus{StatusCompleted}})
	if count != 0 {
		t.Errorf("Expected no completed tasks after cleanup, got %d", count)
	}
	count, _ = s.CountTasks(ctx, TaskFilter{})
	if count != 1 {
		t.Errorf("Expected the idle task to survive, got %d", count)
	}
}
