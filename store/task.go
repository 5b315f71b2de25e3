package store

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusIdle      TaskStatus = "idle"
	StatusActive    TaskStatus = "active"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskError captures the failure recorded on a task that reached
// StatusFailed.
type TaskError struct {
	Message   string    `json:"message" bson:"message"`
	Stack     string    `json:"stack,omitempty" bson:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Progress is the last reported progress of an in-flight task. Updates
// overwrite the previous value.
type Progress struct {
	Percentage float64         `json:"percentage" bson:"percentage"`
	Data       json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
}

// ChainInfo locates a task inside an ordered chain. Indices form a
// contiguous range [0, Total) and all siblings share the same ID and Total.
type ChainInfo struct {
	ID              string `json:"id" bson:"id"`
	Index           int    `json:"index" bson:"index"`
	Total           int    `json:"total" bson:"total"`
	WaitForPrevious bool   `json:"waitForPrevious,omitempty" bson:"waitForPrevious,omitempty"`
}

// TaskOptions is the persisted subset of the options supplied at creation.
type TaskOptions struct {
	TaskName         string `json:"taskName,omitempty" bson:"taskName,omitempty"`
	RemoveOnComplete bool   `json:"removeOnComplete,omitempty" bson:"removeOnComplete,omitempty"`
	RemoveOnFail     bool   `json:"removeOnFail,omitempty" bson:"removeOnFail,omitempty"`
	Priority         int    `json:"priority,omitempty" bson:"priority,omitempty"`
}

// Task is the central persisted entity. The storage adapter exclusively owns
// the persisted record; the consumer holds a transient in-memory projection
// for the duration of one delivery.
type Task struct {
	ID            string          `json:"id" bson:"_id"`
	QueueName     string          `json:"queueName" bson:"queueName"`
	TaskName      string          `json:"taskName,omitempty" bson:"taskName,omitempty"`
	Data          json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Status        TaskStatus      `json:"status" bson:"status"`
	Attempts      int             `json:"attempts" bson:"attempts"`
	MaxAttempts   int             `json:"maxAttempts" bson:"maxAttempts"`
	CreatedAt     time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt" bson:"updatedAt"`
	ActiveAt      *time.Time      `json:"activeAt,omitempty" bson:"activeAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	FailedAt      *time.Time      `json:"failedAt,omitempty" bson:"failedAt,omitempty"`
	ScheduledFor  *time.Time      `json:"scheduledFor,omitempty" bson:"scheduledFor,omitempty"`
	Result        json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	Error         *TaskError      `json:"error,omitempty" bson:"error,omitempty"`
	Progress      *Progress       `json:"progress,omitempty" bson:"progress,omitempty"`
	Chain         *ChainInfo      `json:"chain,omitempty" bson:"chain,omitempty"`
	UniquenessKey string          `json:"uniquenessKey,omitempty" bson:"uniquenessKey,omitempty"`
	Options       TaskOptions     `json:"options" bson:"options"`
}

// The helpers below mutate in-memory fields and stamp UpdatedAt. Persistence
// is a separate step through the Store; helpers never perform I/O.

// MarkActive transitions the task into StatusActive and stamps ActiveAt on
// the first transition.
func (t *Task) MarkActive() {
	now := time.Now()
	t.Status = StatusActive
	if t.ActiveAt == nil {
		t.ActiveAt = &now
	}
	t.UpdatedAt = now
}

// MarkCompleted records the handler result and transitions into
// StatusCompleted.
func (t *Task) MarkCompleted(result json.RawMessage) {
	now := time.Now()
	t.Status = StatusCompleted
	t.Result = result
	if t.Result == nil {
		t.Result = json.RawMessage("null")
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// MarkFailed records the terminal error and transitions into StatusFailed.
func (t *Task) MarkFailed(err error) {
	now := time.Now()
	t.Status = StatusFailed
	t.Error = &TaskError{Message: err.Error(), Timestamp: now}
	t.FailedAt = &now
	t.UpdatedAt = now
}

// IncrementAttempts consumes one delivery attempt.
func (t *Task) IncrementAttempts() {
	t.Attempts++
	t.UpdatedAt = time.Now()
}

// UpdateProgress overwrites the reported progress. Percentage is clamped to
// [0, 100].
func (t *Task) UpdateProgress(p Progress) {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	t.Progress = &p
	t.UpdatedAt = time.Now()
}

func (t *Task) IsInChain() bool {
	return t.Chain != nil
}

func (t *Task) IsLastInChain() bool {
	return t.Chain != nil && t.Chain.Index == t.Chain.Total-1
}

// NextChainIndex returns the index of the next chain step, or -1 when the
// task is not in a chain or is the last step.
func (t *Task) NextChainIndex() int {
	if t.Chain == nil || t.IsLastInChain() {
		return -1
	}
	return t.Chain.Index + 1
}

func (t *Task) ShouldRemoveOnComplete() bool {
	return t.Options.RemoveOnComplete
}

func (t *Task) ShouldRemoveOnFail() bool {
	return t.Options.RemoveOnFail
}

// Duration returns the elapsed time between creation and the terminal
// transition, or the time spent so far for a non-terminal task.
func (t *Task) Duration() time.Duration {
	switch {
	case t.CompletedAt != nil:
		return t.CompletedAt.Sub(t.CreatedAt)
	case t.FailedAt != nil:
		return t.FailedAt.Sub(t.CreatedAt)
	default:
		return time.Since(t.CreatedAt)
	}
}

// Clone returns a deep copy so callers cannot alias the stored record.
func (t *Task) Clone() *Task {
	c := *t
	c.ActiveAt = copyTime(t.ActiveAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.FailedAt = copyTime(t.FailedAt)
	c.ScheduledFor = copyTime(t.ScheduledFor)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Progress != nil {
		p := *t.Progress
		p.Data = append(json.RawMessage(nil), t.Progress.Data...)
		c.Progress = &p
	}
	if t.Chain != nil {
		ch := *t.Chain
		c.Chain = &ch
	}
	c.Data = append(json.RawMessage(nil), t.Data...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
