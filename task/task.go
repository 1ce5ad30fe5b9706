// Package task defines the task domain model: the authoritative task row,
// its append-only execution attempt log, and the lifecycle predicates shared
// by every storage backend.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by tasks and execution attempts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is absorbing. A failed task may still
// be re-opened by a retry, but that creates a new attempt rather than
// mutating the terminal transition itself.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority is persisted on tasks. The push-based dispatcher does not act on
// it; the pull-mode get_next_task() SQL helper sorts by it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget assigned when a create request does
// not specify one.
const DefaultMaxRetries = 3

// Task is the authoritative current state of a unit of work.
type Task struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Prompt string    `json:"prompt"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	ScheduledAt  time.Time  `json:"scheduled_at"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	Output       *string `json:"output,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`

	ParentTaskID  *uuid.UUID `json:"parent_task_id,omitempty"`
	ChainPosition *int       `json:"chain_position,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy *string   `json:"created_by,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// RetryBudgetExhausted reports whether another retry would exceed max_retries.
func (t *Task) RetryBudgetExhausted() bool {
	return t.RetryCount >= t.MaxRetries
}

// Execution is one row of the append-only attempt log: a single dispatch of
// a task to the broker.
type Execution struct {
	ID     uuid.UUID `json:"id"`
	TaskID uuid.UUID `json:"task_id"`

	AttemptNumber int    `json:"attempt_number"`
	Status        Status `json:"status"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`

	ModelName        *string `json:"model_name,omitempty"`
	PromptTokens     *int    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int    `json:"completion_tokens,omitempty"`
	TotalTokens      *int    `json:"total_tokens,omitempty"`

	Output       *string `json:"output,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorType    *string `json:"error_type,omitempty"`

	// WorkerID identifies the worker process that ran this attempt.
	// DispatchID is the correlation handle between the broker callback and
	// this attempt; only the latest attempt's dispatch ID is honoured.
	WorkerID   *string `json:"worker_id,omitempty"`
	DispatchID *string `json:"dispatch_id,omitempty"`

	Metadata map[string]any `json:"execution_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Usage carries provider usage metrics recorded on a completed attempt.
// If any token count is set, all three must be >= 0.
type Usage struct {
	ModelName        string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// CreateSpec is the input to Repository.Create.
type CreateSpec struct {
	Name         string
	Prompt       string
	Priority     Priority
	ParentTaskID *uuid.UUID
	CreatedBy    *string
	ExecuteAfter *time.Time
	MaxRetries   *int
	Metadata     map[string]any
}

// ListFilter selects a page of tasks.
type ListFilter struct {
	Limit  int
	Offset int

	// Status, when set, restricts results to one lifecycle state.
	Status *Status

	// Query is a case-insensitive substring match against id, name, prompt,
	// output, and error_message.
	Query string
}

// Related is a task discovered by lineage traversal, tagged with its
// distance from the root task.
type Related struct {
	Task  *Task `json:"task"`
	Depth int   `json:"depth"`
}

// BatchItem pairs a create spec with the service-generated dispatch ID of
// its first attempt. The dispatch ID is chosen before broker submission so
// the queued attempt row exists whenever the broker callback arrives.
type BatchItem struct {
	Spec       CreateSpec
	DispatchID string
}
