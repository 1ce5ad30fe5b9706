package task

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Common repository errors.
var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNoExecutions is returned when a task has no attempt rows.
	ErrNoExecutions = errors.New("task has no executions")
)

// Repository is the transactional persistence contract consumed by the
// orchestrator. Every method runs in its own transaction and commits before
// returning; state transitions serialize concurrent callbacks per task by
// taking a row-level exclusive lock on the task row.
type Repository interface {
	// Create inserts one task in pending state and returns it with its
	// server-assigned ID and timestamps.
	Create(ctx context.Context, spec CreateSpec) (*Task, error)

	// GetByID returns the task or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Task, error)

	// List returns a page of tasks ordered by created_at descending, plus
	// the total count matching the filter.
	List(ctx context.Context, f ListFilter) ([]*Task, int, error)

	// EnqueueExecution appends a new queued attempt in one transaction:
	// attempt_number = max+1, task reset to queued with started_at,
	// completed_at, output and error_message cleared. incrementRetry also
	// bumps retry_count.
	EnqueueExecution(ctx context.Context, taskID uuid.UUID, dispatchID string, incrementRetry bool) (*Task, error)

	// MarkRunning records that a worker picked up the attempt identified by
	// dispatchID. A no-op when the task is terminal or the dispatch ID is
	// not the latest attempt's.
	MarkRunning(ctx context.Context, taskID uuid.UUID, dispatchID, workerID string) (*Task, error)

	// MarkCompleted records a successful attempt with output and usage
	// metrics. Guarded like MarkRunning; when the task was cancelled
	// mid-flight only the attempt row is closed out.
	MarkCompleted(ctx context.Context, taskID uuid.UUID, dispatchID, output string, usage Usage) (*Task, error)

	// MarkFailed is the failure mirror of MarkCompleted.
	MarkFailed(ctx context.Context, taskID uuid.UUID, dispatchID, errMessage, errType string) (*Task, error)

	// MarkCancelled force-transitions the task to cancelled regardless of
	// which attempt is in flight, mirroring a non-terminal latest attempt
	// to cancelled as well.
	MarkCancelled(ctx context.Context, taskID uuid.UUID, reason string) (*Task, error)

	// LatestExecution returns the attempt with the greatest attempt_number,
	// or ErrNoExecutions.
	LatestExecution(ctx context.Context, taskID uuid.UUID) (*Execution, error)

	// ListExecutions returns all attempts for a task in ascending attempt
	// order.
	ListExecutions(ctx context.Context, taskID uuid.UUID) ([]*Execution, error)

	// ListAncestors walks parent_task_id upward until null or maxDepth,
	// returning tasks tagged with depth 1..k.
	ListAncestors(ctx context.Context, taskID uuid.UUID, maxDepth int) ([]Related, error)

	// ListDescendants walks children breadth-first to maxDepth.
	ListDescendants(ctx context.Context, taskID uuid.UUID, maxDepth int) ([]Related, error)

	// ListExistingIDs returns the subset of ids that exist.
	ListExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)

	// CreateBatch persists every item, each a pending task plus its first
	// queued attempt, in a single transaction. Any failure rolls the whole
	// batch back.
	CreateBatch(ctx context.Context, items []BatchItem) ([]*Task, error)
}
