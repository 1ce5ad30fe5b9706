package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskorch/taskorch/task"
)

// latestExecutionTx reads the latest attempt inside the locked transaction
// so the latest-dispatch guard observes a consistent snapshot.
func (r *Repository) latestExecutionTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*task.Execution, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+execColumns+`
		FROM task_executions
		WHERE task_id = $1
		ORDER BY attempt_number DESC, created_at DESC
		LIMIT 1`, taskID)
	return scanExecution(row)
}

// writeTaskState persists the mutable task columns after a lifecycle
// transition.
func (r *Repository) writeTaskState(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $2, started_at = $3, completed_at = $4, output = $5,
			error_message = $6, retry_count = $7, updated_at = $8
		WHERE id = $1`,
		t.ID, string(t.Status), t.StartedAt, t.CompletedAt, t.Output,
		t.ErrorMessage, t.RetryCount, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// writeExecutionState persists the mutable attempt columns.
func (r *Repository) writeExecutionState(ctx context.Context, tx pgx.Tx, e *task.Execution) error {
	_, err := tx.Exec(ctx, `
		UPDATE task_executions
		SET status = $2, started_at = $3, completed_at = $4, duration_ms = $5,
			model_name = $6, prompt_tokens = $7, completion_tokens = $8,
			total_tokens = $9, output = $10, error_message = $11,
			error_type = $12, worker_id = $13
		WHERE id = $1`,
		e.ID, string(e.Status), e.StartedAt, e.CompletedAt, e.DurationMs,
		e.ModelName, e.PromptTokens, e.CompletionTokens, e.TotalTokens,
		e.Output, e.ErrorMessage, e.ErrorType, e.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}

// enqueueTx appends a queued attempt for an already-locked task.
func (r *Repository) enqueueTx(ctx context.Context, tx pgx.Tx, t *task.Task, dispatchID string, incrementRetry bool) error {
	var lastAttempt int
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM task_executions WHERE task_id = $1`,
		t.ID,
	).Scan(&lastAttempt)
	if err != nil {
		return fmt.Errorf("max attempt for %s: %w", t.ID, err)
	}

	now := r.now()
	attempt := task.ApplyEnqueue(t, lastAttempt, incrementRetry, now)

	if err := r.writeTaskState(ctx, tx, t); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO task_executions (task_id, attempt_number, status, queued_at, dispatch_id)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, attempt, string(task.StatusQueued), now, dispatchID,
	)
	if err != nil {
		return fmt.Errorf("insert execution for %s: %w", t.ID, err)
	}
	return nil
}

// EnqueueExecution implements task.Repository.
func (r *Repository) EnqueueExecution(ctx context.Context, taskID uuid.UUID, dispatchID string, incrementRetry bool) (*task.Task, error) {
	var out *task.Task
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		t, err := r.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := r.enqueueTx(ctx, tx, t, dispatchID, incrementRetry); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// markOutcome is what a transition closure reports back so the transaction
// writes only the rows that actually changed.
type transition func(t *task.Task, latest *task.Execution) task.MarkOutcome

// applyTransition runs the lock → guard → apply → write sequence shared by
// every worker-driven mark operation.
func (r *Repository) applyTransition(ctx context.Context, taskID uuid.UUID, name string, fn transition) (*task.Task, error) {
	var out *task.Task
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		t, err := r.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		latest, err := r.latestExecutionTx(ctx, tx, taskID)
		if err != nil {
			if errors.Is(err, task.ErrNoExecutions) {
				// A task with no attempts has nothing to transition.
				out = t
				return nil
			}
			return err
		}

		switch fn(t, latest) {
		case task.OutcomeApplied:
			if err := r.writeTaskState(ctx, tx, t); err != nil {
				return err
			}
			if err := r.writeExecutionState(ctx, tx, latest); err != nil {
				return err
			}
		case task.OutcomeAttemptOnly:
			if err := r.writeExecutionState(ctx, tx, latest); err != nil {
				return err
			}
		case task.OutcomeNoop:
			r.logger.Debug("Transition skipped",
				"op", name,
				"task_id", taskID,
				"status", t.Status)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRunning implements task.Repository.
func (r *Repository) MarkRunning(ctx context.Context, taskID uuid.UUID, dispatchID, workerID string) (*task.Task, error) {
	now := r.now()
	return r.applyTransition(ctx, taskID, "mark_running", func(t *task.Task, latest *task.Execution) task.MarkOutcome {
		return task.ApplyMarkRunning(t, latest, dispatchID, workerID, now)
	})
}

// MarkCompleted implements task.Repository.
func (r *Repository) MarkCompleted(ctx context.Context, taskID uuid.UUID, dispatchID, output string, usage task.Usage) (*task.Task, error) {
	now := r.now()
	return r.applyTransition(ctx, taskID, "mark_completed", func(t *task.Task, latest *task.Execution) task.MarkOutcome {
		return task.ApplyMarkCompleted(t, latest, dispatchID, output, usage, now)
	})
}

// MarkFailed implements task.Repository.
func (r *Repository) MarkFailed(ctx context.Context, taskID uuid.UUID, dispatchID, errMessage, errType string) (*task.Task, error) {
	now := r.now()
	return r.applyTransition(ctx, taskID, "mark_failed", func(t *task.Task, latest *task.Execution) task.MarkOutcome {
		return task.ApplyMarkFailed(t, latest, dispatchID, errMessage, errType, now)
	})
}

// MarkCancelled implements task.Repository. Unlike the worker-driven marks
// this bypasses the latest-dispatch guard: cancellation is a user-initiated
// force transition.
func (r *Repository) MarkCancelled(ctx context.Context, taskID uuid.UUID, reason string) (*task.Task, error) {
	now := r.now()
	var out *task.Task
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		t, err := r.lockTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		latest, err := r.latestExecutionTx(ctx, tx, taskID)
		if err != nil && !errors.Is(err, task.ErrNoExecutions) {
			return err
		}

		if task.ApplyMarkCancelled(t, latest, reason, now) {
			if err := r.writeTaskState(ctx, tx, t); err != nil {
				return err
			}
			if latest != nil && latest.Status == task.StatusCancelled {
				if err := r.writeExecutionState(ctx, tx, latest); err != nil {
					return err
				}
			}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestExecution implements task.Repository.
func (r *Repository) LatestExecution(ctx context.Context, taskID uuid.UUID) (*task.Execution, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+execColumns+`
		FROM task_executions
		WHERE task_id = $1
		ORDER BY attempt_number DESC, created_at DESC
		LIMIT 1`, taskID)
	return scanExecution(row)
}

// ListExecutions implements task.Repository.
func (r *Repository) ListExecutions(ctx context.Context, taskID uuid.UUID) ([]*task.Execution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+execColumns+`
		FROM task_executions
		WHERE task_id = $1
		ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*task.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
