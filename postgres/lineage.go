package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/taskorch/taskorch/task"
)

// ListAncestors implements task.Repository: one query per level walking
// parent_task_id upward until null or maxDepth.
func (r *Repository) ListAncestors(ctx context.Context, taskID uuid.UUID, maxDepth int) ([]task.Related, error) {
	current, err := r.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var out []task.Related
	for depth := 1; depth <= maxDepth; depth++ {
		if current.ParentTaskID == nil {
			break
		}
		parent, err := r.GetByID(ctx, *current.ParentTaskID)
		if err != nil {
			if errors.Is(err, task.ErrNotFound) {
				// Parent deleted with SET NULL pending; treat as root.
				break
			}
			return nil, err
		}
		out = append(out, task.Related{Task: parent, Depth: depth})
		current = parent
	}
	return out, nil
}

// ListDescendants implements task.Repository: breadth-first, one query per
// depth level filtering by parent_task_id IN frontier. The depth bound also
// protects traversal against malformed cyclic data.
func (r *Repository) ListDescendants(ctx context.Context, taskID uuid.UUID, maxDepth int) ([]task.Related, error) {
	if _, err := r.GetByID(ctx, taskID); err != nil {
		return nil, err
	}

	var out []task.Related
	seen := map[uuid.UUID]bool{taskID: true}
	frontier := []uuid.UUID{taskID}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		rows, err := r.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE parent_task_id = ANY($1)
			ORDER BY created_at ASC`, frontier)
		if err != nil {
			return nil, fmt.Errorf("list descendants depth %d: %w", depth, err)
		}

		var level []*task.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			level = append(level, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("list descendants depth %d: %w", depth, err)
		}

		frontier = frontier[:0]
		for _, t := range level {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, task.Related{Task: t, Depth: depth})
			frontier = append(frontier, t.ID)
		}
	}
	return out, nil
}

// CreateBatch implements task.Repository: every item's task row and first
// queued attempt are persisted in one transaction, so a failure anywhere
// rolls the whole batch back.
func (r *Repository) CreateBatch(ctx context.Context, items []task.BatchItem) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(items))
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		for i, item := range items {
			t, err := r.insertTask(ctx, tx, item.Spec)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			if err := r.enqueueTx(ctx, tx, t, item.DispatchID, false); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ task.Repository = (*Repository)(nil)
