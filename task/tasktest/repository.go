// Package tasktest provides an in-memory task.Repository for tests. It
// reuses the shared lifecycle transition library so its semantics match the
// Postgres repository's commit points.
package tasktest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/taskorch/task"
)

// Repository is a mutex-guarded in-memory implementation of task.Repository.
// The zero value is not usable; call NewRepository.
type Repository struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task
	execs map[uuid.UUID][]*task.Execution

	// Now is the clock used for timestamps; tests may pin it.
	Now func() time.Time
}

// NewRepository returns an empty in-memory repository.
func NewRepository() *Repository {
	return &Repository{
		tasks: make(map[uuid.UUID]*task.Task),
		execs: make(map[uuid.UUID][]*task.Execution),
		Now:   time.Now,
	}
}

func cloneTask(t *task.Task) *task.Task {
	c := *t
	return &c
}

func cloneExec(e *task.Execution) *task.Execution {
	c := *e
	return &c
}

func (r *Repository) createLocked(spec task.CreateSpec) *task.Task {
	now := r.Now()
	priority := spec.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}
	maxRetries := task.DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	t := &task.Task{
		ID:           uuid.New(),
		Name:         spec.Name,
		Prompt:       spec.Prompt,
		Status:       task.StatusPending,
		Priority:     priority,
		ScheduledAt:  now,
		ExecuteAfter: spec.ExecuteAfter,
		MaxRetries:   maxRetries,
		ParentTaskID: spec.ParentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    spec.CreatedBy,
		Metadata:     spec.Metadata,
	}
	r.tasks[t.ID] = t
	return t
}

// Create implements task.Repository.
func (r *Repository) Create(_ context.Context, spec task.CreateSpec) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTask(r.createLocked(spec)), nil
}

// GetByID implements task.Repository.
func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return cloneTask(t), nil
}

func matchesQuery(t *task.Task, query string) bool {
	q := strings.ToLower(query)
	fields := []string{t.ID.String(), t.Name, t.Prompt}
	if t.Output != nil {
		fields = append(fields, *t.Output)
	}
	if t.ErrorMessage != nil {
		fields = append(fields, *t.ErrorMessage)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// List implements task.Repository.
func (r *Repository) List(_ context.Context, f task.ListFilter) ([]*task.Task, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Query != "" && !matchesQuery(t, f.Query) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*task.Task, len(matched))
	for i, t := range matched {
		out[i] = cloneTask(t)
	}
	return out, total, nil
}

func (r *Repository) enqueueLocked(t *task.Task, dispatchID string, incrementRetry bool) *task.Execution {
	now := r.Now()
	last := 0
	if execs := r.execs[t.ID]; len(execs) > 0 {
		last = execs[len(execs)-1].AttemptNumber
	}
	attempt := task.ApplyEnqueue(t, last, incrementRetry, now)

	dispatch := dispatchID
	e := &task.Execution{
		ID:            uuid.New(),
		TaskID:        t.ID,
		AttemptNumber: attempt,
		Status:        task.StatusQueued,
		QueuedAt:      now,
		DispatchID:    &dispatch,
		CreatedAt:     now,
	}
	r.execs[t.ID] = append(r.execs[t.ID], e)
	return e
}

// EnqueueExecution implements task.Repository.
func (r *Repository) EnqueueExecution(_ context.Context, taskID uuid.UUID, dispatchID string, incrementRetry bool) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	r.enqueueLocked(t, dispatchID, incrementRetry)
	return cloneTask(t), nil
}

func (r *Repository) latestLocked(taskID uuid.UUID) *task.Execution {
	execs := r.execs[taskID]
	if len(execs) == 0 {
		return nil
	}
	return execs[len(execs)-1]
}

// MarkRunning implements task.Repository.
func (r *Repository) MarkRunning(_ context.Context, taskID uuid.UUID, dispatchID, workerID string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	task.ApplyMarkRunning(t, r.latestLocked(taskID), dispatchID, workerID, r.Now())
	return cloneTask(t), nil
}

// MarkCompleted implements task.Repository.
func (r *Repository) MarkCompleted(_ context.Context, taskID uuid.UUID, dispatchID, output string, usage task.Usage) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	task.ApplyMarkCompleted(t, r.latestLocked(taskID), dispatchID, output, usage, r.Now())
	return cloneTask(t), nil
}

// MarkFailed implements task.Repository.
func (r *Repository) MarkFailed(_ context.Context, taskID uuid.UUID, dispatchID, errMessage, errType string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	task.ApplyMarkFailed(t, r.latestLocked(taskID), dispatchID, errMessage, errType, r.Now())
	return cloneTask(t), nil
}

// MarkCancelled implements task.Repository.
func (r *Repository) MarkCancelled(_ context.Context, taskID uuid.UUID, reason string) (*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	task.ApplyMarkCancelled(t, r.latestLocked(taskID), reason, r.Now())
	return cloneTask(t), nil
}

// LatestExecution implements task.Repository.
func (r *Repository) LatestExecution(_ context.Context, taskID uuid.UUID) (*task.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil, task.ErrNotFound
	}
	latest := r.latestLocked(taskID)
	if latest == nil {
		return nil, task.ErrNoExecutions
	}
	return cloneExec(latest), nil
}

// ListExecutions implements task.Repository.
func (r *Repository) ListExecutions(_ context.Context, taskID uuid.UUID) ([]*task.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		return nil, task.ErrNotFound
	}
	execs := r.execs[taskID]
	out := make([]*task.Execution, len(execs))
	for i, e := range execs {
		out[i] = cloneExec(e)
	}
	return out, nil
}

// ListAncestors implements task.Repository.
func (r *Repository) ListAncestors(_ context.Context, taskID uuid.UUID, maxDepth int) ([]task.Related, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}

	var out []task.Related
	for depth := 1; depth <= maxDepth; depth++ {
		if current.ParentTaskID == nil {
			break
		}
		parent, ok := r.tasks[*current.ParentTaskID]
		if !ok {
			break
		}
		out = append(out, task.Related{Task: cloneTask(parent), Depth: depth})
		current = parent
	}
	return out, nil
}

// ListDescendants implements task.Repository.
func (r *Repository) ListDescendants(_ context.Context, taskID uuid.UUID, maxDepth int) ([]task.Related, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, task.ErrNotFound
	}

	var out []task.Related
	frontier := map[uuid.UUID]bool{taskID: true}
	seen := map[uuid.UUID]bool{taskID: true}
	for depth := 1; depth <= maxDepth; depth++ {
		next := make(map[uuid.UUID]bool)
		var level []*task.Task
		for _, t := range r.tasks {
			if t.ParentTaskID == nil || !frontier[*t.ParentTaskID] || seen[t.ID] {
				continue
			}
			level = append(level, t)
			next[t.ID] = true
			seen[t.ID] = true
		}
		if len(level) == 0 {
			break
		}
		sort.Slice(level, func(i, j int) bool {
			return level[i].CreatedAt.Before(level[j].CreatedAt)
		})
		for _, t := range level {
			out = append(out, task.Related{Task: cloneTask(t), Depth: depth})
		}
		frontier = next
	}
	return out, nil
}

// ListExistingIDs implements task.Repository.
func (r *Repository) ListExistingIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if _, ok := r.tasks[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// CreateBatch implements task.Repository. All-or-nothing: a validation
// failure mid-batch leaves no rows behind.
func (r *Repository) CreateBatch(_ context.Context, items []task.BatchItem) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := make([]uuid.UUID, 0, len(items))
	rollback := func() {
		for _, id := range created {
			delete(r.tasks, id)
			delete(r.execs, id)
		}
	}

	out := make([]*task.Task, 0, len(items))
	for i, item := range items {
		if item.Spec.ParentTaskID != nil {
			if _, ok := r.tasks[*item.Spec.ParentTaskID]; !ok {
				rollback()
				return nil, fmt.Errorf("batch item %d: parent %s: %w", i, item.Spec.ParentTaskID, task.ErrNotFound)
			}
		}
		t := r.createLocked(item.Spec)
		created = append(created, t.ID)
		r.enqueueLocked(t, item.DispatchID, false)
		out = append(out, cloneTask(t))
	}
	return out, nil
}

var _ task.Repository = (*Repository)(nil)
