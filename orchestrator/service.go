// Package orchestrator is the policy layer of the task engine: lifecycle
// transitions, retry eligibility, cancellation, batch creation, template
// rendering, and lineage traversal. Storage and broker access go through
// the task.Repository and dispatch.Dispatcher interfaces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/taskorch/dispatch"
	"github.com/taskorch/taskorch/task"
	"github.com/taskorch/taskorch/template"
)

// CancelReason is the error message written to a task cancelled through
// CancelTask.
const CancelReason = "Task cancelled by user request"

// ErrorTypeEnqueue is recorded on an attempt whose broker submission failed.
const ErrorTypeEnqueue = "EnqueueError"

// Request validation bounds.
const (
	MaxNameLength = 255
	MaxBatchSize  = 50

	MinListLimit     = 1
	MaxListLimit     = 200
	DefaultListLimit = 50

	MinLineageDepth     = 1
	MaxLineageDepth     = 20
	DefaultLineageDepth = 10
)

// immediateWindow is how close in the future execute_after may be before it
// is treated as "run now" and dropped.
const immediateWindow = time.Second

// Service coordinates the task lifecycle across storage and the broker.
type Service struct {
	repo       task.Repository
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the clock; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the policy layer over a repository and a dispatcher.
func NewService(repo task.Repository, dispatcher dispatch.Dispatcher, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTaskRequest is the input to CreateTask.
type CreateTaskRequest struct {
	Name         string
	Prompt       string
	Priority     task.Priority
	ParentTaskID *uuid.UUID
	CreatedBy    *string
	ExecuteAfter *time.Time
	MaxRetries   *int
	Metadata     map[string]any
}

func (req *CreateTaskRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(req.Name) > MaxNameLength {
		return fmt.Errorf("%w: name must be at most %d characters", ErrValidation, MaxNameLength)
	}
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	return nil
}

// normalizeExecuteAfter converts execute_after to UTC and drops it when it
// is not meaningfully in the future.
func (s *Service) normalizeExecuteAfter(eta *time.Time) *time.Time {
	if eta == nil {
		return nil
	}
	utc := eta.UTC()
	if !utc.After(s.now().Add(immediateWindow)) {
		return nil
	}
	return &utc
}

func (s *Service) checkParent(ctx context.Context, parentID *uuid.UUID) error {
	if parentID == nil {
		return nil
	}
	if _, err := s.repo.GetByID(ctx, *parentID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("parent %s: %w", parentID, ErrParentNotFound)
		}
		return fmt.Errorf("check parent %s: %w", parentID, err)
	}
	return nil
}

// CreateTask persists a pending task, enqueues its first attempt, and
// submits it to the broker. The returned task is in status queued.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, req.ParentTaskID); err != nil {
		return nil, err
	}

	eta := s.normalizeExecuteAfter(req.ExecuteAfter)

	t, err := s.repo.Create(ctx, task.CreateSpec{
		Name:         req.Name,
		Prompt:       req.Prompt,
		Priority:     req.Priority,
		ParentTaskID: req.ParentTaskID,
		CreatedBy:    req.CreatedBy,
		ExecuteAfter: eta,
		MaxRetries:   req.MaxRetries,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	t, err = s.enqueueAndDispatch(ctx, t.ID, false, eta)
	if err != nil {
		return nil, err
	}

	tasksCreated.Inc()
	s.logger.Info("Task created",
		"task_id", t.ID,
		"name", t.Name,
		"execute_after", eta)
	return t, nil
}

// GetTask returns one task by ID.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	return s.repo.GetByID(ctx, id)
}

// ListTasks returns a page of tasks plus the total match count. A zero
// limit takes the default.
func (s *Service) ListTasks(ctx context.Context, f task.ListFilter) ([]*task.Task, int, error) {
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit < MinListLimit || f.Limit > MaxListLimit {
		return nil, 0, fmt.Errorf("%w: limit must be between %d and %d", ErrValidation, MinListLimit, MaxListLimit)
	}
	if f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: offset must be >= 0", ErrValidation)
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, *f.Status)
	}
	return s.repo.List(ctx, f)
}

// RetryTask re-opens a failed task by enqueuing a fresh attempt within the
// retry budget.
func (s *Service) RetryTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed {
		return nil, fmt.Errorf("task %s in status %s: %w", id, t.Status, ErrRetryNotAllowed)
	}
	if t.RetryBudgetExhausted() {
		return nil, fmt.Errorf("task %s at %d/%d retries: %w", id, t.RetryCount, t.MaxRetries, ErrRetryLimitReached)
	}

	t, err = s.enqueueAndDispatch(ctx, id, true, nil)
	if err != nil {
		return nil, err
	}

	tasksRetried.Inc()
	s.logger.Info("Task retried", "task_id", id, "retry_count", t.RetryCount)
	return t, nil
}

// CancelTask force-cancels a non-terminal task. The broker revoke is
// best-effort: cancellation succeeds at the storage layer regardless of
// broker health.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("task %s in status %s: %w", id, t.Status, ErrCancelNotAllowed)
	}

	latest, err := s.repo.LatestExecution(ctx, id)
	if err != nil && err != task.ErrNoExecutions {
		return nil, err
	}
	if latest != nil && latest.DispatchID != nil {
		if err := s.dispatcher.Revoke(ctx, *latest.DispatchID, false); err != nil {
			s.logger.Warn("Broker revoke failed, cancelling anyway",
				"task_id", id,
				"dispatch_id", *latest.DispatchID,
				"error", err)
		}
	}

	t, err = s.repo.MarkCancelled(ctx, id, CancelReason)
	if err != nil {
		return nil, err
	}

	tasksCancelled.Inc()
	s.logger.Info("Task cancelled", "task_id", id)
	return t, nil
}

// BatchCreateTasks persists all items in one transaction, then dispatches
// each best-effort. A missing parent anywhere fails the whole batch before
// any row is written; a dispatch failure after commit fails only its item.
func (s *Service) BatchCreateTasks(ctx context.Context, reqs []CreateTaskRequest) ([]*task.Task, error) {
	if len(reqs) == 0 || len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", ErrValidation, MaxBatchSize)
	}

	parentIDs := make([]uuid.UUID, 0, len(reqs))
	for i := range reqs {
		if err := reqs[i].validate(); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		if reqs[i].ParentTaskID != nil {
			parentIDs = append(parentIDs, *reqs[i].ParentTaskID)
		}
	}

	if len(parentIDs) > 0 {
		existing, err := s.repo.ListExistingIDs(ctx, parentIDs)
		if err != nil {
			return nil, fmt.Errorf("validate batch parents: %w", err)
		}
		for i := range reqs {
			if reqs[i].ParentTaskID != nil && !existing[*reqs[i].ParentTaskID] {
				return nil, fmt.Errorf("batch item %d: parent %s: %w", i, reqs[i].ParentTaskID, ErrParentNotFound)
			}
		}
	}

	items := make([]task.BatchItem, len(reqs))
	for i, req := range reqs {
		items[i] = task.BatchItem{
			Spec: task.CreateSpec{
				Name:         req.Name,
				Prompt:       req.Prompt,
				Priority:     req.Priority,
				ParentTaskID: req.ParentTaskID,
				CreatedBy:    req.CreatedBy,
				ExecuteAfter: s.normalizeExecuteAfter(req.ExecuteAfter),
				MaxRetries:   req.MaxRetries,
				Metadata:     req.Metadata,
			},
			DispatchID: uuid.New().String(),
		}
	}

	created, err := s.repo.CreateBatch(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	// Post-commit dispatch. The batch stays committed whatever happens here.
	out := make([]*task.Task, len(created))
	copy(out, created)
	for i, t := range created {
		item := dispatch.Item{
			TaskName:   dispatch.TaskNameExecuteLLM,
			TaskID:     t.ID,
			DispatchID: items[i].DispatchID,
			ETA:        items[i].Spec.ExecuteAfter,
		}
		if err := s.dispatcher.Submit(ctx, item); err != nil {
			dispatchFailures.Inc()
			s.logger.Error("Batch dispatch failed",
				"task_id", t.ID,
				"dispatch_id", items[i].DispatchID,
				"error", err)
			failed, markErr := s.repo.MarkFailed(ctx, t.ID, items[i].DispatchID,
				"Failed to submit to broker", ErrorTypeEnqueue)
			if markErr != nil {
				s.logger.Error("Failed to record dispatch failure",
					"task_id", t.ID, "error", markErr)
				continue
			}
			out[i] = failed
		}
	}

	tasksCreated.Add(float64(len(created)))
	s.logger.Info("Batch created", "count", len(created))
	return out, nil
}

// CreateTaskFromTemplate renders a registered template with the given input
// and creates a task from the result.
func (s *Service) CreateTaskFromTemplate(ctx context.Context, templateID, inputText string, req CreateTaskRequest) (*task.Task, error) {
	tpl, ok := template.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q: %w", templateID, ErrTemplateNotFound)
	}
	if req.Name == "" {
		req.Name = tpl.TaskName()
	}
	req.Prompt = tpl.Render(inputText)
	return s.CreateTask(ctx, req)
}

// Lineage is the result of GetTaskLineage.
type Lineage struct {
	Root        *task.Task     `json:"root"`
	Ancestors   []task.Related `json:"ancestors"`
	Descendants []task.Related `json:"descendants"`
}

// GetTaskLineage returns the root task with its ancestor chain and a
// breadth-first slice of descendants, both bounded by maxDepth. A zero
// depth takes the default.
func (s *Service) GetTaskLineage(ctx context.Context, id uuid.UUID, maxDepth int) (*Lineage, error) {
	if maxDepth == 0 {
		maxDepth = DefaultLineageDepth
	}
	if maxDepth < MinLineageDepth || maxDepth > MaxLineageDepth {
		return nil, fmt.Errorf("%w: max_depth must be between %d and %d", ErrValidation, MinLineageDepth, MaxLineageDepth)
	}

	root, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ancestors, err := s.repo.ListAncestors(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	descendants, err := s.repo.ListDescendants(ctx, id, maxDepth)
	if err != nil {
		return nil, err
	}
	return &Lineage{Root: root, Ancestors: ancestors, Descendants: descendants}, nil
}

// enqueueAndDispatch persists a queued attempt with a service-generated
// dispatch ID, then submits it to the broker. Storage-first ordering: a
// broker callback can always find its attempt row, and a lost submission
// degrades to a persisted failed attempt rather than an orphaned task.
func (s *Service) enqueueAndDispatch(ctx context.Context, taskID uuid.UUID, incrementRetry bool, eta *time.Time) (*task.Task, error) {
	dispatchID := uuid.New().String()

	t, err := s.repo.EnqueueExecution(ctx, taskID, dispatchID, incrementRetry)
	if err != nil {
		return nil, fmt.Errorf("enqueue task %s: %w", taskID, err)
	}

	item := dispatch.Item{
		TaskName:   dispatch.TaskNameExecuteLLM,
		TaskID:     taskID,
		DispatchID: dispatchID,
		ETA:        eta,
	}
	if err := s.dispatcher.Submit(ctx, item); err != nil {
		dispatchFailures.Inc()
		s.logger.Error("Broker submission failed",
			"task_id", taskID,
			"dispatch_id", dispatchID,
			"error", err)
		if _, markErr := s.repo.MarkFailed(ctx, taskID, dispatchID,
			"Failed to submit to broker", ErrorTypeEnqueue); markErr != nil {
			s.logger.Error("Failed to record dispatch failure",
				"task_id", taskID, "error", markErr)
		}
		return nil, fmt.Errorf("task %s: %w: %v", taskID, ErrEnqueueFailed, err)
	}

	return t, nil
}

// MarkRunning records the start of an attempt. Called by the worker.
func (s *Service) MarkRunning(ctx context.Context, taskID uuid.UUID, dispatchID, workerID string) (*task.Task, error) {
	return s.repo.MarkRunning(ctx, taskID, dispatchID, workerID)
}

// MarkCompleted records a successful attempt. Called by the worker.
func (s *Service) MarkCompleted(ctx context.Context, taskID uuid.UUID, dispatchID, output string, usage task.Usage) (*task.Task, error) {
	return s.repo.MarkCompleted(ctx, taskID, dispatchID, output, usage)
}

// MarkFailed records a failed attempt. Called by the worker.
func (s *Service) MarkFailed(ctx context.Context, taskID uuid.UUID, dispatchID, errMessage, errType string) (*task.Task, error) {
	return s.repo.MarkFailed(ctx, taskID, dispatchID, errMessage, errType)
}

// ListExecutions returns the full attempt log for a task.
func (s *Service) ListExecutions(ctx context.Context, taskID uuid.UUID) ([]*task.Execution, error) {
	return s.repo.ListExecutions(ctx, taskID)
}
