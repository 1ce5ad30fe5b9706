package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskorch/taskorch/dispatch"
	"github.com/taskorch/taskorch/llm"
	"github.com/taskorch/taskorch/task"
)

// ErrorTypeProviderCall is recorded on attempts that failed inside the
// inference provider call.
const ErrorTypeProviderCall = "ProviderCallError"

// Generator is the provider surface the executor needs.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*llm.Result, error)
}

// Executor is the handler for ExecuteLLM work items. It runs in three
// phases: a short transaction to mark the attempt running, the provider
// call with no database lock held, and a short transaction to record the
// terminal state.
type Executor struct {
	marker    Marker
	generator Generator
	workerID  string
	logger    *slog.Logger
}

// NewExecutor creates the ExecuteLLM handler.
func NewExecutor(marker Marker, generator Generator, workerID string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		marker:    marker,
		generator: generator,
		workerID:  workerID,
		logger:    logger,
	}
}

// Register binds the executor into a handler registry.
func (e *Executor) Register(r *Registry) {
	r.Register(dispatch.TaskNameExecuteLLM, e.Execute)
}

// Execute implements HandlerFunc.
func (e *Executor) Execute(ctx context.Context, item dispatch.Item) error {
	taskID := item.TaskID

	// Phase 1: claim the attempt.
	t, err := e.marker.MarkRunning(ctx, taskID, item.DispatchID, e.workerID)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", taskID, err)
	}
	if t.Status != task.StatusRunning {
		// The attempt is stale or the task already reached a terminal
		// state; there is nothing left to run.
		e.logger.Info("Skipping attempt that is no longer current",
			"task_id", taskID,
			"dispatch_id", item.DispatchID,
			"status", t.Status)
		executionsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	e.logger.Info("Executing task",
		"task_id", taskID,
		"dispatch_id", item.DispatchID,
		"worker_id", e.workerID)

	// Phase 2: provider call, no lock held.
	started := time.Now()
	result, genErr := e.generator.Generate(ctx, t.Prompt)
	executionDuration.Observe(time.Since(started).Seconds())
	if genErr != nil {
		errType := categorizeError(genErr)
		e.logger.Warn("Task execution failed",
			"task_id", taskID,
			"dispatch_id", item.DispatchID,
			"error_type", errType,
			"error", genErr)

		// Phase 3 (failure): the recorded failure is the durable outcome;
		// retries from here are user-initiated.
		if _, err := e.marker.MarkFailed(ctx, taskID, item.DispatchID, genErr.Error(), errType); err != nil {
			return fmt.Errorf("mark failed %s: %w", taskID, err)
		}
		executionsTotal.WithLabelValues("failed").Inc()
		return nil
	}

	usage := task.Usage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
	}
	if result.ModelName != nil {
		usage.ModelName = *result.ModelName
	}

	// Phase 3 (success).
	if _, err := e.marker.MarkCompleted(ctx, taskID, item.DispatchID, result.OutputText, usage); err != nil {
		return fmt.Errorf("mark completed %s: %w", taskID, err)
	}

	executionsTotal.WithLabelValues("completed").Inc()
	e.logger.Info("Task completed",
		"task_id", taskID,
		"dispatch_id", item.DispatchID,
		"duration", time.Since(started))
	return nil
}

// categorizeError maps an execution error to the error_type recorded on
// the attempt. Provider failures share one label; anything else keeps its
// Go type name so unexpected failures stay distinguishable.
func categorizeError(err error) string {
	if llm.IsTransient(err) || llm.IsFatal(err) {
		return ErrorTypeProviderCall
	}
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
