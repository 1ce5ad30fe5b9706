package orchestrator

import "errors"

// Sentinel errors returned by Service operations. Adapters translate these
// into their own status vocabulary; storage errors pass through unwrapped.
var (
	// ErrParentNotFound means a referenced parent_task_id does not exist.
	ErrParentNotFound = errors.New("parent task not found")

	// ErrTemplateNotFound means the requested template ID is not registered.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrValidation means the request failed input validation.
	ErrValidation = errors.New("invalid argument")

	// ErrRetryNotAllowed means the task is not in a retryable state.
	ErrRetryNotAllowed = errors.New("task is not in a retryable state")

	// ErrRetryLimitReached means the retry budget is exhausted.
	ErrRetryLimitReached = errors.New("retry limit reached")

	// ErrCancelNotAllowed means the task is already terminal.
	ErrCancelNotAllowed = errors.New("task is not in a cancellable state")

	// ErrEnqueueFailed means broker submission failed after the queued
	// attempt was persisted.
	ErrEnqueueFailed = errors.New("failed to submit task to broker")
)
