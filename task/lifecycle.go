package task

import "time"

// ErrorTypeCancelled is recorded on attempt rows that were closed out by a
// user-initiated cancellation rather than a worker callback.
const ErrorTypeCancelled = "TaskCancelled"

// MarkOutcome describes how a worker-driven transition applied.
type MarkOutcome int

const (
	// OutcomeNoop means neither the task nor the attempt changed: the task
	// was already terminal, or the dispatch ID was stale.
	OutcomeNoop MarkOutcome = iota

	// OutcomeAttemptOnly means the task was cancelled mid-flight; the
	// attempt row was closed out but the task row is untouched.
	OutcomeAttemptOnly

	// OutcomeApplied means both the task and the attempt transitioned.
	OutcomeApplied
)

// IsLatestDispatch reports whether dispatchID identifies the latest attempt.
// A retry appends a new attempt with a fresh dispatch ID, which instantly
// invalidates callbacks for every prior attempt.
func IsLatestDispatch(latest *Execution, dispatchID string) bool {
	if latest == nil || latest.DispatchID == nil {
		return false
	}
	return *latest.DispatchID == dispatchID
}

// ResolveCompletedAt returns the completion timestamp for a transition
// observed at now: max(now, startedAt). Guards I2 against non-monotone
// clocks between the node that started the attempt and the node closing it.
func ResolveCompletedAt(now time.Time, startedAt *time.Time) time.Time {
	if startedAt != nil && startedAt.After(now) {
		return *startedAt
	}
	return now
}

// AttemptDurationMs computes completed - started in milliseconds, or nil
// when either timestamp is missing.
func AttemptDurationMs(startedAt *time.Time, completedAt *time.Time) *int64 {
	if startedAt == nil || completedAt == nil {
		return nil
	}
	ms := completedAt.Sub(*startedAt).Milliseconds()
	return &ms
}

// ApplyMarkRunning applies the running transition in place. Both storage
// backends load the task and its latest attempt under their own locking
// discipline and delegate the state change here.
func ApplyMarkRunning(t *Task, latest *Execution, dispatchID, workerID string, now time.Time) MarkOutcome {
	if t.Status.Terminal() || !IsLatestDispatch(latest, dispatchID) {
		return OutcomeNoop
	}

	started := now
	t.Status = StatusRunning
	t.StartedAt = &started
	t.CompletedAt = nil
	t.ErrorMessage = nil
	t.UpdatedAt = now

	latest.Status = StatusRunning
	latest.StartedAt = &started
	latest.WorkerID = &workerID
	return OutcomeApplied
}

// ApplyMarkCompleted applies the completion transition in place.
func ApplyMarkCompleted(t *Task, latest *Execution, dispatchID, output string, usage Usage, now time.Time) MarkOutcome {
	if !IsLatestDispatch(latest, dispatchID) {
		return OutcomeNoop
	}
	if t.Status == StatusCancelled {
		// The user won the race: close out the attempt, leave the task alone.
		closeAttemptCancelled(latest, now)
		return OutcomeAttemptOnly
	}
	if t.Status.Terminal() {
		return OutcomeNoop
	}

	completed := ResolveCompletedAt(now, t.StartedAt)
	t.Status = StatusCompleted
	t.Output = &output
	t.CompletedAt = &completed
	t.ErrorMessage = nil
	t.UpdatedAt = now

	latest.Status = StatusCompleted
	latest.Output = &output
	attemptDone := ResolveCompletedAt(now, latest.StartedAt)
	latest.CompletedAt = &attemptDone
	latest.DurationMs = AttemptDurationMs(latest.StartedAt, latest.CompletedAt)
	applyUsage(latest, usage)
	return OutcomeApplied
}

// ApplyMarkFailed applies the failure transition in place.
func ApplyMarkFailed(t *Task, latest *Execution, dispatchID, errMessage, errType string, now time.Time) MarkOutcome {
	if !IsLatestDispatch(latest, dispatchID) {
		return OutcomeNoop
	}
	if t.Status == StatusCancelled {
		closeAttemptCancelled(latest, now)
		return OutcomeAttemptOnly
	}
	if t.Status.Terminal() {
		return OutcomeNoop
	}

	completed := ResolveCompletedAt(now, t.StartedAt)
	t.Status = StatusFailed
	t.ErrorMessage = &errMessage
	t.CompletedAt = &completed
	t.UpdatedAt = now

	latest.Status = StatusFailed
	latest.ErrorMessage = &errMessage
	latest.ErrorType = &errType
	attemptDone := ResolveCompletedAt(now, latest.StartedAt)
	latest.CompletedAt = &attemptDone
	latest.DurationMs = AttemptDurationMs(latest.StartedAt, latest.CompletedAt)
	return OutcomeApplied
}

// ApplyMarkCancelled force-transitions the task to cancelled. Cancellation
// is user-initiated and bypasses the latest-dispatch guard; latest may be
// nil when the task has no attempts yet. Returns false when the task is
// already terminal.
func ApplyMarkCancelled(t *Task, latest *Execution, reason string, now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}

	completed := ResolveCompletedAt(now, t.StartedAt)
	t.Status = StatusCancelled
	t.ErrorMessage = &reason
	t.CompletedAt = &completed
	t.UpdatedAt = now

	if latest != nil && !latest.Status.Terminal() {
		latest.Status = StatusCancelled
		latest.ErrorMessage = &reason
		errType := ErrorTypeCancelled
		latest.ErrorType = &errType
		attemptDone := ResolveCompletedAt(now, latest.StartedAt)
		latest.CompletedAt = &attemptDone
		latest.DurationMs = AttemptDurationMs(latest.StartedAt, latest.CompletedAt)
	}
	return true
}

// ApplyEnqueue resets the task for a fresh attempt and returns the new
// attempt's number. The caller persists both rows in one transaction.
func ApplyEnqueue(t *Task, lastAttemptNumber int, incrementRetry bool, now time.Time) int {
	t.Status = StatusQueued
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Output = nil
	t.ErrorMessage = nil
	t.UpdatedAt = now
	if incrementRetry {
		t.RetryCount++
	}
	return lastAttemptNumber + 1
}

func closeAttemptCancelled(latest *Execution, now time.Time) {
	if latest.Status.Terminal() {
		return
	}
	latest.Status = StatusCancelled
	errType := ErrorTypeCancelled
	latest.ErrorType = &errType
	attemptDone := ResolveCompletedAt(now, latest.StartedAt)
	latest.CompletedAt = &attemptDone
	latest.DurationMs = AttemptDurationMs(latest.StartedAt, latest.CompletedAt)
}

func applyUsage(e *Execution, usage Usage) {
	if usage.ModelName != "" {
		e.ModelName = &usage.ModelName
	}
	// Each count is recorded independently; a provider may report a partial
	// set and the malformed fields arrive as nil.
	if usage.PromptTokens != nil {
		e.PromptTokens = usage.PromptTokens
	}
	if usage.CompletionTokens != nil {
		e.CompletionTokens = usage.CompletionTokens
	}
	if usage.TotalTokens != nil {
		e.TotalTokens = usage.TotalTokens
	}
}
